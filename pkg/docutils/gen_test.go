// Copyright 2016--2022 Lightbits Labs Ltd.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// you may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package docutils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTree() *cobra.Command {
	root := &cobra.Command{Use: "host", Short: "host root"}
	connect := &cobra.Command{Use: "connect", Short: "connect a controller", Example: "host connect -a 10.0.0.1", RunE: func(*cobra.Command, []string) error { return nil }}
	connect.Flags().String("traddr", "", "target address")
	root.PersistentFlags().String("config", "", "config file")
	root.AddCommand(connect, NewGenCmd("host"))
	return root
}

func TestGenMarkdownTree(t *testing.T) {
	dir := t.TempDir()
	root := testTree()
	require.NoError(t, GenMarkdownTreeCustom(root, dir, func(string) string { return "" }, false))

	b, err := os.ReadFile(filepath.Join(dir, "host_connect.md"))
	require.NoError(t, err)
	page := string(b)
	assert.Contains(t, page, "## host connect")
	assert.Contains(t, page, "--traddr")
	assert.Contains(t, page, "### Options inherited from parent commands")
	assert.Contains(t, page, "* [host](host.md)")
	assert.FileExists(t, filepath.Join(dir, "host_gen_doc.md"))
}

func TestGenMarkdownSingleFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenMarkdownTreeCustom(testTree(), dir, func(name string) string { return "<!-- " + name + " -->\n" }, true))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	b, err := os.ReadFile(filepath.Join(dir, "host.md"))
	require.NoError(t, err)
	assert.Contains(t, string(b), "<!-- host_gen_autocomplete.md -->")
	assert.Contains(t, string(b), "## host gen autocomplete")
}
