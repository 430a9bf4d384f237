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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// NewGenCmd groups the documentation and completion generators.
func NewGenCmd(applicationName string) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "gen",
		Short:             fmt.Sprintf("Generate documentation and shell completion for %s", applicationName),
		DisableAutoGenTag: true,
	}
	cmd.AddCommand(
		NewGenDocCmd(applicationName),
		NewAutocompleteCmd(applicationName),
	)
	return cmd
}

func docFilename(cmd *cobra.Command) string {
	return strings.ReplaceAll(cmd.CommandPath(), " ", "_") + ".md"
}

// GenMarkdown writes the page of a single command.
func GenMarkdown(cmd *cobra.Command, w io.Writer) error {
	var sb strings.Builder
	sb.WriteString("## " + cmd.CommandPath() + "\n\n")
	sb.WriteString(cmd.Short + "\n\n")
	if len(cmd.Long) > 0 {
		sb.WriteString("### Synopsis\n\n" + cmd.Long + "\n\n")
	}
	if cmd.Runnable() {
		sb.WriteString("```\n" + cmd.UseLine() + "\n```\n\n")
	}
	if len(cmd.Example) > 0 {
		sb.WriteString("### Examples\n\n```\n" + cmd.Example + "\n```\n\n")
	}
	if flags := cmd.NonInheritedFlags(); flags.HasAvailableFlags() {
		sb.WriteString("### Options\n\n```\n" + flags.FlagUsages() + "```\n\n")
	}
	if flags := cmd.InheritedFlags(); flags.HasAvailableFlags() {
		sb.WriteString("### Options inherited from parent commands\n\n```\n" + flags.FlagUsages() + "```\n\n")
	}
	var children []*cobra.Command
	for _, c := range cmd.Commands() {
		if c.IsAvailableCommand() && !c.IsAdditionalHelpTopicCommand() {
			children = append(children, c)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Name() < children[j].Name() })
	if len(children) > 0 || cmd.HasParent() {
		sb.WriteString("### SEE ALSO\n\n")
		if cmd.HasParent() {
			parent := cmd.Parent()
			sb.WriteString(fmt.Sprintf("* [%s](%s)\t - %s\n", parent.CommandPath(), docFilename(parent), parent.Short))
		}
		for _, c := range children {
			sb.WriteString(fmt.Sprintf("* [%s](%s)\t - %s\n", c.CommandPath(), docFilename(c), c.Short))
		}
		sb.WriteString("\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// GenMarkdownTreeCustom writes a page per command under dir, or every page
// into one file when singleFile is set. prepender returns text written
// before each page.
func GenMarkdownTreeCustom(cmd *cobra.Command, dir string, prepender func(string) string, singleFile bool) error {
	if singleFile {
		f, err := os.Create(filepath.Join(dir, docFilename(cmd.Root())))
		if err != nil {
			return err
		}
		defer f.Close()
		return genTree(cmd, func(c *cobra.Command) error {
			if _, err := io.WriteString(f, prepender(docFilename(c))); err != nil {
				return err
			}
			return GenMarkdown(c, f)
		})
	}
	return genTree(cmd, func(c *cobra.Command) error {
		filename := filepath.Join(dir, docFilename(c))
		f, err := os.Create(filename)
		if err != nil {
			return err
		}
		defer f.Close()
		if _, err := io.WriteString(f, prepender(filename)); err != nil {
			return err
		}
		return GenMarkdown(c, f)
	})
}

func genTree(cmd *cobra.Command, fn func(c *cobra.Command) error) error {
	if err := fn(cmd); err != nil {
		return err
	}
	for _, c := range cmd.Commands() {
		if !c.IsAvailableCommand() || c.IsAdditionalHelpTopicCommand() {
			continue
		}
		if err := genTree(c, fn); err != nil {
			return err
		}
	}
	return nil
}
