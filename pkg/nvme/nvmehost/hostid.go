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

package nvmehost

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultHostIDPath = "/etc/nvme/hostid"
	hostNQNPrefix     = "nqn.2014-08.org.nvmexpress:uuid:"
)

func removeDash(str string) string {
	str = strings.ReplaceAll(str, "-", "")
	str = strings.TrimSpace(str)
	return str
}

func isValidUUID(u string) bool {
	_, err := uuid.Parse(u)
	return err == nil
}

// LoadHostID reads the host identifier kept at path. A missing or empty file
// is created with a new random identifier.
func LoadHostID(path string) (uuid.UUID, error) {
	dat, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(dat))) > 0 {
		id := removeDash(string(dat))
		if !isValidUUID(id) {
			return uuid.Nil, fmt.Errorf("invalid host id %q in %s", strings.TrimSpace(string(dat)), path)
		}
		return uuid.Parse(id)
	}

	id := uuid.New()
	logrus.Debugf("creating hostID file at %v", path)
	// make sure this folder exists before we create the hostid file.
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create %s folder: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0644); err != nil {
		return uuid.Nil, fmt.Errorf("failed to write to %s file: %w", path, err)
	}
	return id, nil
}

// HostNQN returns the uuid based NQN of the host.
func HostNQN(id uuid.UUID) string {
	return hostNQNPrefix + id.String()
}
