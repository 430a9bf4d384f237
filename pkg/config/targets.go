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

package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/hostapi"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/sirupsen/logrus"
)

// ParserError reports a malformed target entry.
type ParserError struct {
	Msg     string
	Details string
	Err     error
}

func (e *ParserError) Error() string {
	return e.Msg
}

func (e *ParserError) Unwrap() error {
	return e.Err
}

// Entry is one line of a targets file, written with nvme-cli connect flags:
//
//	-t tcp -a 10.0.0.1 -s 4420 -n nqn.2016-01.com.example:subsys -q <hostnqn> -k 30 -i 4 -g -G
type Entry struct {
	Transport    string
	Trsvcid      int
	Traddr       string
	Hostnqn      string
	Subsysnqn    string
	Kato         time.Duration
	NrIOQueues   int
	HeaderDigest bool
	DataDigest   bool
}

// Key identifies the controller an entry connects to.
func (e *Entry) Key() string {
	return fmt.Sprintf("%s:%d/%s/%s", e.Traddr, e.Trsvcid, e.Subsysnqn, e.Hostnqn)
}

func (e *Entry) String() string {
	return fmt.Sprintf("%s (kato %s, io queues %d)", e.Key(), e.Kato, e.NrIOQueues)
}

func (e *Entry) verify() error {
	if len(e.Subsysnqn) == 0 {
		return fmt.Errorf("subsysnqn is mandatory")
	}
	if len(e.Traddr) == 0 {
		return fmt.Errorf("traddr is mandatory")
	}
	if len(e.Transport) == 0 {
		return fmt.Errorf("transport is mandatory")
	}
	return nil
}

// ConnectRequest converts the entry to a host API request.
func (e *Entry) ConnectRequest() *hostapi.ConnectRequest {
	return &hostapi.ConnectRequest{
		Transport:    e.Transport,
		Traddr:       e.Traddr,
		Trsvcid:      e.Trsvcid,
		Subnqn:       e.Subsysnqn,
		Hostnqn:      e.Hostnqn,
		Kato:         e.Kato,
		NrIOQueues:   e.NrIOQueues,
		HeaderDigest: e.HeaderDigest,
		DataDigest:   e.DataDigest,
	}
}

func EntriesToString(entries []*Entry) string {
	var sb strings.Builder
	for _, entry := range entries {
		sb.WriteString(fmt.Sprintf("%s\n", entry))
	}
	return sb.String()
}

func trimStringFromHashtag(s string) string {
	if idx := strings.Index(s, "#"); idx != -1 {
		return s[:idx]
	}
	return s
}

func parseInt(flag, value string) (int, error) {
	n, err := strconv.ParseInt(value, 10, 32)
	if err != nil || n < 0 {
		return 0, &ParserError{
			Msg:     fmt.Sprintf("bad %s", flag),
			Details: fmt.Sprintf("%s is not a valid non negative int", value),
			Err:     err,
		}
	}
	return int(n), nil
}

func parseLine(line string) (*Entry, error) {
	e := &Entry{Trsvcid: hostapi.DefaultTrsvcid}
	splitSpacesAndEqualSign := func(c rune) bool {
		return unicode.IsSpace(c) || c == '='
	}
	s := strings.FieldsFunc(line, splitSpacesAndEqualSign)
	value := func(i int) (string, error) {
		if i >= len(s) {
			return "", &ParserError{Msg: "missing value", Details: fmt.Sprintf("%s requires a value", s[i-1])}
		}
		return s[i], nil
	}
	for i := 0; i < len(s); i++ {
		field := s[i]
		var err error
		switch field {
		case "-g", "--hdr-digest":
			e.HeaderDigest = true
			continue
		case "-G", "--data-digest":
			e.DataDigest = true
			continue
		}
		i++
		v, err := value(i)
		if err != nil {
			return nil, err
		}
		switch field {
		case "-a", "--traddr":
			if _, err = nvme.AdjustTraddr(v); err != nil {
				return nil, &ParserError{
					Msg:     "bad address",
					Details: fmt.Sprintf("%s is not a valid hostname or IP address", v),
					Err:     err,
				}
			}
			e.Traddr = v
		case "-t", "--transport":
			if v != hostapi.TransportTCP {
				return nil, &ParserError{
					Msg:     "bad transport",
					Details: fmt.Sprintf("%s is not a valid transport", v),
				}
			}
			e.Transport = v
		case "-s", "--trsvcid":
			if e.Trsvcid, err = parseInt("port", v); err != nil {
				return nil, err
			}
			if e.Trsvcid == 0 || e.Trsvcid > 65535 {
				return nil, &ParserError{Msg: "bad port", Details: fmt.Sprintf("%s is out of range", v)}
			}
		case "-q", "--hostnqn":
			e.Hostnqn = v
		case "-n", "--nqn", "--subsysnqn":
			e.Subsysnqn = v
		case "-k", "--keep-alive-tmo":
			secs, err := parseInt("keep alive timeout", v)
			if err != nil {
				return nil, err
			}
			e.Kato = time.Duration(secs) * time.Second
		case "-i", "--nr-io-queues":
			if e.NrIOQueues, err = parseInt("io queue count", v); err != nil {
				return nil, err
			}
		default:
			return nil, &ParserError{
				Msg:     "unknown flag",
				Details: fmt.Sprintf("%s is not a valid flag", field),
			}
		}
	}
	return e, nil
}

// ParseTargets reads the entries of one targets file. Lines missing a
// mandatory field are skipped with a warning.
func ParseTargets(filename string) ([]*Entry, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	var entries []*Entry
	for scanner.Scan() {
		line := strings.TrimSpace(trimStringFromHashtag(scanner.Text()))
		if line == "" {
			continue
		}
		e, err := parseLine(line)
		if err != nil {
			return nil, err
		}
		if err := e.verify(); err != nil {
			logrus.Warnf("entry: %s not valid. %v", line, err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return removeDupEntries(entries), nil
}

// LoadTargetsDir parses every regular file in dir. A file that fails to
// parse is logged and ignored so one bad file does not drop the others.
func LoadTargetsDir(dir string) ([]*Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var entries []*Entry
	for _, f := range files {
		if !f.Type().IsRegular() || strings.HasPrefix(f.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, f.Name())
		fileEntries, err := ParseTargets(path)
		if err != nil {
			logrus.WithError(err).Errorf("failed to parse %s", path)
			continue
		}
		entries = append(entries, fileEntries...)
	}
	return removeDupEntries(entries), nil
}

// removeDupEntries drops entries with the same key, first one wins, and
// sorts the result by key.
func removeDupEntries(entries []*Entry) []*Entry {
	seen := map[string]bool{}
	unique := []*Entry{}
	for _, e := range entries {
		if seen[e.Key()] {
			continue
		}
		seen[e.Key()] = true
		unique = append(unique, e)
	}
	sort.Slice(unique, func(i, j int) bool { return unique[i].Key() < unique[j].Key() })
	return unique
}
