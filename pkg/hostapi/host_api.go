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

// Package hostapi is the administrative surface of the initiator: it
// connects and disconnects NVMe/TCP controllers and lists what is
// connected.
package hostapi

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultTrsvcid = 4420
	TransportTCP   = "tcp"
)

// ConnectRequest names one controller to connect.
type ConnectRequest struct {
	Transport string
	Traddr    string
	Trsvcid   int
	Subnqn    string
	Hostnqn   string
	Hostid    string
	// Kato is the keep alive timeout. Zero disables keep alive.
	Kato time.Duration
	// NrIOQueues is the number of I/O queues created with the controller.
	NrIOQueues   int
	HeaderDigest bool
	DataDigest   bool
}

// Address returns the target host:port.
func (c *ConnectRequest) Address() string {
	port := c.Trsvcid
	if port == 0 {
		port = DefaultTrsvcid
	}
	return net.JoinHostPort(c.Traddr, strconv.Itoa(port))
}

func (c *ConnectRequest) Validate() error {
	if c.Transport != "" && c.Transport != TransportTCP {
		return fmt.Errorf("unsupported transport %q", c.Transport)
	}
	if c.Traddr == "" {
		return fmt.Errorf("traddr is required")
	}
	if c.Subnqn == "" {
		return fmt.Errorf("subnqn is required")
	}
	if c.Trsvcid < 0 || c.Trsvcid > 65535 {
		return fmt.Errorf("invalid trsvcid %d", c.Trsvcid)
	}
	return nil
}

// ToOptions returns a comma delimited key=value string
// example: transport=tcp,traddr=2.2.2.2,trsvcid=4420,nqn=xxxxxxx
func (c *ConnectRequest) ToOptions() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("nqn=%s", c.Subnqn))
	if len(c.Transport) > 0 {
		sb.WriteString(fmt.Sprintf(",transport=%s", c.Transport))
	}
	if len(c.Traddr) > 0 {
		sb.WriteString(fmt.Sprintf(",traddr=%s", c.Traddr))
	}
	if c.Trsvcid > 0 {
		sb.WriteString(fmt.Sprintf(",trsvcid=%d", c.Trsvcid))
	}
	if len(c.Hostnqn) > 0 {
		sb.WriteString(fmt.Sprintf(",hostnqn=%s", c.Hostnqn))
	}
	if c.Kato > 0 {
		sb.WriteString(fmt.Sprintf(",keep_alive_tmo=%d", int(c.Kato.Seconds())))
	}
	if len(c.Hostid) > 0 {
		sb.WriteString(fmt.Sprintf(",hostid=%s", c.Hostid))
	}
	if c.NrIOQueues > 0 {
		sb.WriteString(fmt.Sprintf(",nr_io_queues=%d", c.NrIOQueues))
	}
	if c.HeaderDigest {
		sb.WriteString(",hdr_digest")
	}
	if c.DataDigest {
		sb.WriteString(",data_digest")
	}
	return sb.String()
}

// ConnectionID identifies a connected controller.
type ConnectionID string

// ConnectionInfo describes a connected controller.
type ConnectionInfo struct {
	ID        ConnectionID `json:"id"`
	Traddr    string       `json:"traddr"`
	Trsvcid   int          `json:"trsvcid"`
	Subnqn    string       `json:"subnqn"`
	CntlID    uint16       `json:"cntlid"`
	IOQueues  int          `json:"io_queues"`
	Connected bool         `json:"connected"`
}

// HostAPI manages controllers.
type HostAPI interface {
	Connect(request *ConnectRequest) (ConnectionID, error)
	Disconnect(connectionID ConnectionID) error
	Connections() []ConnectionInfo
	Close() error
}
