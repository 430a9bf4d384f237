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

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/config"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/hostapi"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/logging"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/nvmehost"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// target flags, shared by connect and perf
var target hostapi.ConnectRequest

func addTargetFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&target.Traddr, "traddr", "a", "", "target address")
	cmd.Flags().IntVarP(&target.Trsvcid, "trsvcid", "s", hostapi.DefaultTrsvcid, "target port")
	cmd.Flags().StringVarP(&target.Subnqn, "nqn", "n", "", "subsystem nqn")
	cmd.Flags().StringVarP(&target.Hostnqn, "hostnqn", "q", "", "host nqn. Derived from the host id when empty")
	cmd.Flags().DurationVarP(&target.Kato, "keep-alive-tmo", "k", 0, "keep alive timeout. Zero disables keep alive")
	cmd.Flags().IntVarP(&target.NrIOQueues, "nr-io-queues", "i", 1, "number of I/O queues")
	cmd.Flags().BoolVarP(&target.HeaderDigest, "hdr-digest", "g", false, "enable header digest")
	cmd.Flags().BoolVarP(&target.DataDigest, "data-digest", "G", false, "enable data digest")
	cmd.MarkFlagRequired("traddr")
	cmd.MarkFlagRequired("nqn")

	cmd.Flags().String("logging.level", "warn", "Log level we support")
	cmd.Flags().String("hostIDPath", "/etc/nvme/hostid", "file path containing nvme host id")
	addTransportFlags(cmd)
}

// loadCommandConfig loads the configuration of a one shot command and sets
// up console logging.
func loadCommandConfig() (*config.AppConfig, error) {
	cfg, err := config.LoadFromViper()
	if err != nil {
		return nil, err
	}
	if err := logging.SetupLoggingWithConsoleTimeStamp(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

// targetControllerOpts merges the target flags into the configured options.
func targetControllerOpts(cfg *config.AppConfig) (nvmehost.ControllerOpts, error) {
	if target.Transport == "" {
		target.Transport = hostapi.TransportTCP
	}
	if err := target.Validate(); err != nil {
		return nvmehost.ControllerOpts{}, err
	}
	host, err := hostOptions(cfg)
	if err != nil {
		return nvmehost.ControllerOpts{}, err
	}
	opts := host.Controller
	opts.Address = target.Address()
	opts.SubsysNQN = target.Subnqn
	opts.HostNQN = host.HostNQN
	if target.Hostnqn != "" {
		opts.HostNQN = target.Hostnqn
	}
	opts.HostID = host.HostID
	opts.KeepAliveTimeout = target.Kato
	opts.HeaderDigest = opts.HeaderDigest || target.HeaderDigest
	opts.DataDigest = opts.DataDigest || target.DataDigest
	return opts, nil
}

type queueReport struct {
	ID         uint16 `json:"id"`
	Size       int    `json:"size"`
	State      string `json:"state"`
	MaxH2CData uint32 `json:"max_h2c_data"`
}

type controllerReport struct {
	Address  string        `json:"address"`
	Subnqn   string        `json:"subnqn"`
	Hostnqn  string        `json:"hostnqn"`
	CntlID   uint16        `json:"cntlid"`
	Cap      string        `json:"cap"`
	Version  string        `json:"version"`
	MQES     int           `json:"max_queue_entries"`
	Elapsed  string        `json:"connect_time"`
	IOQueues []queueReport `json:"io_queues"`
}

func newConnectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "connect",
		Short:             "Connect a controller, report what it offers and disconnect",
		Example:           "connect -a 10.0.0.1 -n nqn.2016-01.com.example:subsys -i 2 -G",
		DisableAutoGenTag: true,
		PreRunE:           bindFlags,
		RunE:              connectCmdFunc,
	}
	addTargetFlags(cmd)
	return cmd
}

func connectCmdFunc(cmd *cobra.Command, args []string) error {
	cfg, err := loadCommandConfig()
	if err != nil {
		return err
	}
	opts, err := targetControllerOpts(cfg)
	if err != nil {
		return err
	}
	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	start := time.Now()
	ctrl, err := nvmehost.NewController(ctx, opts)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	report := controllerReport{
		Address: opts.Address,
		Subnqn:  opts.SubsysNQN,
		Hostnqn: opts.HostNQN,
		CntlID:  ctrl.ControllerID(),
		Cap:     fmt.Sprintf("%#x", ctrl.Cap()),
		MQES:    ctrl.MaxQueueEntries(),
	}
	vs, err := ctrl.GetProperty(ctx, nvme.RegVS)
	if err != nil {
		return err
	}
	report.Version = nvme.PropertyString(nvme.RegVS, vs)

	for i := 0; i < target.NrIOQueues; i++ {
		queue, err := ctrl.CreateIOQueue(ctx, nvmehost.QueueOptions{})
		if err != nil {
			return fmt.Errorf("failed to create io queue %d: %w", i+1, err)
		}
		report.IOQueues = append(report.IOQueues, queueReport{
			ID:         queue.ID(),
			Size:       queue.NumEntries() + 1,
			State:      queue.State().String(),
			MaxH2CData: queue.MaxH2CData(),
		})
	}
	report.Elapsed = time.Since(start).String()
	logrus.Debugf("connected %s in %s", opts.Address, report.Elapsed)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
