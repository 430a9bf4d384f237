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

// Package config holds the application configuration loaded through viper
// and the target entry files watched by the serve command.
package config

import (
	"fmt"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/accel"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/logging"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/nvmehost"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/registry"
	"github.com/spf13/viper"
)

type DebugConfig struct {
	// ip:port of the debug http server
	Endpoint    string `yaml:"endpoint,omitempty"`
	EnablePprof bool   `yaml:"enablePprof,omitempty"`
	Metrics     bool   `yaml:"metrics,omitempty"`
}

// TransportConfig is applied to every controller the host connects.
type TransportConfig struct {
	HeaderDigest      bool          `yaml:"headerDigest,omitempty"`
	DataDigest        bool          `yaml:"dataDigest,omitempty"`
	AdminQueueSize    int           `yaml:"adminQueueSize,omitempty"`
	IOQueueSize       int           `yaml:"ioQueueSize,omitempty"`
	InCapsuleDataSize int           `yaml:"inCapsuleDataSize,omitempty"`
	AckTimeout        uint8         `yaml:"ackTimeout,omitempty"`
	Priority          int           `yaml:"priority,omitempty"`
	ZeroCopy          bool          `yaml:"zeroCopy,omitempty"`
	ProtectionDomain  string        `yaml:"protectionDomain,omitempty"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout,omitempty"`
	ConnectRetries    uint          `yaml:"connectRetries,omitempty"`
	AdminTimeout      time.Duration `yaml:"adminTimeout,omitempty"`
	IOTimeout         time.Duration `yaml:"ioTimeout,omitempty"`
	// one of none, abort, reset
	TimeoutAction string `yaml:"timeoutAction,omitempty"`

	// SharedSlots and RecvPDUs size the pools shared by the queues of a
	// poll group. Zero gives each queue its own.
	SharedSlots  int   `yaml:"sharedSlots,omitempty"`
	RecvPDUs     int   `yaml:"recvPDUs,omitempty"`
	IOBufCount   int   `yaml:"iobufCount,omitempty"`
	IOBufSize    int   `yaml:"iobufSize,omitempty"`
	AccelWorkers int64 `yaml:"accelWorkers,omitempty"`
}

type AppConfig struct {
	Logging   logging.Config  `yaml:"logging,omitempty"`
	Debug     DebugConfig     `yaml:"debug,omitempty"`
	Transport TransportConfig `yaml:"transport,omitempty"`
	// HostNQN overrides the nqn derived from the host id.
	HostNQN    string `yaml:"hostnqn,omitempty"`
	HostIDPath string `yaml:"hostIDPath,omitempty"`
	// TargetsDir holds the target entry files connected by serve.
	TargetsDir        string        `yaml:"targetsDir,omitempty"`
	ReconnectInterval time.Duration `yaml:"reconnectInterval,omitempty"`
}

func LoadFromViper() (*AppConfig, error) {
	var cfg AppConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *AppConfig) IsValid() error {
	if err := cfg.Logging.IsValid(); err != nil {
		return err
	}
	if _, err := nvmehost.ParseTimeoutAction(cfg.timeoutAction()); err != nil {
		return err
	}
	t := cfg.Transport
	if t.IOQueueSize == 1 || t.AdminQueueSize == 1 {
		return fmt.Errorf("queue sizes must be at least 2")
	}
	if t.IOBufSize > 0 && t.IOBufSize%4 != 0 {
		return fmt.Errorf("transport.iobufSize must be a multiple of 4, got %d", t.IOBufSize)
	}
	return nil
}

func (cfg *AppConfig) timeoutAction() string {
	if cfg.Transport.TimeoutAction == "" {
		return nvmehost.TimeoutActionNone.String()
	}
	return cfg.Transport.TimeoutAction
}

// HostOptions builds the host API options. The caller resolves the host
// identity.
func (cfg *AppConfig) HostOptions(domains *registry.Domains) (nvmehost.HostOptions, error) {
	action, err := nvmehost.ParseTimeoutAction(cfg.timeoutAction())
	if err != nil {
		return nvmehost.HostOptions{}, err
	}
	t := cfg.Transport
	return nvmehost.HostOptions{
		HostNQN: cfg.HostNQN,
		Controller: nvmehost.ControllerOpts{
			HeaderDigest:      t.HeaderDigest,
			DataDigest:        t.DataDigest,
			AdminQueueSize:    t.AdminQueueSize,
			IOQueueSize:       t.IOQueueSize,
			InCapsuleDataSize: t.InCapsuleDataSize,
			AckTimeout:        t.AckTimeout,
			Priority:          t.Priority,
			ZeroCopy:          t.ZeroCopy,
			ProtectionDomain:  t.ProtectionDomain,
			ConnectTimeout:    t.ConnectTimeout,
			ConnectRetries:    t.ConnectRetries,
			AdminTimeout:      t.AdminTimeout,
			IOTimeout:         t.IOTimeout,
			TimeoutAction:     action,
			Domains:           domains,
		},
		Group: nvmehost.PollGroupOptions{
			SharedSlots: t.SharedSlots,
			RecvPDUs:    t.RecvPDUs,
			IOBufCount:  t.IOBufCount,
			IOBufSize:   t.IOBufSize,
		},
		AccelWorkers: t.AccelWorkers,
	}, nil
}

// NewAccelEngine returns the engine shared by pollers that run accel
// sequences outside the host API, or nil when accel is disabled.
func (cfg *AppConfig) NewAccelEngine() accel.Engine {
	if cfg.Transport.AccelWorkers <= 0 {
		return nil
	}
	return accel.NewSoftwareEngine(accel.EngineOptions{Workers: cfg.Transport.AccelWorkers})
}
