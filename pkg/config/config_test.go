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
	"testing"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/nvmehost"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/registry"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromViper(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("logging.level", "info")
	viper.Set("logging.maxAge", "48h")
	viper.Set("debug.endpoint", "127.0.0.1:6060")
	viper.Set("hostnqn", hostnqn1)
	viper.Set("targetsDir", "/etc/spdk-mellanox/targets.d")
	viper.Set("reconnectInterval", "5s")
	viper.Set("transport.dataDigest", true)
	viper.Set("transport.ioQueueSize", 64)
	viper.Set("transport.ackTimeout", 12)
	viper.Set("transport.timeoutAction", "reset")
	viper.Set("transport.sharedSlots", 256)
	viper.Set("transport.ioTimeout", "10s")

	cfg, err := LoadFromViper()
	require.NoError(t, err)
	assert.Equal(t, 48*time.Hour, cfg.Logging.MaxAge)
	assert.Equal(t, "127.0.0.1:6060", cfg.Debug.Endpoint)
	assert.Equal(t, 5*time.Second, cfg.ReconnectInterval)
	assert.Equal(t, uint8(12), cfg.Transport.AckTimeout)

	domains := registry.NewDomains()
	opts, err := cfg.HostOptions(domains)
	require.NoError(t, err)
	assert.Equal(t, hostnqn1, opts.HostNQN)
	assert.True(t, opts.Controller.DataDigest)
	assert.False(t, opts.Controller.HeaderDigest)
	assert.Equal(t, 64, opts.Controller.IOQueueSize)
	assert.Equal(t, 10*time.Second, opts.Controller.IOTimeout)
	assert.Equal(t, nvmehost.TimeoutActionReset, opts.Controller.TimeoutAction)
	assert.Same(t, domains, opts.Controller.Domains)
	assert.Equal(t, 256, opts.Group.SharedSlots)
	assert.Nil(t, cfg.NewAccelEngine())
}

func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name string
		cfg  AppConfig
	}{
		{name: "log level", cfg: AppConfig{}},
		{name: "timeout action", cfg: AppConfig{Transport: TransportConfig{TimeoutAction: "retry"}}},
		{name: "queue size", cfg: AppConfig{Transport: TransportConfig{IOQueueSize: 1}}},
		{name: "iobuf size", cfg: AppConfig{Transport: TransportConfig{IOBufSize: 4097}}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.name != "log level" {
				tc.cfg.Logging.Level = "debug"
			}
			assert.Error(t, tc.cfg.IsValid())
		})
	}

	cfg := AppConfig{Transport: TransportConfig{AccelWorkers: 2}}
	cfg.Logging.Level = "warn"
	require.NoError(t, cfg.IsValid())
	assert.NotNil(t, cfg.NewAccelEngine())
}
