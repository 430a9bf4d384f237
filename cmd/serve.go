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
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/config"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/logging"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/nvmehost"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/registry"
	"github.com/andrii-holovchenko/spdk-mellanox/service"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newServeCmd() *cobra.Command {

	var cmd = &cobra.Command{
		Use:               "serve",
		Short:             "Connect the configured targets and keep them connected",
		Long:              ``,
		DisableAutoGenTag: true,
		PreRunE:           bindFlags,
		RunE:              serveCmdFunc,
	}

	// configure logging
	cmd.Flags().String("logging.filename", "", "filename to write log to")
	viper.BindPFlag("logging.filename", cmd.Flags().Lookup("logging.filename"))
	cmd.MarkFlagFilename("logging.filename", "log")

	cmd.Flags().Duration("logging.maxage", 96*time.Hour, "Time to wait until old logs are purged")
	viper.BindPFlag("logging.maxage", cmd.Flags().Lookup("logging.maxage"))

	cmd.Flags().Int("logging.maxSize", 100, "Maximum size in megabytes of the log file before it gets rotated. (defaults to 100MB).")
	viper.BindPFlag("logging.maxSize", cmd.Flags().Lookup("logging.maxSize"))

	cmd.Flags().Bool("logging.reportcaller", true, "Report func name and line number on log entry")
	viper.BindPFlag("logging.reportcaller", cmd.Flags().Lookup("logging.reportcaller"))

	cmd.Flags().String("logging.level", "info", "Log level we support")
	viper.BindPFlag("logging.level", cmd.Flags().Lookup("logging.level"))

	cmd.Flags().String("debug.endpoint", "0.0.0.0:6060", "ip:port to expose debug and metric information")
	viper.BindPFlag("debug.endpoint", cmd.Flags().Lookup("debug.endpoint"))

	cmd.Flags().Bool("debug.enablepprof", true, "Enable runtime profiling data via HTTP server. http://<endpoint>/debug/pprof/")
	viper.BindPFlag("debug.enablepprof", cmd.Flags().Lookup("debug.enablepprof"))

	cmd.Flags().Bool("debug.metrics", true, "Expose prometheus metrics on http://<endpoint>/metrics")
	viper.BindPFlag("debug.metrics", cmd.Flags().Lookup("debug.metrics"))

	cmd.Flags().String("targetsDir", "/etc/spdk-mellanox/targets.d", "Directory to watch for target entry files")
	viper.BindPFlag("targetsDir", cmd.Flags().Lookup("targetsDir"))

	cmd.Flags().String("hostIDPath", "/etc/nvme/hostid", "file path containing nvme host id")
	viper.BindPFlag("hostIDPath", cmd.Flags().Lookup("hostIDPath"))

	cmd.Flags().String("hostnqn", "", "host nqn. Derived from the host id when empty")
	viper.BindPFlag("hostnqn", cmd.Flags().Lookup("hostnqn"))

	cmd.Flags().Duration("reconnectInterval", 5*time.Second, "Interval between connect attempts of failed targets")
	viper.BindPFlag("reconnectInterval", cmd.Flags().Lookup("reconnectInterval"))

	addTransportFlags(cmd)
	return cmd
}

// addTransportFlags defines the transport.* keys shared by every command
// that connects controllers. They are bound to viper by bindFlags when the
// command runs, so the last command constructed does not own the keys.
func addTransportFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("transport.headerDigest", false, "Negotiate the header digest")
	cmd.Flags().Bool("transport.dataDigest", false, "Negotiate the data digest")
	cmd.Flags().Int("transport.ioQueueSize", nvmehost.DefaultIOQueueSize, "I/O submission queue size")
	cmd.Flags().Int("transport.inCapsuleDataSize", nvmehost.DefaultInCapsuleDataSize, "Largest write carried inside the command capsule")
	cmd.Flags().Uint8("transport.ackTimeout", 0, "TCP_USER_TIMEOUT exponent, 1<<value milliseconds. Zero keeps the kernel default")
	cmd.Flags().Int("transport.priority", 0, "SO_PRIORITY of the queue sockets")
	cmd.Flags().Bool("transport.zeroCopy", false, "Hand received read data over without copying")
	cmd.Flags().String("transport.timeoutAction", "none", "Action on command timeout: none, abort or reset")
	cmd.Flags().Duration("transport.ioTimeout", nvmehost.DefaultIOTimeout, "I/O command timeout")
	cmd.Flags().Duration("transport.connectTimeout", 10*time.Second, "Controller connect timeout")
	cmd.Flags().Int("transport.sharedSlots", 0, "Request slots shared by the queues of a poll group. Zero gives each queue its own")
	cmd.Flags().Int64("transport.accelWorkers", 0, "Software accel workers per poll group. Zero disables accel")
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	return viper.BindPFlags(cmd.Flags())
}

// hostOptions resolves the host identity and the transport options of cfg.
func hostOptions(cfg *config.AppConfig) (nvmehost.HostOptions, error) {
	opts, err := cfg.HostOptions(registry.NewDomains())
	if err != nil {
		return opts, err
	}
	hostID, err := nvmehost.LoadHostID(cfg.HostIDPath)
	if err != nil {
		return opts, err
	}
	opts.HostID = hostID
	if opts.HostNQN == "" {
		opts.HostNQN = nvmehost.HostNQN(hostID)
	}
	return opts, nil
}

func startDebugServer(cfg config.DebugConfig) *http.Server {
	mux := http.NewServeMux()
	if cfg.Metrics {
		mux.Handle("/metrics", promhttp.Handler())
	}
	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	srv := &http.Server{Addr: cfg.Endpoint, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Errorf("debug server on %s failed", cfg.Endpoint)
		}
	}()
	return srv
}

// watchLogLevel applies logging.level changes of the config file.
func watchLogLevel() {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if err := logging.SetLevel(viper.GetString("logging.level")); err != nil {
			logrus.WithError(err).Warnf("ignoring %s change", e.Name)
		}
	})
	viper.WatchConfig()
}

func serveCmdFunc(cmd *cobra.Command, args []string) error {
	appConfig, err := config.LoadFromViper()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "spdk-mellanox configuration: %+v\n", *appConfig)

	if err := logging.SetupLogging(appConfig.Logging); err != nil {
		return err
	}
	logrus.Infof("******************** %s started ********************", os.Args[0])
	watchLogLevel()

	opts, err := hostOptions(appConfig)
	if err != nil {
		logrus.WithError(err).Errorf("failed to resolve host identity")
		return err
	}
	hostAPI := nvmehost.NewHostApi(opts)
	defer hostAPI.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if appConfig.Debug.Endpoint != "" {
		srv := startDebugServer(appConfig.Debug)
		defer srv.Close()
	}

	svc := service.NewService(ctx, appConfig.TargetsDir, hostAPI, appConfig.ReconnectInterval)
	if err = svc.Start(); err != nil {
		logrus.WithError(err).Errorf("failed to start service")
		return err
	}
	<-ctx.Done()
	logrus.Infof("shutting down")
	return svc.Stop()
}
