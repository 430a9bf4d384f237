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
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme/nvmehost"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type perfOptions struct {
	groups     int
	queueDepth int
	ioSize     int
	blockSize  int
	nsid       uint32
	lbaRange   uint64
	readPct    int
	random     bool
	duration   time.Duration
}

var perfOpts perfOptions

func newPerfCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perf",
		Short: "Run a read/write load against a namespace",
		Long: `Connects a controller, spreads its I/O queues over poll groups polled by
one goroutine each and keeps queue-depth commands outstanding per queue
until the run time passes.`,
		Example:           "perf -a 10.0.0.1 -n nqn.2016-01.com.example:subsys -i 4 --groups 2 --queue-depth 32 --rwmixread 70",
		DisableAutoGenTag: true,
		PreRunE:           bindFlags,
		RunE:              perfCmdFunc,
	}
	addTargetFlags(cmd)
	cmd.Flags().IntVar(&perfOpts.groups, "groups", 1, "number of poll groups, each polled by its own goroutine")
	cmd.Flags().IntVar(&perfOpts.queueDepth, "queue-depth", 16, "commands outstanding per queue")
	cmd.Flags().IntVar(&perfOpts.ioSize, "io-size", 4096, "bytes per command")
	cmd.Flags().IntVar(&perfOpts.blockSize, "block-size", 512, "namespace logical block size")
	cmd.Flags().Uint32Var(&perfOpts.nsid, "nsid", 1, "namespace id")
	cmd.Flags().Uint64Var(&perfOpts.lbaRange, "lba-range", 1<<20, "number of blocks the load is spread over")
	cmd.Flags().IntVar(&perfOpts.readPct, "rwmixread", 100, "percentage of reads")
	cmd.Flags().BoolVar(&perfOpts.random, "random", false, "random instead of sequential offsets")
	cmd.Flags().DurationVar(&perfOpts.duration, "time", 10*time.Second, "run time")
	return cmd
}

func (o *perfOptions) validate(nrQueues int) error {
	switch {
	case o.groups < 1 || o.groups > nrQueues:
		return fmt.Errorf("groups must be between 1 and the number of io queues (%d)", nrQueues)
	case o.queueDepth < 1:
		return fmt.Errorf("queue-depth must be positive")
	case o.blockSize < 512 || o.ioSize < o.blockSize || o.ioSize%o.blockSize != 0:
		return fmt.Errorf("io-size %d must be a multiple of block-size %d", o.ioSize, o.blockSize)
	case o.readPct < 0 || o.readPct > 100:
		return fmt.Errorf("rwmixread must be between 0 and 100")
	case o.lbaRange < uint64(o.ioSize/o.blockSize):
		return fmt.Errorf("lba-range is smaller than one command")
	case o.duration <= 0:
		return fmt.Errorf("time must be positive")
	}
	return nil
}

type perfStats struct {
	reads      uint64
	writes     uint64
	bytes      uint64
	errors     uint64
	latency    time.Duration
	maxLatency time.Duration
}

func (s *perfStats) add(other perfStats) {
	s.reads += other.reads
	s.writes += other.writes
	s.bytes += other.bytes
	s.errors += other.errors
	s.latency += other.latency
	if other.maxLatency > s.maxLatency {
		s.maxLatency = other.maxLatency
	}
}

type perfIO struct {
	req    nvmehost.Request
	queue  *nvmehost.Queue
	submit time.Time
}

// perfJob keeps queueDepth commands in flight on each queue of one group.
// Everything but the stop flag is owned by the group's poller goroutine.
type perfJob struct {
	opts     *perfOptions
	group    *nvmehost.PollGroup
	queues   []*nvmehost.Queue
	idle     []*perfIO
	inflight int
	deadline time.Time
	nextLBA  uint64
	rnd      *rand.Rand
	stats    perfStats
	done     bool
	onDone   func()
}

func newPerfJob(opts *perfOptions, group *nvmehost.PollGroup, queues []*nvmehost.Queue, seed uint64) *perfJob {
	job := &perfJob{
		opts:   opts,
		group:  group,
		queues: queues,
		rnd:    rand.New(rand.NewPCG(seed, seed+1)),
	}
	for _, queue := range queues {
		for i := 0; i < opts.queueDepth; i++ {
			io := &perfIO{queue: queue}
			io.req.Data = make([]byte, opts.ioSize)
			for j := range io.req.Data {
				io.req.Data[j] = byte(i + j)
			}
			job.idle = append(job.idle, io)
		}
	}
	return job
}

func (job *perfJob) lba() uint64 {
	nlb := uint64(job.opts.ioSize / job.opts.blockSize)
	slots := job.opts.lbaRange / nlb
	if job.opts.random {
		return job.rnd.Uint64N(slots) * nlb
	}
	lba := job.nextLBA
	job.nextLBA = (job.nextLBA + nlb) % (slots * nlb)
	return lba
}

func (job *perfJob) opcode() uint8 {
	if job.opts.readPct == 100 || job.rnd.IntN(100) < job.opts.readPct {
		return nvme.NvmRead
	}
	return nvme.NvmWrite
}

func (job *perfJob) complete(io *perfIO, cpl *nvme.Completion) {
	job.inflight--
	lat := time.Since(io.submit)
	if err := nvmehost.CompletionError(&io.req.Cmd, cpl); err != nil {
		job.stats.errors++
		logrus.WithError(err).Debugf("queue %d: command failed", io.queue.ID())
	} else {
		if io.req.Cmd.Opcode == nvme.NvmRead {
			job.stats.reads++
		} else {
			job.stats.writes++
		}
		job.stats.bytes += uint64(len(io.req.Data))
		job.stats.latency += lat
		job.stats.maxLatency = max(job.stats.maxLatency, lat)
	}
	job.idle = append(job.idle, io)
}

// tick resubmits idle commands until the deadline, then waits for the
// outstanding ones to drain.
func (job *perfJob) tick() error {
	if job.done {
		return nil
	}
	if time.Now().After(job.deadline) {
		if job.inflight == 0 {
			job.done = true
			job.onDone()
		}
		return nil
	}
	for len(job.idle) > 0 {
		io := job.idle[len(job.idle)-1]
		if io.queue.State() != nvmehost.QueueConnected {
			return fmt.Errorf("queue %d lost: %s", io.queue.ID(), io.queue.FailureReason())
		}
		nlb := uint32(job.opts.ioSize / job.opts.blockSize)
		io.req.Cmd = nvme.NewIOCommand(job.opcode(), job.opts.nsid, job.lba(), nlb)
		io.req.Callback = func(_ *nvmehost.Request, cpl *nvme.Completion) { job.complete(io, cpl) }
		io.submit = time.Now()
		err := io.queue.Submit(&io.req)
		if errors.Is(err, nvmehost.ErrAgain) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("queue %d: %w", io.queue.ID(), err)
		}
		job.idle = job.idle[:len(job.idle)-1]
		job.inflight++
	}
	return nil
}

func waitConnected(ctx context.Context, g *nvmehost.PollGroup, queues []*nvmehost.Queue) error {
	for {
		if _, err := g.ProcessCompletions(0, nil); err != nil {
			return err
		}
		pending := 0
		for _, queue := range queues {
			switch {
			case queue.State() == nvmehost.QueueConnected:
			case queue.State() == nvmehost.QueueDisconnected, queue.State() == nvmehost.QueueDisconnecting:
				return fmt.Errorf("%w: queue %d: %s", nvmehost.ErrConnectionFatal, queue.ID(), queue.FailureReason())
			default:
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.Wait(ctx, time.Millisecond)
	}
}

func perfCmdFunc(cmd *cobra.Command, args []string) error {
	if err := perfOpts.validate(target.NrIOQueues); err != nil {
		return err
	}
	cfg, err := loadCommandConfig()
	if err != nil {
		return err
	}
	opts, err := targetControllerOpts(cfg)
	if err != nil {
		return err
	}
	host, err := hostOptions(cfg)
	if err != nil {
		return err
	}
	timeout := opts.ConnectTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	connectCtx, cancelConnect := context.WithTimeout(cmd.Context(), timeout)
	defer cancelConnect()

	ctrl, err := nvmehost.NewController(connectCtx, opts)
	if err != nil {
		return err
	}
	defer ctrl.Close()

	groups := make([]*nvmehost.PollGroup, perfOpts.groups)
	members := make([][]*nvmehost.Queue, perfOpts.groups)
	for i := range groups {
		groupOpts := host.Group
		groupOpts.Accel = cfg.NewAccelEngine()
		groups[i] = nvmehost.NewPollGroup(groupOpts)
	}
	defer func() {
		for _, g := range groups {
			if err := g.Destroy(); err != nil {
				logrus.WithError(err).Debugf("failed to destroy poll group")
			}
		}
	}()
	for i := 0; i < target.NrIOQueues; i++ {
		gi := i % len(groups)
		queue, err := ctrl.AllocIOQueue(nvmehost.QueueOptions{})
		if err != nil {
			return err
		}
		if err := groups[gi].Add(queue); err != nil {
			return err
		}
		if err := groups[gi].ConnectQueue(connectCtx, queue); err != nil {
			return fmt.Errorf("failed to connect io queue %d: %w", queue.ID(), err)
		}
		members[gi] = append(members[gi], queue)
	}
	for i, g := range groups {
		if err := waitConnected(connectCtx, g, members[i]); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	var running atomic.Int32
	running.Store(int32(len(groups)))

	start := time.Now()
	jobs := make([]*perfJob, len(groups))
	pollers := make([]*nvmehost.Poller, len(groups))
	for i, g := range groups {
		job := newPerfJob(&perfOpts, g, members[i], uint64(start.UnixNano())+uint64(i))
		job.deadline = start.Add(perfOpts.duration)
		job.onDone = func() {
			if running.Add(-1) == 0 {
				cancel()
			}
		}
		jobs[i] = job
		pollers[i] = &nvmehost.Poller{Group: g, Tick: job.tick}
	}
	// the admin queue belongs to the first poller
	tick := jobs[0].tick
	pollers[0].Tick = func() error {
		if _, err := ctrl.ProcessAdminCompletions(0); err != nil {
			return err
		}
		return tick()
	}
	logrus.Infof("running %s on %d queues in %d groups", perfOpts.duration, target.NrIOQueues, len(groups))
	if err := nvmehost.RunPollers(ctx, pollers...); err != nil {
		return err
	}
	elapsed := time.Since(start)

	var total perfStats
	var polls, idle uint64
	for i, job := range jobs {
		total.add(job.stats)
		stats := groups[i].Stats()
		polls += stats.Polls
		idle += stats.IdlePolls
	}
	ios := total.reads + total.writes
	fmt.Printf("elapsed:     %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("reads:       %d\n", total.reads)
	fmt.Printf("writes:      %d\n", total.writes)
	fmt.Printf("errors:      %d\n", total.errors)
	fmt.Printf("iops:        %.0f\n", float64(ios)/elapsed.Seconds())
	fmt.Printf("bandwidth:   %.2f MiB/s\n", float64(total.bytes)/elapsed.Seconds()/(1<<20))
	if ios > 0 {
		fmt.Printf("avg latency: %s\n", (total.latency / time.Duration(ios)).Round(time.Microsecond))
	}
	fmt.Printf("max latency: %s\n", total.maxLatency.Round(time.Microsecond))
	fmt.Printf("polls:       %d (%d idle)\n", polls, idle)

	for _, queues := range members {
		for _, queue := range queues {
			ctrl.DeleteIOQueue(queue)
		}
	}
	return nil
}
