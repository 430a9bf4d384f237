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
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andrii-holovchenko/spdk-mellanox/pkg/nvme"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/registry"
	"github.com/andrii-holovchenko/spdk-mellanox/pkg/sock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultAdminQueueSize    = 32
	DefaultIOQueueSize       = 128
	DefaultInCapsuleDataSize = 4096
	DefaultKeepAliveTimeout  = 10 * time.Second
	DefaultAdminTimeout      = 30 * time.Second
	DefaultIOTimeout         = 30 * time.Second
	DefaultConnectRetries    = 3
	// maxAckTimeout bounds the transport ack timeout exponent.
	maxAckTimeout = 31

	// CC.EN with 64 byte submission and 16 byte completion queue entries
	ccEnable      = 0x460001
	cstsReady     = 0x1
	enablePollGap = 10 * time.Millisecond
)

// TimeoutAction selects what the default timeout handler does with a
// command that exceeded its timeout.
type TimeoutAction int

const (
	TimeoutActionNone TimeoutAction = iota
	// TimeoutActionAbort sends an NVMe Abort for the command. The abort is
	// submitted on the admin queue, so I/O queues using it must be polled
	// from the goroutine that polls the admin queue.
	TimeoutActionAbort
	// TimeoutActionReset fails the queue so every outstanding command
	// completes with an abort status.
	TimeoutActionReset
)

func (a TimeoutAction) String() string {
	switch a {
	case TimeoutActionNone:
		return "none"
	case TimeoutActionAbort:
		return "abort"
	case TimeoutActionReset:
		return "reset"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// ParseTimeoutAction accepts the names returned by String.
func ParseTimeoutAction(s string) (TimeoutAction, error) {
	for _, a := range []TimeoutAction{TimeoutActionNone, TimeoutActionAbort, TimeoutActionReset} {
		if a.String() == s {
			return a, nil
		}
	}
	return TimeoutActionNone, fmt.Errorf("invalid timeout action %q", s)
}

// DialFunc opens the socket of one queue.
type DialFunc func(ctx context.Context, addr string, opts sock.Options) (sock.Sock, error)

// TimeoutCallback is invoked once for each command that exceeded its
// timeout.
type TimeoutCallback func(ctrl *Controller, queue *Queue, req *Request)

// ControllerOpts describe the target and the transport parameters.
type ControllerOpts struct {
	// Address is the target host:port.
	Address   string
	SubsysNQN string
	HostNQN   string
	HostID    uuid.UUID

	HeaderDigest      bool
	DataDigest        bool
	AdminQueueSize    int
	IOQueueSize       int
	InCapsuleDataSize int
	KeepAliveTimeout  time.Duration

	// AckTimeout sets TCP_USER_TIMEOUT to 1<<AckTimeout milliseconds. The
	// value is clamped to 31 and zero leaves the kernel default.
	AckTimeout       uint8
	Priority         int
	ZeroCopy         bool
	ProtectionDomain string
	ConnectTimeout   time.Duration
	ConnectRetries   uint

	AdminTimeout  time.Duration
	IOTimeout     time.Duration
	TimeoutAction TimeoutAction

	// DisableErrorLogging silences failed command completions.
	DisableErrorLogging bool

	// Domains resolves socket protection domains to memory domains.
	Domains *registry.Domains
	// Dial replaces the TCP dialer.
	Dial DialFunc
	// Now replaces the clock of the timeout walk and the connect deadline.
	Now func() time.Time
}

func (opts *ControllerOpts) setDefaults() {
	if opts.AdminQueueSize == 0 {
		opts.AdminQueueSize = DefaultAdminQueueSize
	}
	if opts.IOQueueSize == 0 {
		opts.IOQueueSize = DefaultIOQueueSize
	}
	if opts.InCapsuleDataSize == 0 {
		opts.InCapsuleDataSize = DefaultInCapsuleDataSize
	}
	if opts.ConnectRetries == 0 {
		opts.ConnectRetries = DefaultConnectRetries
	}
	if opts.AdminTimeout == 0 {
		opts.AdminTimeout = DefaultAdminTimeout
	}
	if opts.IOTimeout == 0 {
		opts.IOTimeout = DefaultIOTimeout
	}
	if opts.AckTimeout > maxAckTimeout {
		opts.AckTimeout = maxAckTimeout
	}
	if opts.HostID == uuid.Nil {
		opts.HostID = uuid.New()
	}
}

// Controller is an NVMe over TCP controller: one admin queue and any number
// of I/O queues. The admin queue is polled through ProcessAdminCompletions.
type Controller struct {
	opts ControllerOpts
	log  *logrus.Entry

	hostID [16]byte
	cntlID uint16
	cap    uint64
	vs     uint64

	admin    *Queue
	mu       sync.Mutex
	ioQueues map[uint16]*Queue

	ready        bool
	timeoutCb    TimeoutCallback
	adminTimeout time.Duration
	ioTimeout    time.Duration

	lastKeepAlive    time.Time
	keepAlivePending bool
}

func newController(opts ControllerOpts) (*Controller, error) {
	if opts.Address == "" {
		return nil, errors.New("controller address is empty")
	}
	if opts.SubsysNQN == "" || opts.HostNQN == "" {
		return nil, errors.New("subsystem and host nqn are required")
	}
	opts.setDefaults()
	ctrl := &Controller{
		opts: opts,
		log: logrus.WithFields(logrus.Fields{
			"traddr": opts.Address,
			"subnqn": opts.SubsysNQN,
		}),
		ioQueues:     map[uint16]*Queue{},
		adminTimeout: opts.AdminTimeout,
		ioTimeout:    opts.IOTimeout,
	}
	copy(ctrl.hostID[:], opts.HostID[:])
	switch opts.TimeoutAction {
	case TimeoutActionAbort, TimeoutActionReset:
		ctrl.timeoutCb = defaultTimeoutHandler(opts.TimeoutAction)
	}
	admin, err := newQueue(ctrl, QueueOptions{ID: 0, Size: opts.AdminQueueSize})
	if err != nil {
		return nil, err
	}
	ctrl.admin = admin
	return ctrl, nil
}

// NewController connects the admin queue and enables the controller.
func NewController(ctx context.Context, opts ControllerOpts) (*Controller, error) {
	ctrl, err := newController(opts)
	if err != nil {
		return nil, err
	}
	if ctrl.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ctrl.opts.ConnectTimeout)
		defer cancel()
	}
	if err := ctrl.admin.connectSync(ctx); err != nil {
		ctrl.admin.releaseDomain()
		return nil, fmt.Errorf("failed to connect admin queue: %w", err)
	}
	if err := ctrl.enable(ctx); err != nil {
		ctrl.Close()
		return nil, err
	}
	ctrl.lastKeepAlive = ctrl.now()
	ctrl.ready = true
	ctrl.log.Infof("controller %d ready, vs %s", ctrl.cntlID, nvme.PropertyString(nvme.RegVS, ctrl.vs))
	return ctrl, nil
}

func (ctrl *Controller) enable(ctx context.Context) error {
	var err error
	if ctrl.cap, err = ctrl.GetProperty(ctx, nvme.RegCAP); err != nil {
		return fmt.Errorf("failed to read CAP: %w", err)
	}
	if ctrl.vs, err = ctrl.GetProperty(ctx, nvme.RegVS); err != nil {
		return fmt.Errorf("failed to read VS: %w", err)
	}
	if err := ctrl.SetProperty(ctx, nvme.RegCC, ccEnable); err != nil {
		return fmt.Errorf("failed to enable controller: %w", err)
	}
	for {
		csts, err := ctrl.GetProperty(ctx, nvme.RegCSTS)
		if err != nil {
			return fmt.Errorf("failed to read CSTS: %w", err)
		}
		if csts&cstsReady != 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("controller not ready: %w", ctx.Err())
		case <-time.After(enablePollGap):
		}
	}
}

func (ctrl *Controller) now() time.Time {
	if ctrl.opts.Now != nil {
		return ctrl.opts.Now()
	}
	return time.Now()
}

func (ctrl *Controller) dial(ctx context.Context, addr string, opts sock.Options) (sock.Sock, error) {
	if ctrl.opts.Dial != nil {
		return ctrl.opts.Dial(ctx, addr, opts)
	}
	return sock.Dial(ctx, "tcp", addr, opts)
}

func (ctrl *Controller) sockOptions() sock.Options {
	opts := sock.Options{
		Priority:         ctrl.opts.Priority,
		ZeroCopy:         ctrl.opts.ZeroCopy,
		ProtectionDomain: ctrl.opts.ProtectionDomain,
		ConnectTimeout:   ctrl.opts.ConnectTimeout,
	}
	if ctrl.opts.AckTimeout > 0 {
		opts.AckTimeout = time.Duration(1<<ctrl.opts.AckTimeout) * time.Millisecond
	}
	return opts
}

func (ctrl *Controller) timeoutEnabled() bool {
	return ctrl.timeoutCb != nil
}

// SetTimeoutCallback registers cb for commands outstanding longer than the
// queue timeout. A nil cb disables the timeout walk.
func (ctrl *Controller) SetTimeoutCallback(ioTimeout, adminTimeout time.Duration, cb TimeoutCallback) {
	if ioTimeout > 0 {
		ctrl.ioTimeout = ioTimeout
	}
	if adminTimeout > 0 {
		ctrl.adminTimeout = adminTimeout
	}
	ctrl.timeoutCb = cb
}

func defaultTimeoutHandler(action TimeoutAction) TimeoutCallback {
	return func(ctrl *Controller, queue *Queue, req *Request) {
		ctrl.log.Warnf("command %s on queue %d timed out, action %s", req.Cmd.String(), queue.ID(), action)
		switch action {
		case TimeoutActionAbort:
			if queue.IsAdmin() {
				// an abort cannot be queued behind the command it aborts
				_ = queue.fail()
				return
			}
			if err := ctrl.AbortCommand(queue, req, nil); err != nil {
				ctrl.log.WithError(err).Errorf("failed to abort cid %d, resetting queue %d", req.CID(), queue.ID())
				_ = queue.fail()
			}
		case TimeoutActionReset:
			_ = queue.fail()
		}
	}
}

func (ctrl *Controller) AdminQueue() *Queue {
	return ctrl.admin
}

func (ctrl *Controller) ControllerID() uint16 {
	return ctrl.cntlID
}

// Cap returns the CAP register read when the controller was enabled.
func (ctrl *Controller) Cap() uint64 {
	return ctrl.cap
}

// MaxQueueEntries returns CAP.MQES + 1.
func (ctrl *Controller) MaxQueueEntries() int {
	return int(ctrl.cap&0xffff) + 1
}

// IOQueues returns the I/O queues in no particular order.
func (ctrl *Controller) IOQueues() []*Queue {
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	queues := make([]*Queue, 0, len(ctrl.ioQueues))
	for _, q := range ctrl.ioQueues {
		queues = append(queues, q)
	}
	return queues
}

// submitSync submits a command on the admin queue and polls until it
// completes.
func (ctrl *Controller) submitSync(ctx context.Context, cmd nvme.CommonCommand, data []byte) (*nvme.Completion, error) {
	var (
		done bool
		cpl  nvme.Completion
	)
	req := &Request{
		Cmd:  cmd,
		Data: data,
		Callback: func(_ *Request, c *nvme.Completion) {
			done = true
			cpl = *c
		},
	}
	for {
		err := ctrl.admin.Submit(req)
		if err == nil {
			break
		}
		if err != ErrAgain {
			return nil, err
		}
		if _, err := ctrl.ProcessAdminCompletions(0); err != nil {
			return nil, err
		}
	}
	for !done {
		if _, err := ctrl.ProcessAdminCompletions(0); err != nil {
			return nil, err
		}
		if done {
			break
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", cmd.String(), ctx.Err())
		}
		ctrl.admin.wait(ctx, connectPollPeriod)
	}
	if err := CompletionError(&req.Cmd, &cpl); err != nil {
		return &cpl, err
	}
	return &cpl, nil
}

// GetProperty reads a controller register.
func (ctrl *Controller) GetProperty(ctx context.Context, offset uint32) (uint64, error) {
	cmd, err := nvme.NewPropertyGetCommand(offset)
	if err != nil {
		return 0, err
	}
	cpl, err := ctrl.submitSync(ctx, cmd, nil)
	if err != nil {
		return 0, err
	}
	value := cpl.Result.U64()
	if offset != nvme.RegCAP {
		value = uint64(cpl.Result.U32())
	}
	ctrl.log.Debugf("property %s", nvme.PropertyString(offset, value))
	return value, nil
}

// SetProperty writes a 4 byte controller register.
func (ctrl *Controller) SetProperty(ctx context.Context, offset uint32, value uint64) error {
	cmd, err := nvme.NewPropertySetCommand(offset, value)
	if err != nil {
		return err
	}
	_, err = ctrl.submitSync(ctx, cmd, nil)
	return err
}

// AbortCommand asks the controller to abort req. cb, when set, receives the
// result of the Abort command itself.
func (ctrl *Controller) AbortCommand(queue *Queue, req *Request, cb func(err error)) error {
	abort := &Request{Cmd: nvme.NewAbortCommand(queue.ID(), req.CID())}
	abort.Callback = func(r *Request, cpl *nvme.Completion) {
		err := CompletionError(&r.Cmd, cpl)
		if err != nil {
			ctrl.log.WithError(err).Warnf("abort of cid %d on queue %d failed", req.CID(), queue.ID())
		}
		if cb != nil {
			cb(err)
		}
	}
	return ctrl.admin.Submit(abort)
}

// ProcessAdminCompletions polls the admin queue and sends a keep alive
// every half keep alive timeout.
func (ctrl *Controller) ProcessAdminCompletions(max int) (int, error) {
	if ctrl.ready {
		ctrl.keepAlive()
	}
	return ctrl.admin.ProcessCompletions(max)
}

func (ctrl *Controller) keepAlive() {
	kato := ctrl.opts.KeepAliveTimeout
	if kato == 0 || ctrl.keepAlivePending || ctrl.admin.State() != QueueConnected {
		return
	}
	now := ctrl.now()
	if now.Sub(ctrl.lastKeepAlive) < kato/2 {
		return
	}
	req := &Request{Cmd: nvme.NewKeepAliveCommand()}
	req.Callback = func(r *Request, cpl *nvme.Completion) {
		ctrl.keepAlivePending = false
		if err := CompletionError(&r.Cmd, cpl); err != nil {
			ctrl.log.WithError(err).Errorf("keep alive failed")
		}
	}
	if err := ctrl.admin.Submit(req); err != nil {
		ctrl.log.WithError(err).Warnf("failed to send keep alive")
		return
	}
	ctrl.keepAlivePending = true
	ctrl.lastKeepAlive = now
}

// AllocIOQueue creates a disconnected I/O queue with the lowest free id.
func (ctrl *Controller) AllocIOQueue(opts QueueOptions) (*Queue, error) {
	if opts.Size == 0 {
		opts.Size = ctrl.opts.IOQueueSize
	}
	if opts.InCapsuleDataSize == 0 {
		opts.InCapsuleDataSize = ctrl.opts.InCapsuleDataSize
	}
	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	if opts.ID == 0 {
		for id := uint16(1); id != 0; id++ {
			if _, ok := ctrl.ioQueues[id]; !ok {
				opts.ID = id
				break
			}
		}
	}
	if _, ok := ctrl.ioQueues[opts.ID]; ok {
		return nil, fmt.Errorf("queue %d already exists", opts.ID)
	}
	queue, err := newQueue(ctrl, opts)
	if err != nil {
		return nil, err
	}
	ctrl.ioQueues[opts.ID] = queue
	return queue, nil
}

// ConnectIOQueue connects queue and waits for the fabric connect. Queues
// polled by a group are connected through PollGroup.ConnectQueue instead.
func (ctrl *Controller) ConnectIOQueue(ctx context.Context, queue *Queue) error {
	if queue.group != nil {
		return queue.group.ConnectQueue(ctx, queue)
	}
	return queue.connectSync(ctx)
}

// CreateIOQueue allocates and connects an I/O queue.
func (ctrl *Controller) CreateIOQueue(ctx context.Context, opts QueueOptions) (*Queue, error) {
	queue, err := ctrl.AllocIOQueue(opts)
	if err != nil {
		return nil, err
	}
	if err := ctrl.ConnectIOQueue(ctx, queue); err != nil {
		ctrl.DeleteIOQueue(queue)
		return nil, err
	}
	return queue, nil
}

// DeleteIOQueue disconnects queue and forgets it.
func (ctrl *Controller) DeleteIOQueue(queue *Queue) {
	queue.Disconnect()
	if queue.group != nil {
		if err := queue.group.Remove(queue); err != nil {
			queue.log.WithError(err).Debugf("failed to remove from poll group")
		}
	}
	queue.releaseDomain()
	ctrl.mu.Lock()
	delete(ctrl.ioQueues, queue.id)
	ctrl.mu.Unlock()
}

// Close deletes every I/O queue and disconnects the admin queue.
func (ctrl *Controller) Close() {
	for _, queue := range ctrl.IOQueues() {
		ctrl.DeleteIOQueue(queue)
	}
	ctrl.ready = false
	ctrl.admin.Disconnect()
	ctrl.admin.releaseDomain()
}
