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

//go:build linux

package sock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func applyOptions(fd int, opts *Options) error {
	if opts.RecvBufSize > 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, opts.RecvBufSize); err != nil {
			return fmt.Errorf("failed to set SO_RCVBUF to %d: %w", opts.RecvBufSize, err)
		}
	}
	if opts.Priority != 0 {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, opts.Priority); err != nil {
			return fmt.Errorf("failed to set SO_PRIORITY to %d: %w", opts.Priority, err)
		}
	}
	if opts.AckTimeout > 0 {
		ms := int(opts.AckTimeout.Milliseconds())
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_USER_TIMEOUT, ms); err != nil {
			return fmt.Errorf("failed to set TCP_USER_TIMEOUT to %dms: %w", ms, err)
		}
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
}
