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

//go:build !linux

package sock

import "github.com/sirupsen/logrus"

func applyOptions(fd int, opts *Options) error {
	if opts.Priority != 0 || opts.AckTimeout > 0 {
		logrus.Warnf("socket priority and ack timeout are only supported on linux")
	}
	return nil
}
