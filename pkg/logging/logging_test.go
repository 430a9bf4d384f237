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

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigIsValid(t *testing.T) {
	for _, level := range validLevels {
		assert.NoError(t, (&Config{Level: level}).IsValid())
	}
	assert.Error(t, (&Config{Level: "trace"}).IsValid())
	assert.Error(t, (&Config{}).IsValid())
}

func TestSetupLoggingToFile(t *testing.T) {
	level := logrus.GetLevel()
	hooks := logrus.StandardLogger().Hooks
	out := logrus.StandardLogger().Out
	t.Cleanup(func() {
		logrus.SetLevel(level)
		logrus.StandardLogger().ReplaceHooks(hooks)
		logrus.SetOutput(out)
		logrus.SetReportCaller(false)
	})
	logrus.StandardLogger().ReplaceHooks(make(logrus.LevelHooks))

	filename := filepath.Join(t.TempDir(), "host.log")
	require.NoError(t, SetupLogging(Config{Filename: filename, Level: "info", MaxSize: 1, MaxAge: 72 * time.Hour}))
	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())

	logrus.Debugf("filtered")
	logrus.Warnf("queue 3 failed")
	b, err := os.ReadFile(filename)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(b), "queue 3 failed"))
	assert.False(t, strings.Contains(string(b), "filtered"))

	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.Error(t, SetLevel("loud"))

	assert.Error(t, SetupLogging(Config{Level: "loud"}))
}
