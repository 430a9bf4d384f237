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

package metrics

import "github.com/prometheus/client_golang/prometheus"

// AppMetrics a collection of metrics our application will expose
type AppMetrics struct {
	// ControllersConnected shows the controllers currently connected.
	ControllersConnected *prometheus.GaugeVec
	// Queues shows how many queues of a controller are connected.
	Queues *prometheus.GaugeVec
	// QueueFailuresTotal counts queues that left the connected state, per
	// failure reason.
	QueueFailuresTotal *prometheus.CounterVec

	// PollsTotal counts poll group iterations.
	PollsTotal *prometheus.CounterVec
	// IdlePollsTotal counts poll group iterations without socket events.
	IdlePollsTotal *prometheus.CounterVec
	// SubmittedRequestsTotal counts capsules and H2C data PDUs sent.
	SubmittedRequestsTotal *prometheus.CounterVec
	// CompletionsTotal counts NVMe completions delivered to callers.
	CompletionsTotal *prometheus.CounterVec
	// DataDigestsTotal counts data digests computed, per direction.
	DataDigestsTotal *prometheus.CounterVec
	// OutstandingRequests shows the commands waiting for completion.
	OutstandingRequests *prometheus.GaugeVec

	// ConnectDurationSeconds time it took to connect a controller and its
	// I/O queues.
	ConnectDurationSeconds *prometheus.HistogramVec
	// CommandLatencySeconds measures submit to completion latency.
	CommandLatencySeconds *prometheus.HistogramVec
}

var Metrics AppMetrics

func init() {
	Metrics.ControllersConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvmetcp_controllers_connected",
			Help: "Shows rather a controller is currently connected.",
		},
		[]string{"id", "traddr", "subnqn"},
	)
	Metrics.Queues = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvmetcp_queues_total",
			Help: "Number of connected queues.",
		},
		[]string{"id"},
	)
	Metrics.QueueFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmetcp_queue_failures_total",
			Help: "Number of queues that failed, per failure reason.",
		},
		[]string{"id", "reason"},
	)
	Metrics.PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmetcp_polls_total",
			Help: "Number of poll group iterations.",
		},
		[]string{"id"},
	)
	Metrics.IdlePollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmetcp_idle_polls_total",
			Help: "Number of poll group iterations without socket events.",
		},
		[]string{"id"},
	)
	Metrics.SubmittedRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmetcp_submitted_requests_total",
			Help: "Number of command capsules and H2C data PDUs sent.",
		},
		[]string{"id"},
	)
	Metrics.CompletionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmetcp_completions_total",
			Help: "Number of NVMe completions delivered.",
		},
		[]string{"id"},
	)
	Metrics.DataDigestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nvmetcp_data_digests_total",
			Help: "Number of data digests computed.",
		},
		[]string{"id", "direction"},
	)
	Metrics.OutstandingRequests = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nvmetcp_outstanding_requests",
			Help: "Number of commands waiting for completion.",
		},
		[]string{"id"},
	)
	Metrics.ConnectDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nvmetcp",
			Name:      "connect_duration_seconds",
			Help:      "Time it took to connect a controller and its I/O queues.",
		},
		[]string{"id"},
	)
	Metrics.CommandLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nvmetcp",
			Name:      "command_latency_seconds",
			Help:      "Time from command submission to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 20),
		},
		[]string{"id", "opcode"},
	)

	// Metrics have to be registered to be exposed:
	prometheus.MustRegister(Metrics.ControllersConnected)
	prometheus.MustRegister(Metrics.Queues)
	prometheus.MustRegister(Metrics.QueueFailuresTotal)
	prometheus.MustRegister(Metrics.PollsTotal)
	prometheus.MustRegister(Metrics.IdlePollsTotal)
	prometheus.MustRegister(Metrics.SubmittedRequestsTotal)
	prometheus.MustRegister(Metrics.CompletionsTotal)
	prometheus.MustRegister(Metrics.DataDigestsTotal)
	prometheus.MustRegister(Metrics.OutstandingRequests)

	prometheus.MustRegister(*Metrics.ConnectDurationSeconds)
	prometheus.MustRegister(*Metrics.CommandLatencySeconds)
}
