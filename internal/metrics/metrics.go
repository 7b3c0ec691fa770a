// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics is the process-wide stats surface: one struct per worker,
// summed lazily by the stats endpoint. Every worker owns one *Worker and
// increments its own counters without locking; Registry sums them lazily
// when Prometheus scrapes /metrics. The ASCII "stats" command does not read
// these counters: its reply carries only the merged backend stats.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Worker holds the lock-free per-worker counters, carried into Go atomics
// per worker instead of a single global mutable struct.
type Worker struct {
	DownstreamConnect        atomic.Int64
	DownstreamConnectFailed  atomic.Int64
	DownstreamTimeout        atomic.Int64
	DownstreamAuthFailed     atomic.Int64
	DownstreamBlacklisted    atomic.Int64
	Retry                    atomic.Int64
	RetryExhausted           atomic.Int64
	WaitQueueTimeout         atomic.Int64
	WaitQueueEnqueued        atomic.Int64
	OOM                      atomic.Int64
	ConfigFails              atomic.Int64
	RequestsCompleted        atomic.Int64
	MultigetKeysDeduplicated atomic.Int64
}

// Registry owns one prometheus.Registry plus the set of live Worker
// counters it sums on every collect. Construct one per process.
type Registry struct {
	mu      sync.Mutex
	workers []*Worker
	reg     *prometheus.Registry

	connect       *prometheus.Desc
	connectFailed *prometheus.Desc
	timeout       *prometheus.Desc
	authFailed    *prometheus.Desc
	blacklisted   *prometheus.Desc
	retry         *prometheus.Desc
	retryExh      *prometheus.Desc
	wqTimeout     *prometheus.Desc
	wqEnqueued    *prometheus.Desc
	oom           *prometheus.Desc
	configFails   *prometheus.Desc
	completed     *prometheus.Desc
	dedup         *prometheus.Desc
}

// NewRegistry builds an empty Registry and registers it as a Prometheus
// Collector that lazily sums every worker's counters at scrape time.
func NewRegistry() *Registry {
	r := &Registry{
		reg:           prometheus.NewRegistry(),
		connect:       prometheus.NewDesc("moxi_downstream_connect_total", "Downstream connect attempts", nil, nil),
		connectFailed: prometheus.NewDesc("moxi_downstream_connect_failed_total", "Downstream connect failures", nil, nil),
		timeout:       prometheus.NewDesc("moxi_downstream_timeout_total", "Downstream deadline expirations", nil, nil),
		authFailed:    prometheus.NewDesc("moxi_downstream_auth_failed_total", "Downstream SASL/SELECT_BUCKET failures", nil, nil),
		blacklisted:   prometheus.NewDesc("moxi_downstream_blacklisted_total", "Acquire calls rejected by the blacklist policy", nil, nil),
		retry:         prometheus.NewDesc("moxi_retry_total", "Request retries (NOT_MY_VBUCKET or mid-flight close)", nil, nil),
		retryExh:      prometheus.NewDesc("moxi_retry_exhausted_total", "Requests that exhausted their retry budget", nil, nil),
		wqTimeout:     prometheus.NewDesc("moxi_wait_queue_timeout_total", "Upstreams timed out waiting for a request slot", nil, nil),
		wqEnqueued:    prometheus.NewDesc("moxi_wait_queue_enqueued_total", "Upstreams enqueued onto the wait queue", nil, nil),
		oom:           prometheus.NewDesc("moxi_oom_total", "Resource-exhaustion errors (no pool slot, buffer alloc)", nil, nil),
		configFails:   prometheus.NewDesc("moxi_config_fails_total", "Runtime config reloads rejected", nil, nil),
		completed:     prometheus.NewDesc("moxi_requests_completed_total", "Requests released back to their free list", nil, nil),
		dedup:         prometheus.NewDesc("moxi_multiget_keys_deduplicated_total", "Multi-get keys served without an extra backend fetch", nil, nil),
	}
	r.reg.MustRegister(r)
	return r
}

// NewWorker allocates a Worker and registers it with the Registry so its
// counters are included in future scrapes.
func (r *Registry) NewWorker() *Worker {
	w := &Worker{}
	r.mu.Lock()
	r.workers = append(r.workers, w)
	r.mu.Unlock()
	return w
}

// Handler returns the http.Handler to mount at the admin /metrics endpoint.
// It is served on a separate admin address, never the memcached listener.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.connect
	ch <- r.connectFailed
	ch <- r.timeout
	ch <- r.authFailed
	ch <- r.blacklisted
	ch <- r.retry
	ch <- r.retryExh
	ch <- r.wqTimeout
	ch <- r.wqEnqueued
	ch <- r.oom
	ch <- r.configFails
	ch <- r.completed
	ch <- r.dedup
}

// Collect sums every registered Worker's counters and reports the totals.
// Summing at collect time (rather than on every increment) is what lets
// each worker touch only its own Worker with no cross-thread synchronization
// on the hot path.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	var totals Worker
	r.mu.Lock()
	workers := append([]*Worker(nil), r.workers...)
	r.mu.Unlock()

	for _, w := range workers {
		totals.DownstreamConnect.Add(w.DownstreamConnect.Load())
		totals.DownstreamConnectFailed.Add(w.DownstreamConnectFailed.Load())
		totals.DownstreamTimeout.Add(w.DownstreamTimeout.Load())
		totals.DownstreamAuthFailed.Add(w.DownstreamAuthFailed.Load())
		totals.DownstreamBlacklisted.Add(w.DownstreamBlacklisted.Load())
		totals.Retry.Add(w.Retry.Load())
		totals.RetryExhausted.Add(w.RetryExhausted.Load())
		totals.WaitQueueTimeout.Add(w.WaitQueueTimeout.Load())
		totals.WaitQueueEnqueued.Add(w.WaitQueueEnqueued.Load())
		totals.OOM.Add(w.OOM.Load())
		totals.ConfigFails.Add(w.ConfigFails.Load())
		totals.RequestsCompleted.Add(w.RequestsCompleted.Load())
		totals.MultigetKeysDeduplicated.Add(w.MultigetKeysDeduplicated.Load())
	}

	ch <- prometheus.MustNewConstMetric(r.connect, prometheus.CounterValue, float64(totals.DownstreamConnect.Load()))
	ch <- prometheus.MustNewConstMetric(r.connectFailed, prometheus.CounterValue, float64(totals.DownstreamConnectFailed.Load()))
	ch <- prometheus.MustNewConstMetric(r.timeout, prometheus.CounterValue, float64(totals.DownstreamTimeout.Load()))
	ch <- prometheus.MustNewConstMetric(r.authFailed, prometheus.CounterValue, float64(totals.DownstreamAuthFailed.Load()))
	ch <- prometheus.MustNewConstMetric(r.blacklisted, prometheus.CounterValue, float64(totals.DownstreamBlacklisted.Load()))
	ch <- prometheus.MustNewConstMetric(r.retry, prometheus.CounterValue, float64(totals.Retry.Load()))
	ch <- prometheus.MustNewConstMetric(r.retryExh, prometheus.CounterValue, float64(totals.RetryExhausted.Load()))
	ch <- prometheus.MustNewConstMetric(r.wqTimeout, prometheus.CounterValue, float64(totals.WaitQueueTimeout.Load()))
	ch <- prometheus.MustNewConstMetric(r.wqEnqueued, prometheus.CounterValue, float64(totals.WaitQueueEnqueued.Load()))
	ch <- prometheus.MustNewConstMetric(r.oom, prometheus.CounterValue, float64(totals.OOM.Load()))
	ch <- prometheus.MustNewConstMetric(r.configFails, prometheus.CounterValue, float64(totals.ConfigFails.Load()))
	ch <- prometheus.MustNewConstMetric(r.completed, prometheus.CounterValue, float64(totals.RequestsCompleted.Load()))
	ch <- prometheus.MustNewConstMetric(r.dedup, prometheus.CounterValue, float64(totals.MultigetKeysDeduplicated.Load()))
}
