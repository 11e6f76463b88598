// Copyright 2025 RXinDexer Developers
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

// Package metrics defines the process-wide prometheus collectors
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SyncHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rxindexer_sync_height",
		Help: "Height of the last committed block",
	})
	NodeTipHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rxindexer_node_tip_height",
		Help: "Best block height reported by the node",
	})
	BlocksCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rxindexer_blocks_committed_total",
		Help: "Blocks committed to storage",
	})
	BlocksUnwound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rxindexer_blocks_unwound_total",
		Help: "Blocks removed by reorg unwinds",
	})
	CommitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rxindexer_commit_duration_seconds",
		Help:    "Per-block storage commit latency",
		Buckets: prometheus.DefBuckets,
	})
	ProjectionRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rxindexer_projection_refreshes_total",
		Help: "Completed balance projection refreshes",
	})
	RpcRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rxindexer_rpc_requests_total",
			Help: "JSON-RPC requests to the node by method and outcome",
		},
		[]string{"method", "outcome"},
	)
	ApiRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rxindexer_api_requests_total",
			Help: "HTTP API requests by path and status",
		},
		[]string{"path", "status"},
	)
	ApiDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rxindexer_api_request_duration_seconds",
		Help:    "HTTP API request latency",
		Buckets: prometheus.DefBuckets,
	})
)

// Handler serves the prometheus scrape endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
