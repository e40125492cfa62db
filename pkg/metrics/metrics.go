// Copyright 2023 The emqx-go Authors
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

// package metrics provides Prometheus metrics for the application.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AuthorizationDecisions counts connect, publish, and subscribe checks by result.
	AuthorizationDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterguard_authorization_decisions_total",
		Help: "Authorization decisions by operation and result.",
	},
		[]string{"operation", "result"},
	)

	// UnmatchedDecisions counts publish/subscribe checks no ACL entry resolved.
	UnmatchedDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterguard_authorization_unmatched_total",
		Help: "Publish and subscribe checks that fell through every ACL list.",
	},
		[]string{"operation"},
	)

	// QueueDepth reports records waiting in a write-behind queue.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "clusterguard_queue_depth",
		Help: "Records waiting in a write-behind queue.",
	},
		[]string{"queue"},
	)

	// FlushedRecords counts records written to the store.
	FlushedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterguard_flushed_records_total",
		Help: "Records persisted by the periodic flush.",
	},
		[]string{"queue"},
	)

	// FlushFailures counts batches the store refused; their records are dropped.
	FlushFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterguard_flush_failures_total",
		Help: "Batches that failed to persist.",
	},
		[]string{"queue"},
	)

	// ReplicationAttempts counts publishes sent to peer brokers by result.
	ReplicationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterguard_replication_attempts_total",
		Help: "Messages replicated to peer brokers by result.",
	},
		[]string{"result"},
	)

	// RegisteredBrokers reports brokers currently known to the coordinator.
	RegisteredBrokers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clusterguard_registered_brokers",
		Help: "Brokers currently registered with the coordinator.",
	})

	// ActiveGrains reports live per-client authorization actors.
	ActiveGrains = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clusterguard_active_grains",
		Help: "Live per-client authorization actors.",
	})

	// SupervisorRestartsTotal is a counter for the total number of supervisor restarts.
	SupervisorRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clusterguard_supervisor_restarts_total",
		Help: "The total number of times a supervised actor has been restarted.",
	},
		[]string{"actor_id"},
	)
)

// Handler returns the HTTP handler exposing every registered metric.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Serve exposes the metrics on ln until ctx is cancelled.
func Serve(ctx context.Context, ln net.Listener, logger *slog.Logger) error {
	srv := &http.Server{
		Handler:           Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics server listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
