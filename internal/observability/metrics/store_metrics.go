// Package metrics exposes store diagnostics as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StoreCollector tracks the per-store counters and gauges of the multi-raft
// runtime.
type StoreCollector struct {
	Regions       prometheus.Gauge
	LeaderRegions prometheus.Gauge

	ProposalsTotal      prometheus.Counter
	ProposalsRejected   prometheus.Counter
	ReadyHandledTotal   prometheus.Counter
	AppliedEntriesTotal prometheus.Counter
	ApplyRejectedTotal  prometheus.Counter

	SplitsTotal  prometheus.Counter
	MergesTotal  prometheus.Counter
	MessagesDrop prometheus.Counter

	SnapshotsGenerated prometheus.Counter
	SnapshotsInstalled prometheus.Counter

	BackupSegmentsSealed prometheus.Counter
}

// NewStoreCollector registers the collector on reg (default registry when
// nil) under the given namespace.
func NewStoreCollector(reg prometheus.Registerer, namespace string) *StoreCollector {
	if namespace == "" {
		namespace = "rangekv"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	builder := promauto.With(reg)
	return &StoreCollector{
		Regions: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_regions",
			Help:      "Number of region replicas hosted on this store.",
		}),
		LeaderRegions: builder.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_leader_regions",
			Help:      "Number of regions this store currently leads.",
		}),
		ProposalsTotal: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_proposals_total",
			Help:      "Commands admitted into raft proposal.",
		}),
		ProposalsRejected: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_proposals_rejected_total",
			Help:      "Commands rejected at admission (not leader, fenced, stale).",
		}),
		ReadyHandledTotal: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_raft_ready_total",
			Help:      "Raft ready batches processed.",
		}),
		AppliedEntriesTotal: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_applied_entries_total",
			Help:      "Committed entries applied to the engine.",
		}),
		ApplyRejectedTotal: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_apply_rejected_total",
			Help:      "Committed entries rejected at apply time (stale epoch, merge abort).",
		}),
		SplitsTotal: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_region_splits_total",
			Help:      "Region splits applied on this store.",
		}),
		MergesTotal: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_region_merges_total",
			Help:      "Region merges committed on this store.",
		}),
		MessagesDrop: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_messages_dropped_total",
			Help:      "Inbound raft messages dropped by full mailboxes.",
		}),
		SnapshotsGenerated: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_snapshots_generated_total",
			Help:      "Region snapshots generated for lagging peers.",
		}),
		SnapshotsInstalled: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_snapshots_installed_total",
			Help:      "Region snapshots installed into the engine.",
		}),
		BackupSegmentsSealed: builder.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_backup_segments_sealed_total",
			Help:      "Backup segments sealed.",
		}),
	}
}

// StartServer serves /metrics on addr until the context is cancelled.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return fmt.Errorf("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
