// Copyright 2024 the dpfs-go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package metrics exposes the mirror server's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RegistrySize tracks the number of live inode registry entries.
	RegistrySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dpfs_mirror",
		Name:      "registry_size",
		Help:      "Number of inodes currently tracked by the registry.",
	})

	// OpsTotal counts completed requests by opcode name and outcome.
	OpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dpfs_mirror",
		Name:      "ops_total",
		Help:      "Total number of completed requests by opcode and outcome.",
	}, []string{"opcode", "outcome"})

	// OpDuration times completed requests by opcode.
	OpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dpfs_mirror",
		Name:      "op_duration_seconds",
		Help:      "Request handling latency by opcode.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"opcode"})

	// AsyncInFlight tracks outstanding async read/write ops per poll thread.
	AsyncInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dpfs_mirror",
		Name:      "async_inflight",
		Help:      "Outstanding async read/write operations per poll thread.",
	}, []string{"thread"})

	// ForgetTotal counts nlookup references dropped via forget/batch_forget.
	ForgetTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dpfs_mirror",
		Name:      "forget_total",
		Help:      "Total lookup references dropped via forget/batch_forget.",
	})
)

// Serve runs an HTTP server exposing /metrics on addr until ctx is
// canceled, at which point it shuts down gracefully.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		return srv.Shutdown(context.Background())
	}
}
