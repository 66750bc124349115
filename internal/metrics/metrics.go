// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package metrics instruments save/load operations with Prometheus
// counters and histograms, the way vjache-cie instruments its indexing
// pipeline with github.com/prometheus/client_golang. The teacher
// (saferwall/pe) has no equivalent, since a one-shot binary parser has
// no long-running operation worth exporting a rate for; a cache
// serializer embedded in a package-loading daemon does.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds every metric this package exports. A nil *Recorder is
// safe to call methods on (all methods no-op), so embedding code that
// never calls metrics.Global() pays no cost.
type Recorder struct {
	saveBackrefs   prometheus.Histogram
	saveEdgeGroups prometheus.Histogram
	loadBackrefs   prometheus.Histogram
	loadInvalid    prometheus.Histogram
	saves          prometheus.Counter
	loads          prometheus.Counter
}

var (
	global     *Recorder
	globalOnce sync.Once
)

// Global returns the process-wide recorder, registered against the
// default Prometheus registry on first use.
func Global() *Recorder {
	globalOnce.Do(func() {
		global = newRecorder(prometheus.DefaultRegisterer)
	})
	return global
}

func newRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		saveBackrefs: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "modcache",
			Subsystem: "save",
			Name:      "backref_count",
			Help:      "Number of distinct values registered in the backref table per save_incremental call.",
			Buckets:   prometheus.ExponentialBuckets(8, 4, 10),
		}),
		saveEdgeGroups: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "modcache",
			Subsystem: "save",
			Name:      "edge_group_count",
			Help:      "Number of internal callers with recorded external backedges per save_incremental call.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		loadBackrefs: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "modcache",
			Subsystem: "load",
			Name:      "backref_count",
			Help:      "Length of the read-side backref list per restore_incremental call.",
			Buckets:   prometheus.ExponentialBuckets(8, 4, 10),
		}),
		loadInvalid: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "modcache",
			Subsystem: "load",
			Name:      "invalidated_callers",
			Help:      "Number of callers whose code instances were invalidated per restore_incremental call.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		saves: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "modcache",
			Name:      "saves_total",
			Help:      "Total number of save_incremental calls.",
		}),
		loads: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "modcache",
			Name:      "loads_total",
			Help:      "Total number of restore_incremental / restore_incremental_from_buffer calls.",
		}),
	}
	return r
}

// ObserveSave records the outcome of one save_incremental call.
func (r *Recorder) ObserveSave(backrefCount uint32, edgeGroups int) {
	if r == nil {
		return
	}
	r.saves.Inc()
	r.saveBackrefs.Observe(float64(backrefCount))
	r.saveEdgeGroups.Observe(float64(edgeGroups))
}

// ObserveLoad records the outcome of one restore call.
func (r *Recorder) ObserveLoad(backrefCount uint32, invalidatedCallers int) {
	if r == nil {
		return
	}
	r.loads.Inc()
	r.loadBackrefs.Observe(float64(backrefCount))
	r.loadInvalid.Observe(float64(invalidatedCallers))
}

// Handler returns the standard Prometheus scrape handler, for embedding
// in `modcachetool serve`.
func Handler() http.Handler {
	return promhttp.Handler()
}
