// Package metrics exposes Prometheus counters for pool activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder counts pool events. A nil *Recorder is valid and records nothing.
type Recorder struct {
	adds        *prometheus.CounterVec
	bytesAdded  prometheus.Counter
	evictions   *prometheus.CounterVec
	recoveries  *prometheus.CounterVec
	collisions  prometheus.Counter
	invalid     prometheus.Counter
	sweepVisits *prometheus.CounterVec
}

// New creates a Recorder and registers its collectors with reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		adds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hashpool",
			Name:      "adds_total",
			Help:      "Content add operations, by outcome (new or duplicate).",
		}, []string{"outcome"}),
		bytesAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hashpool",
			Name:      "added_bytes_total",
			Help:      "Bytes written into the pool by new entries.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hashpool",
			Name:      "evictions_total",
			Help:      "Pool entries moved out of the pool, by outcome.",
		}, []string{"outcome"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hashpool",
			Name:      "recoveries_total",
			Help:      "Recovery attempts, by source (trash, legacy, provider, empty, none).",
		}, []string{"source"}),
		collisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hashpool",
			Name:      "collisions_total",
			Help:      "Digest collisions quarantined.",
		}),
		invalid: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hashpool",
			Name:      "invalid_entries_total",
			Help:      "Pool entries whose content failed validation.",
		}),
		sweepVisits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hashpool",
			Name:      "sweep_entries_total",
			Help:      "Entries visited by garbage collection sweeps, by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		r.adds, r.bytesAdded, r.evictions, r.recoveries, r.collisions, r.invalid, r.sweepVisits,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Added records an add. Size only counts toward bytes for new entries.
func (r *Recorder) Added(isNew bool, size int64) {
	if r == nil {
		return
	}
	if isNew {
		r.adds.WithLabelValues("new").Inc()
		r.bytesAdded.Add(float64(size))
		return
	}
	r.adds.WithLabelValues("duplicate").Inc()
}

// Evicted records an eviction. outcome is "trashed", "deduplicated" (a trash
// copy already existed), "discarded" (an observer can restore it) or "absent".
func (r *Recorder) Evicted(outcome string) {
	if r == nil {
		return
	}
	r.evictions.WithLabelValues(outcome).Inc()
}

// Recovered records where a recovery found content, or "none".
func (r *Recorder) Recovered(source string) {
	if r == nil {
		return
	}
	r.recoveries.WithLabelValues(source).Inc()
}

// Collision records a quarantined collision.
func (r *Recorder) Collision() {
	if r == nil {
		return
	}
	r.collisions.Inc()
}

// Invalid records a failed validation.
func (r *Recorder) Invalid() {
	if r == nil {
		return
	}
	r.invalid.Inc()
}

// Swept records one sweep visit.
func (r *Recorder) Swept(evicted bool) {
	if r == nil {
		return
	}
	if evicted {
		r.sweepVisits.WithLabelValues("evicted").Inc()
		return
	}
	r.sweepVisits.WithLabelValues("kept").Inc()
}
