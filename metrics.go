package ummapio

import (
	"sync/atomic"
	"time"

	"github.com/hupe1980/ummapio/mapping"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    faultCounter  *prometheus.CounterVec
//	    flushDuration prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordFault(write, loaded bool, d time.Duration) {
//	    p.faultCounter.WithLabelValues(strconv.FormatBool(write)).Inc()
//	}
type MetricsCollector interface {
	// RecordFault is called after each resolved or failed fault. loaded
	// tells whether the segment had to be brought in.
	RecordFault(write, loaded bool, d time.Duration)

	// RecordEviction is called after each eviction attempt.
	RecordEviction(dirty bool, err error)

	// RecordFlush is called after each flush with the number of segments
	// written back, the number of driver writes and the bytes moved.
	RecordFlush(segments, writes int, bytes int64, d time.Duration, err error)

	// RecordQuotaUpdate is called after each rebalance run through the handler.
	RecordQuotaUpdate(d time.Duration, err error)

	// RecordCow is called after each copy-on-write.
	RecordCow(d time.Duration, err error)

	// RecordSwitch is called after each driver switch.
	RecordSwitch(d time.Duration, err error)
}

var _ mapping.Metrics = MetricsCollector(nil)

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordFault(bool, bool, time.Duration)             {}
func (NoopMetricsCollector) RecordEviction(bool, error)                        {}
func (NoopMetricsCollector) RecordFlush(int, int, int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordQuotaUpdate(time.Duration, error)            {}
func (NoopMetricsCollector) RecordCow(time.Duration, error)                    {}
func (NoopMetricsCollector) RecordSwitch(time.Duration, error)                 {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	ReadFaults      atomic.Int64
	WriteFaults     atomic.Int64
	Loads           atomic.Int64
	FaultTotalNanos atomic.Int64
	Evictions       atomic.Int64
	DirtyEvictions  atomic.Int64
	EvictionErrors  atomic.Int64
	FlushCount      atomic.Int64
	FlushErrors     atomic.Int64
	FlushSegments   atomic.Int64
	FlushWrites     atomic.Int64
	FlushBytes      atomic.Int64
	QuotaUpdates    atomic.Int64
	QuotaErrors     atomic.Int64
	CowCount        atomic.Int64
	CowErrors       atomic.Int64
	SwitchCount     atomic.Int64
	SwitchErrors    atomic.Int64
}

// RecordFault implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFault(write, loaded bool, d time.Duration) {
	if write {
		b.WriteFaults.Add(1)
	} else {
		b.ReadFaults.Add(1)
	}
	if loaded {
		b.Loads.Add(1)
	}
	b.FaultTotalNanos.Add(d.Nanoseconds())
}

// RecordEviction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordEviction(dirty bool, err error) {
	if err != nil {
		b.EvictionErrors.Add(1)
		return
	}
	b.Evictions.Add(1)
	if dirty {
		b.DirtyEvictions.Add(1)
	}
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(segments, writes int, bytes int64, _ time.Duration, err error) {
	b.FlushCount.Add(1)
	b.FlushSegments.Add(int64(segments))
	b.FlushWrites.Add(int64(writes))
	b.FlushBytes.Add(bytes)
	if err != nil {
		b.FlushErrors.Add(1)
	}
}

// RecordQuotaUpdate implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuotaUpdate(_ time.Duration, err error) {
	b.QuotaUpdates.Add(1)
	if err != nil {
		b.QuotaErrors.Add(1)
	}
}

// RecordCow implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCow(_ time.Duration, err error) {
	b.CowCount.Add(1)
	if err != nil {
		b.CowErrors.Add(1)
	}
}

// RecordSwitch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSwitch(_ time.Duration, err error) {
	b.SwitchCount.Add(1)
	if err != nil {
		b.SwitchErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		ReadFaults:     b.ReadFaults.Load(),
		WriteFaults:    b.WriteFaults.Load(),
		Loads:          b.Loads.Load(),
		FaultAvgNanos:  b.getAvgFaultNanos(),
		Evictions:      b.Evictions.Load(),
		DirtyEvictions: b.DirtyEvictions.Load(),
		EvictionErrors: b.EvictionErrors.Load(),
		FlushCount:     b.FlushCount.Load(),
		FlushErrors:    b.FlushErrors.Load(),
		FlushSegments:  b.FlushSegments.Load(),
		FlushWrites:    b.FlushWrites.Load(),
		FlushBytes:     b.FlushBytes.Load(),
		QuotaUpdates:   b.QuotaUpdates.Load(),
		QuotaErrors:    b.QuotaErrors.Load(),
		CowCount:       b.CowCount.Load(),
		CowErrors:      b.CowErrors.Load(),
		SwitchCount:    b.SwitchCount.Load(),
		SwitchErrors:   b.SwitchErrors.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgFaultNanos() int64 {
	count := b.ReadFaults.Load() + b.WriteFaults.Load()
	if count == 0 {
		return 0
	}
	return b.FaultTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	ReadFaults     int64
	WriteFaults    int64
	Loads          int64
	FaultAvgNanos  int64
	Evictions      int64
	DirtyEvictions int64
	EvictionErrors int64
	FlushCount     int64
	FlushErrors    int64
	FlushSegments  int64
	FlushWrites    int64
	FlushBytes     int64
	QuotaUpdates   int64
	QuotaErrors    int64
	CowCount       int64
	CowErrors      int64
	SwitchCount    int64
	SwitchErrors   int64
}
