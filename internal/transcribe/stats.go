package transcribe

import (
	"math"
	"slices"
	"time"
)

// defaultWindow is the number of latency samples kept for percentiles.
const defaultWindow = 100

// stats accumulates transcription counters and a bounded latency window.
// Callers hold Transcriber.mu.
type stats struct {
	requests int64
	failures int64
	noise    int64

	last      time.Duration
	total     time.Duration
	audio     time.Duration
	latencies latencyBuffer
}

func newStats(window int) stats {
	if window <= 0 {
		window = defaultWindow
	}
	return stats{latencies: newLatencyBuffer(window)}
}

func (s *stats) observe(elapsed, audio time.Duration) {
	s.requests++
	s.last = elapsed
	s.total += elapsed
	s.audio += audio
	s.latencies.add(elapsed)
}

func (s *stats) snapshot() map[string]float64 {
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	out := map[string]float64{
		"requests":        float64(s.requests),
		"failures":        float64(s.failures),
		"noise":           float64(s.noise),
		"latency_last_ms": ms(s.last),
		"latency_p50_ms":  ms(s.latencies.percentile(0.50)),
		"latency_p95_ms":  ms(s.latencies.percentile(0.95)),
	}
	if s.requests > 0 {
		out["latency_avg_ms"] = ms(s.total / time.Duration(s.requests))
	} else {
		out["latency_avg_ms"] = 0
	}
	if s.audio > 0 {
		out["real_time_factor"] = float64(s.total) / float64(s.audio)
	} else {
		out["real_time_factor"] = 0
	}
	return out
}

// latencyBuffer is a bounded ring buffer of duration samples.
type latencyBuffer struct {
	data []time.Duration
	pos  int
	full bool
}

func newLatencyBuffer(size int) latencyBuffer {
	return latencyBuffer{data: make([]time.Duration, size)}
}

func (lb *latencyBuffer) add(d time.Duration) {
	lb.data[lb.pos] = d
	lb.pos++
	if lb.pos == len(lb.data) {
		lb.pos = 0
		lb.full = true
	}
}

// percentile returns the nearest-rank percentile p (0.0-1.0) of the samples.
func (lb *latencyBuffer) percentile(p float64) time.Duration {
	n := lb.pos
	if lb.full {
		n = len(lb.data)
	}
	if n == 0 {
		return 0
	}
	sorted := slices.Clone(lb.data[:n])
	slices.Sort(sorted)
	idx := int(math.Ceil(p*float64(n))) - 1
	return sorted[min(max(idx, 0), n-1)]
}
