// Package perfstats is a single place where we record how long our hot
// operations take, so that it's easy to compare different solutions and
// the performance of different hardware.
package perfstats

import (
	"sync/atomic"
	"time"
)

// UpdateMovingAverage folds a new sample into an exponential moving average.
// We don't bother about strict correctness here, with CompareAndSwap,
// because this is just sampled stats, and it's OK to miss one or two samples.
func UpdateMovingAverage(stat *atomic.Int64, sample int64) {
	if stat.Load() == 0 {
		stat.Store(sample)
	} else {
		stat.Store((stat.Load()*63 + sample) >> 6)
	}
}

// TimeAccumulator accumulates samples of how long something took.
type TimeAccumulator struct {
	Samples int64
	Total   time.Duration
}

func (a *TimeAccumulator) Reset() {
	a.Samples = 0
	a.Total = 0
}

func (a *TimeAccumulator) AddSample(v time.Duration) {
	a.Samples++
	a.Total += v
}

func (a *TimeAccumulator) Average() time.Duration {
	if a.Samples == 0 {
		return 0
	}
	return time.Duration(a.Total.Nanoseconds() / a.Samples)
}
