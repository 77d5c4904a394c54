package aggregate

import "github.com/influxdata/tdigest"

const digestCompression = 100

// latencyDigest wraps a t-digest with the exact bounds and count needed to
// merge estimates across sub-buckets.
type latencyDigest struct {
	td    *tdigest.TDigest
	count int64
	sum   float64
	min   float64
	max   float64
}

func newLatencyDigest() *latencyDigest {
	return &latencyDigest{td: tdigest.NewWithCompression(digestCompression)}
}

func (d *latencyDigest) add(value float64) {
	d.td.Add(value, 1)
	if d.count == 0 || value < d.min {
		d.min = value
	}
	if d.count == 0 || value > d.max {
		d.max = value
	}
	d.count++
	d.sum += value
}

func (d *latencyDigest) quantile(q float64) float64 {
	if d.count == 0 {
		return 0
	}
	return d.td.Quantile(q)
}

// mergedQuantile estimates the q-th quantile of the union of several
// digests. Each digest only exposes its own CDF, so the merged value is
// found by bisecting x until the weighted sum of the per-digest CDFs
// reaches q. Exact per-digest bounds keep the search interval tight.
func mergedQuantile(digests []*latencyDigest, q float64) float64 {
	var total int64
	lo, hi := 0.0, 0.0
	first := true
	for _, d := range digests {
		if d == nil || d.count == 0 {
			continue
		}
		total += d.count
		if first || d.min < lo {
			lo = d.min
		}
		if first || d.max > hi {
			hi = d.max
		}
		first = false
	}
	if total == 0 {
		return 0
	}
	if q <= 0 {
		return lo
	}
	if q >= 1 {
		return hi
	}

	rank := func(x float64) float64 {
		var sum float64
		for _, d := range digests {
			if d == nil || d.count == 0 {
				continue
			}
			sum += d.td.CDF(x) * float64(d.count)
		}
		return sum / float64(total)
	}

	for i := 0; i < 48 && hi-lo > 1e-9*(1+hi); i++ {
		mid := (lo + hi) / 2
		if rank(mid) < q {
			lo = mid
		} else {
			hi = mid
		}
	}
	return (lo + hi) / 2
}
