// RTOEstimator tracks a smoothed round-trip time and derives a
// retransmission timeout from it, the classic Jacobson/Karels EWMA (the
// same shape TCP uses), which the original engine's ping-based RTT
// smoothing approximates for RTMFP writers.
package writer

import "time"

const (
	alphaNum, alphaDen = 1, 8 // srtt smoothing weight
	betaNum, betaDen   = 1, 4 // rttvar smoothing weight

	minRTO = 200 * time.Millisecond
	maxRTO = 8 * time.Second
)

// RTOEstimator holds the smoothed RTT state for one writer's retransmission
// timer.
type RTOEstimator struct {
	srtt    time.Duration
	rttvar  time.Duration
	primed  bool
}

// NewRTOEstimator returns an estimator seeded to minRTO until the first
// sample arrives.
func NewRTOEstimator() *RTOEstimator {
	return &RTOEstimator{srtt: minRTO, rttvar: minRTO / 2}
}

// Update folds in one new RTT sample (e.g. from a 0x18/0x19 ping round trip
// or an ACK's implied latency).
func (r *RTOEstimator) Update(sample time.Duration) {
	if sample <= 0 {
		return
	}
	if !r.primed {
		r.srtt = sample
		r.rttvar = sample / 2
		r.primed = true
		return
	}
	delta := sample - r.srtt
	if delta < 0 {
		delta = -delta
	}
	r.rttvar += (delta - r.rttvar) * betaNum / betaDen
	r.srtt += (sample - r.srtt) * alphaNum / alphaDen
}

// RTO returns the current retransmission timeout, clamped to
// [minRTO, maxRTO].
func (r *RTOEstimator) RTO() time.Duration {
	rto := r.srtt + 4*r.rttvar
	if rto < minRTO {
		return minRTO
	}
	if rto > maxRTO {
		return maxRTO
	}
	return rto
}
