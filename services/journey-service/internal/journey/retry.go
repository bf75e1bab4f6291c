package journey

import "time"

// RetryPolicy spaces MAKE_CALL retries while the DID pool is exhausted: Base doubled per
// attempt and capped at Max. Attempts are unbounded; every AlertEvery attempts the executor
// logs a warning so operators notice a starved pool.
type RetryPolicy struct {
	Base       time.Duration
	Max        time.Duration
	AlertEvery int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: 30 * time.Second, Max: 10 * time.Minute, AlertEvery: 20}
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if p.Base <= 0 {
		p.Base = 30 * time.Second
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	return d
}

func (p RetryPolicy) shouldAlert(attempt int) bool {
	return p.AlertEvery > 0 && attempt%p.AlertEvery == 0
}
