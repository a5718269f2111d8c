package security

import "time"

type Limits struct {
	MinInterval    time.Duration
	MaxInterval    time.Duration
	PersistTimeout time.Duration
	MaxQueryRange  time.Duration
	MaxResultSize  int
}

func DefaultLimits() Limits {
	return Limits{
		MinInterval:    time.Second,
		MaxInterval:    24 * time.Hour,
		PersistTimeout: 5 * time.Second,
		MaxQueryRange:  31 * 24 * time.Hour,
		MaxResultSize:  50000,
	}
}

// AllowsInterval reports whether a monitoring interval is inside the configured bounds.
// Zero bounds are treated as unset.
func (l Limits) AllowsInterval(interval time.Duration) bool {
	if interval <= 0 {
		return false
	}
	if l.MinInterval > 0 && interval < l.MinInterval {
		return false
	}
	if l.MaxInterval > 0 && interval > l.MaxInterval {
		return false
	}
	return true
}
