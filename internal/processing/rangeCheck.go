package processing

import "fmt"

type RangePolicy string

const (
	RangeReject RangePolicy = "reject"
	RangeClamp  RangePolicy = "clamp"
)

type ImplausibleReadingError struct {
	Clicks int64
	Limit  int64
}

func (e *ImplausibleReadingError) Error() string {
	return fmt.Sprintf("[processing] implausible click reading %d (limit ±%d)", e.Clicks, e.Limit)
}

// RangeCheck bounds the clicks a single reading may contribute. The ClickStore
// applies it according to its CountMode. A zero MaxAbs disables the check.
type RangeCheck struct {
	MaxAbs int64
	Policy RangePolicy
}

func (r RangeCheck) Apply(clicks int64) (int64, error) {
	if r.MaxAbs <= 0 || (clicks <= r.MaxAbs && clicks >= -r.MaxAbs) {
		return clicks, nil
	}

	if r.Policy == RangeClamp {
		if clicks > 0 {
			return r.MaxAbs, nil
		}
		return -r.MaxAbs, nil
	}
	return 0, &ImplausibleReadingError{Clicks: clicks, Limit: r.MaxAbs}
}
