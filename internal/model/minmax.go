package model

import "math"

// MinMaxStat holds the bounds of a numeric or date field. An unset bound is
// infinite: +Inf for Min, -Inf for Max.
type MinMaxStat struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// EmptyMinMax returns the stat of a dataset without values.
func EmptyMinMax() MinMaxStat {
	return MinMaxStat{Min: math.Inf(1), Max: math.Inf(-1)}
}

func finite(v float64) bool { return !math.IsInf(v, 0) && !math.IsNaN(v) }

func (s MinMaxStat) IsMinValid() bool { return finite(s.Min) }

func (s MinMaxStat) IsMaxValid() bool { return finite(s.Max) }

// IsEmpty reports whether neither bound is finite.
func (s MinMaxStat) IsEmpty() bool { return !s.IsMinValid() && !s.IsMaxValid() }

// IsValidRange reports whether both bounds are finite and distinct.
func (s MinMaxStat) IsValidRange() bool {
	return s.IsMinValid() && s.IsMaxValid() && s.Min != s.Max
}

// Range is Max-Min, or 0 when the range is not valid.
func (s MinMaxStat) Range() float64 {
	if !s.IsValidRange() {
		return 0
	}
	return s.Max - s.Min
}

// Union widens s to include o.
func (s MinMaxStat) Union(o MinMaxStat) MinMaxStat {
	out := s
	if o.IsMinValid() && (!out.IsMinValid() || o.Min < out.Min) {
		out.Min = o.Min
	}
	if o.IsMaxValid() && (!out.IsMaxValid() || o.Max > out.Max) {
		out.Max = o.Max
	}
	return out
}

// ToLong maps an aggregation value to its reported integer: NaN and
// infinities become 0, everything else rounds half up.
func ToLong(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Floor(v + 0.5))
}
