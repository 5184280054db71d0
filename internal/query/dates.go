package query

import (
	"fmt"
	"time"

	"github.com/tinytelemetry/procscope/internal/model"
)

// KeyLayout formats date bucket keys in the report timezone.
const KeyLayout = "2006-01-02T15:04:05.000-0700"

// autoUnits are tried in order by automatic date histograms.
var autoUnits = []model.DateUnit{
	model.UnitMinute, model.UnitHour, model.UnitDay, model.UnitWeek, model.UnitMonth, model.UnitYear,
}

func validUnit(u model.DateUnit) bool {
	switch u {
	case model.UnitYear, model.UnitMonth, model.UnitWeek, model.UnitDay, model.UnitHour, model.UnitMinute:
		return true
	}
	return false
}

// truncate returns the start of the calendar unit containing t in loc.
// Weeks start on Monday.
func truncate(t time.Time, unit model.DateUnit, loc *time.Location) time.Time {
	t = t.In(loc)
	y, m, d := t.Date()
	switch unit {
	case model.UnitYear:
		return time.Date(y, 1, 1, 0, 0, 0, 0, loc)
	case model.UnitMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, loc)
	case model.UnitWeek:
		day := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return day.AddDate(0, 0, -((int(day.Weekday()) + 6) % 7))
	case model.UnitDay:
		return time.Date(y, m, d, 0, 0, 0, 0, loc)
	case model.UnitHour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, loc)
	default:
		return time.Date(y, m, d, t.Hour(), t.Minute(), 0, 0, loc)
	}
}

// addUnits moves t by n calendar units.
func addUnits(t time.Time, unit model.DateUnit, n int) time.Time {
	switch unit {
	case model.UnitYear:
		return t.AddDate(n, 0, 0)
	case model.UnitMonth:
		return t.AddDate(0, n, 0)
	case model.UnitWeek:
		return t.AddDate(0, 0, 7*n)
	case model.UnitDay:
		return t.AddDate(0, 0, n)
	case model.UnitHour:
		return t.Add(time.Duration(n) * time.Hour)
	default:
		return t.Add(time.Duration(n) * time.Minute)
	}
}

// dateRange is a half-open range of epoch milliseconds. A nil bound is open.
type dateRange struct {
	lo, hi *int64
}

func bound(t time.Time) *int64 {
	ms := t.UnixMilli()
	return &ms
}

// resolveDateFilter normalizes a date filter to epoch millisecond bounds.
func resolveDateFilter(f *model.DateFilter, loc *time.Location, now time.Time) (dateRange, error) {
	if f == nil {
		return dateRange{}, fmt.Errorf("%w: date filter without range", model.ErrInvalidReport)
	}
	switch f.Kind {
	case model.DateFixed, "":
		var r dateRange
		if f.Start != "" {
			t, err := f.Start.Resolve(loc, false)
			if err != nil {
				return r, fmt.Errorf("%w: start: %v", model.ErrInvalidReport, err)
			}
			r.lo = bound(t)
		}
		if f.End != "" {
			t, err := f.End.Resolve(loc, true)
			if err != nil {
				return r, fmt.Errorf("%w: end: %v", model.ErrInvalidReport, err)
			}
			r.hi = bound(t.Add(time.Millisecond))
		}
		if r.lo == nil && r.hi == nil {
			return r, fmt.Errorf("%w: fixed date filter without start or end", model.ErrInvalidReport)
		}
		if r.lo != nil && r.hi != nil && *r.hi <= *r.lo {
			return r, fmt.Errorf("%w: date filter ends before it starts", model.ErrInvalidReport)
		}
		return r, nil
	case model.DateRelative, model.DateRolling:
		if !validUnit(f.Unit) {
			return dateRange{}, fmt.Errorf("%w: date filter unit %q", model.ErrInvalidReport, f.Unit)
		}
		if f.Value < 0 {
			return dateRange{}, fmt.Errorf("%w: negative date filter value", model.ErrInvalidReport)
		}
		n := int(f.Value)
		if f.Kind == model.DateRolling {
			return dateRange{lo: bound(addUnits(now, f.Unit, -n)), hi: bound(now.Add(time.Millisecond))}, nil
		}
		current := truncate(now, f.Unit, loc)
		if n == 0 {
			return dateRange{lo: bound(current), hi: bound(addUnits(current, f.Unit, 1))}, nil
		}
		return dateRange{lo: bound(addUnits(current, f.Unit, -n)), hi: bound(current)}, nil
	default:
		return dateRange{}, fmt.Errorf("%w: date filter type %q", model.ErrInvalidReport, f.Kind)
	}
}

// intersect narrows r by o.
func (r dateRange) intersect(o dateRange) dateRange {
	out := r
	if o.lo != nil && (out.lo == nil || *o.lo > *out.lo) {
		out.lo = o.lo
	}
	if o.hi != nil && (out.hi == nil || *o.hi < *out.hi) {
		out.hi = o.hi
	}
	return out
}

// countBuckets counts the unit buckets covering [lo, hi], giving up once
// the count exceeds limit.
func countBuckets(lo, hi time.Time, unit model.DateUnit, loc *time.Location, limit int) int {
	n := 0
	for t := truncate(lo, unit, loc); !t.After(hi); t = addUnits(t, unit, 1) {
		n++
		if n > limit {
			break
		}
	}
	return n
}

// chooseUnit picks the finest unit that covers the range in at most
// model.AutomaticBucketCount buckets.
func chooseUnit(lo, hi time.Time, loc *time.Location) model.DateUnit {
	for _, u := range autoUnits {
		if countBuckets(lo, hi, u, loc, model.AutomaticBucketCount) <= model.AutomaticBucketCount {
			return u
		}
	}
	return model.UnitYear
}

// dateBuckets splits the inclusive millisecond range [minMs, maxMs] into
// calendar buckets.
func dateBuckets(minMs, maxMs int64, unit model.DateUnit, loc *time.Location) ([]Bucket, error) {
	lo, hi := time.UnixMilli(minMs).In(loc), time.UnixMilli(maxMs).In(loc)
	if unit == model.UnitAutomatic || unit == "" {
		unit = chooseUnit(lo, hi, loc)
	}
	if !validUnit(unit) {
		return nil, fmt.Errorf("%w: date unit %q", model.ErrInvalidReport, unit)
	}
	if n := countBuckets(lo, hi, unit, loc, model.MaxDateBuckets); n > model.MaxDateBuckets {
		return nil, fmt.Errorf("%w: %s buckets between %s and %s exceed %d", model.ErrTooManyBuckets,
			unit, lo.Format(KeyLayout), hi.Format(KeyLayout), model.MaxDateBuckets)
	}
	var out []Bucket
	for t := truncate(lo, unit, loc); !t.After(hi); {
		next := addUnits(t, unit, 1)
		key := t.Format(KeyLayout)
		out = append(out, Bucket{
			Key: key, Label: key,
			Lo: float64(t.UnixMilli()), Hi: float64(next.UnixMilli()),
		})
		t = next
	}
	return out, nil
}
