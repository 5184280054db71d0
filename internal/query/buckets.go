package query

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/tinytelemetry/procscope/internal/model"
	"github.com/tinytelemetry/procscope/internal/search"
)

// Bucket is one histogram bucket covering [Lo, Hi).
type Bucket struct {
	Key   string
	Label string
	Lo    float64
	Hi    float64
}

// numberBuckets splits [stat.Min, stat.Max] into histogram buckets. The
// maximum is clamped into the last bucket.
func numberBuckets(stat model.MinMaxStat, custom model.CustomBucket) ([]Bucket, error) {
	if !stat.IsMinValid() || !stat.IsMaxValid() {
		return nil, nil
	}
	base, size, n := stat.Min, 0.0, 1
	switch {
	case custom.Active:
		if custom.BucketSize <= 0 {
			return nil, fmt.Errorf("%w: bucket size must be positive", model.ErrInvalidReport)
		}
		base, size = custom.BaseLine, custom.BucketSize
		if stat.Max < base {
			return nil, nil
		}
		count := math.Floor((stat.Max-base)/size) + 1
		if count > model.MaxDateBuckets {
			return nil, fmt.Errorf("%w: %v buckets of size %v exceed %d", model.ErrTooManyBuckets,
				count, size, model.MaxDateBuckets)
		}
		n = int(count)
	case stat.IsValidRange():
		size = stat.Range() / model.AutomaticBucketCount
		n = model.AutomaticBucketCount
	}

	out := make([]Bucket, n)
	for i := range out {
		lo := base + float64(i)*size
		hi := lo + size
		if !custom.Active && i == n-1 {
			hi = stat.Max
		}
		key := strconv.FormatFloat(lo, 'f', -1, 64)
		out[i] = Bucket{Key: key, Label: key, Lo: lo, Hi: hi}
	}
	return out, nil
}

// numberCase maps expr to the index of its bucket as text. Values below the
// first bucket yield NULL; missing, when set, labels rows without a value.
func numberCase(d search.Dialect, expr string, buckets []Bucket, missing bool) string {
	var b strings.Builder
	b.WriteString("CASE")
	if missing {
		fmt.Fprintf(&b, " WHEN %s IS NULL THEN '%s'", expr, model.MissingKey)
	}
	first, last := buckets[0], buckets[len(buckets)-1]
	fmt.Fprintf(&b, " WHEN %s < %s THEN NULL", expr, search.FloatLiteral(first.Lo))
	if len(buckets) == 1 {
		fmt.Fprintf(&b, " WHEN %s IS NOT NULL THEN '0' END", expr)
		return b.String()
	}
	size := buckets[1].Lo - first.Lo
	fmt.Fprintf(&b, " WHEN %s >= %s THEN '%d'", expr, search.FloatLiteral(last.Lo), len(buckets)-1)
	fmt.Fprintf(&b, " ELSE CAST(%s AS VARCHAR) END", d.BucketIndex(expr, first.Lo, size))
	return b.String()
}

// dateCase maps expr to the index of its date bucket as text.
func dateCase(expr string, buckets []Bucket, missing bool) string {
	var b strings.Builder
	b.WriteString("CASE")
	if missing {
		fmt.Fprintf(&b, " WHEN %s IS NULL THEN '%s'", expr, model.MissingKey)
	}
	fmt.Fprintf(&b, " WHEN %s < %d THEN NULL", expr, int64(buckets[0].Lo))
	for i, bk := range buckets {
		fmt.Fprintf(&b, " WHEN %s < %d THEN '%d'", expr, int64(bk.Hi), i)
	}
	b.WriteString(" END")
	return b.String()
}
