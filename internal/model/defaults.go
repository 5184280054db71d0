package model

import "time"

// Shared defaults used by the service and the report CLI.
const (
	DefaultIndexPrefix          = "procscope"
	DefaultPageSize             = 1000
	DefaultImportInterval       = 5 * time.Second
	DefaultBackoffMin           = time.Second
	DefaultBackoffMax           = 30 * time.Second
	DefaultQueryTimeout         = 30 * time.Second
	DefaultMaxConcurrentQueries = 8
	DefaultTimezone             = "UTC"
	DefaultRawDataLimit         = 20

	// AutomaticBucketCount is the number of histogram buckets used when no
	// custom bucket size is configured.
	AutomaticBucketCount = 80
	// MaxDateBuckets bounds the number of buckets a date histogram may produce.
	MaxDateBuckets = 1000

	// MissingKey labels the bucket of documents without a value for a
	// terms dimension.
	MissingKey = "missing"
)
