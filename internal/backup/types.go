package backup

import (
	"context"
	"time"

	"github.com/tinytelemetry/procscope/internal/search"
)

// Config controls periodic search store snapshots. KeepLast applies to
// each set of data sources separately.
type Config struct {
	Enabled   bool
	Interval  time.Duration
	LocalDir  string
	KeepLast  int
	BucketURL string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3SessionToken string
	S3UseSSL       bool
}

// Store is the part of the search store a snapshot needs.
type Store interface {
	DBPath() string
	Snapshot(ctx context.Context, dstPath string) (search.SnapshotInfo, error)
}

// Uploader ships one snapshot artifact under an object key.
type Uploader interface {
	Upload(ctx context.Context, localPath, key string) error
}
