package backup

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path"
	"strings"
)

// S3Config holds the bucket and static credentials for snapshot uploads.
type S3Config struct {
	BucketURL    string
	Endpoint     string
	Region       string
	AccessKey    string
	SecretKey    string
	SessionToken string
	UseSSL       bool
}

// S3Uploader copies snapshot artifacts with the AWS CLI. Objects land
// under <prefix>/<data-source label>/ so each data-source set has its own
// listing.
type S3Uploader struct {
	bucket string
	prefix string
	cfg    S3Config
}

// NewS3Uploader parses cfg.BucketURL (s3://bucket[/prefix]) and checks that
// credentials and the aws binary are available.
func NewS3Uploader(cfg S3Config) (*S3Uploader, error) {
	bucket, prefix, err := parseBucketURL(cfg.BucketURL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, fmt.Errorf("s3: access key and secret key are required")
	}
	if _, err := exec.LookPath("aws"); err != nil {
		return nil, fmt.Errorf("s3: aws cli not found in PATH")
	}
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	return &S3Uploader{bucket: bucket, prefix: prefix, cfg: cfg}, nil
}

// Upload copies localPath to the object key below the configured prefix.
func (u *S3Uploader) Upload(ctx context.Context, localPath, key string) error {
	cmd := exec.CommandContext(ctx, "aws", u.copyArgs(localPath, key)...)
	cmd.Env = append(os.Environ(), u.env()...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("s3: copy %s: %w: %s", key, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (u *S3Uploader) objectURL(key string) string {
	return "s3://" + u.bucket + "/" + path.Join(u.prefix, key)
}

func (u *S3Uploader) copyArgs(localPath, key string) []string {
	args := []string{"s3", "cp", localPath, u.objectURL(key), "--region", u.cfg.Region, "--only-show-errors"}
	if strings.HasSuffix(key, manifestSuffix) {
		args = append(args, "--content-type", "application/json")
	}
	if ep := endpointURL(u.cfg.Endpoint, u.cfg.UseSSL); ep != "" {
		args = append(args, "--endpoint-url", ep)
	}
	return args
}

func (u *S3Uploader) env() []string {
	env := []string{
		"AWS_ACCESS_KEY_ID=" + u.cfg.AccessKey,
		"AWS_SECRET_ACCESS_KEY=" + u.cfg.SecretKey,
		"AWS_DEFAULT_REGION=" + u.cfg.Region,
	}
	if strings.TrimSpace(u.cfg.SessionToken) != "" {
		env = append(env, "AWS_SESSION_TOKEN="+u.cfg.SessionToken)
	}
	return env
}

// endpointURL adds a scheme to a bare host:port endpoint.
func endpointURL(endpoint string, useSSL bool) string {
	endpoint = strings.TrimSpace(endpoint)
	switch {
	case endpoint == "":
		return ""
	case strings.Contains(endpoint, "://"):
		return endpoint
	case useSSL:
		return "https://" + endpoint
	default:
		return "http://" + endpoint
	}
}

func parseBucketURL(raw string) (bucket, prefix string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("s3: parse bucket-url: %w", err)
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("s3: bucket-url must use s3:// scheme")
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("s3: bucket-url missing bucket name")
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}
