package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures cold archiving of audit segments.
type S3Config struct {
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint,omitempty"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	SegmentAge      time.Duration `yaml:"segment_age"` // entries older than this rotate out
}

// DefaultS3Config returns the default archive configuration.
func DefaultS3Config() S3Config {
	return S3Config{
		Region:     "us-east-1",
		Bucket:     "chatguard-audit-archive",
		Prefix:     "audit/",
		SegmentAge: 7 * 24 * time.Hour,
	}
}

// Archiver rotates aged audit entries out of the hot KV trail into S3
// segments, one JSON object per rotation.
type Archiver struct {
	client *s3.Client
	config S3Config
	log    *Log
}

// NewArchiver builds an archiver for the given trail.
func NewArchiver(ctx context.Context, cfg S3Config, log *Log) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 archive: bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3 archive: failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return &Archiver{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		log:    log,
	}, nil
}

// Archive uploads all entries older than SegmentAge as one segment object.
// The trail is verified first: a broken chain is never archived. The hot
// copies remain in the KV store; pruning is the operator's call once the
// segment is durable.
func (a *Archiver) Archive(ctx context.Context) (string, error) {
	if err := a.log.Verify(ctx); err != nil {
		return "", fmt.Errorf("refusing to archive unverified trail: %w", err)
	}

	entries, err := a.log.Entries(ctx)
	if err != nil {
		return "", err
	}

	cutoff := time.Now().Add(-a.config.SegmentAge)
	var aged []*Entry
	for _, e := range entries {
		if e.Timestamp.Before(cutoff) {
			aged = append(aged, e)
		}
	}
	if len(aged) == 0 {
		return "", nil
	}

	payload, err := json.Marshal(aged)
	if err != nil {
		return "", fmt.Errorf("failed to marshal segment: %w", err)
	}

	key := fmt.Sprintf("%ssegment-%016d-%016d.json",
		a.config.Prefix, aged[0].Sequence, aged[len(aged)-1].Sequence)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(payload),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload segment: %w", err)
	}

	slog.Info("audit segment archived",
		"key", key, "entries", len(aged), "bytes", len(payload))
	return key, nil
}
