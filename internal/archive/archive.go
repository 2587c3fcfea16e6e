// Package archive stores the JSON report of every pipeline run on local disk or S3.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"outreach-orchestrator/internal/config"
)

// Report is the document written for one PipelineRun.
type Report struct {
	RunID      string         `json:"run_id"`
	TenantID   string         `json:"tenant_id"`
	Pipeline   string         `json:"pipeline"`
	DryRun     bool           `json:"dry_run"`
	WorkerID   string         `json:"worker_id"`
	Status     string         `json:"status"`
	Stats      map[string]any `json:"stats"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Key is the object path of a report: tenant/date/run.json.
func (r Report) Key() string {
	return sanitizeKey(fmt.Sprintf("%s/%s/%s.json", r.TenantID, r.StartedAt.UTC().Format("2006-01-02"), r.RunID))
}

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Archive writes reports through the configured uploader.
type Archive struct {
	up uploader
}

// New picks S3 when REPORT_S3_BUCKET is set and the local report directory otherwise.
func New(ctx context.Context, cfg config.Config) (*Archive, error) {
	if cfg.ReportS3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &Archive{up: &s3Uploader{client: client, bucket: cfg.ReportS3Bucket}}, nil
	}
	return NewLocal(cfg.ReportDir), nil
}

// NewLocal writes under dir.
func NewLocal(dir string) *Archive {
	if dir == "" {
		dir = "./reports"
	}
	return &Archive{up: &localUploader{baseDir: dir}}
}

// Save writes r and returns where it went.
func (a *Archive) Save(ctx context.Context, r Report) (string, error) {
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode report: %w", err)
	}
	loc, err := a.up.Upload(ctx, r.Key(), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	return loc, nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.ReportS3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.ReportS3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.ReportS3Endpoint)
		}
		o.UsePathStyle = cfg.ReportS3PathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	key = strings.TrimPrefix(key, "./")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
