package janitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"adsync-scheduler/internal/models"
)

// Archiver keeps a copy of job records before the janitor forgets them.
type Archiver interface {
	// Archive stores jobs of one terminal state and returns where they went.
	Archive(ctx context.Context, state models.JobState, jobs []models.SyncJob) (string, error)
}

func archiveKey(state models.JobState, now time.Time) string {
	now = now.UTC()
	return path.Join("sync-jobs", string(state), now.Format("2006-01-02"), fmt.Sprintf("%d.jsonl", now.UnixMilli()))
}

// encodeJobs renders one JSON document per line.
func encodeJobs(jobs []models.SyncJob) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, job := range jobs {
		if err := enc.Encode(job); err != nil {
			return nil, fmt.Errorf("encode job %s: %w", job.ID, err)
		}
	}
	return buf.Bytes(), nil
}

// DirArchiver writes archives below a local directory.
type DirArchiver struct {
	dir string
	now func() time.Time
}

func NewDirArchiver(dir string) *DirArchiver {
	return &DirArchiver{dir: dir, now: time.Now}
}

func (a *DirArchiver) WithClock(now func() time.Time) *DirArchiver {
	a.now = now
	return a
}

func (a *DirArchiver) Archive(_ context.Context, state models.JobState, jobs []models.SyncJob) (string, error) {
	body, err := encodeJobs(jobs)
	if err != nil {
		return "", err
	}
	p := filepath.Join(a.dir, filepath.FromSlash(archiveKey(state, a.now())))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(p, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return p, nil
}

// S3Config locates the archive bucket. Endpoint and PathStyle target S3-compatible stores.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
}

// NewS3Client loads the default AWS credential chain for cfg.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	}), nil
}

// S3Archiver uploads archives as objects.
type S3Archiver struct {
	client *s3.Client
	bucket string
	now    func() time.Time
}

func NewS3Archiver(client *s3.Client, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, now: time.Now}
}

func (a *S3Archiver) WithClock(now func() time.Time) *S3Archiver {
	a.now = now
	return a
}

func (a *S3Archiver) Archive(ctx context.Context, state models.JobState, jobs []models.SyncJob) (string, error) {
	body, err := encodeJobs(jobs)
	if err != nil {
		return "", err
	}
	key := archiveKey(state, a.now())
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", a.bucket, key), nil
}

var (
	_ Archiver = (*DirArchiver)(nil)
	_ Archiver = (*S3Archiver)(nil)
)
