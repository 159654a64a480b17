package submit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

type objectWriterFunc func(ctx context.Context, object string, meta map[string]string) io.WriteCloser

// GCSSubmitter drops the job as "<prefix>/<job id>.json" into a Cloud
// Storage bucket.
type GCSSubmitter struct {
	newWriter objectWriterFunc
	closer    io.Closer
	bucket    string
	prefix    string
	timeout   time.Duration
}

// NewGCSSubmitter uses the credentials file when given, Application Default
// Credentials otherwise.
func NewGCSSubmitter(ctx context.Context, bucket, prefix, credentialsFile string, timeout time.Duration) (*GCSSubmitter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("gcs: bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	bkt := client.Bucket(bucket)
	s := newGCSSubmitter(func(ctx context.Context, object string, meta map[string]string) io.WriteCloser {
		w := bkt.Object(object).NewWriter(ctx)
		w.ContentType = "application/json"
		w.Metadata = meta
		return w
	}, bucket, prefix, timeout)
	s.closer = client
	return s, nil
}

func newGCSSubmitter(fn objectWriterFunc, bucket, prefix string, timeout time.Duration) *GCSSubmitter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &GCSSubmitter{newWriter: fn, bucket: bucket, prefix: prefix, timeout: timeout}
}

func (s *GCSSubmitter) ObjectName(job *Job) string {
	return path.Join(s.prefix, job.ID+".json")
}

func (s *GCSSubmitter) Submit(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return Permanent(fmt.Errorf("marshal job: %w", err))
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	name := s.ObjectName(job)
	w := s.newWriter(cctx, name, map[string]string{"folder": job.Folder, "file_name": job.FileName})
	if _, err := w.Write(b); err != nil {
		_ = w.Close()
		return classifyTransport(fmt.Errorf("write gs://%s/%s: %w", s.bucket, name, err))
	}
	// The object only exists once Close succeeds.
	if err := w.Close(); err != nil {
		return classifyTransport(fmt.Errorf("close gs://%s/%s: %w", s.bucket, name, err))
	}
	return nil
}

func (s *GCSSubmitter) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
