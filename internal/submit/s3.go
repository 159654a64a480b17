package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Submitter drops the job as "<prefix>/<job id>.json" into a bucket that
// the downstream system watches.
type S3Submitter struct {
	client  putObjectAPI
	bucket  string
	prefix  string
	timeout time.Duration
}

// NewS3Submitter loads the default AWS configuration. A non-empty endpoint
// selects an S3-compatible store with path-style addressing.
func NewS3Submitter(ctx context.Context, bucket, prefix, region, endpoint string, timeout time.Duration) (*S3Submitter, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return newS3Submitter(client, bucket, prefix, timeout), nil
}

func newS3Submitter(client putObjectAPI, bucket, prefix string, timeout time.Duration) *S3Submitter {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &S3Submitter{client: client, bucket: bucket, prefix: prefix, timeout: timeout}
}

func (s *S3Submitter) Key(job *Job) string {
	return path.Join(s.prefix, job.ID+".json")
}

func (s *S3Submitter) Submit(ctx context.Context, job *Job) error {
	b, err := json.Marshal(job)
	if err != nil {
		return Permanent(fmt.Errorf("marshal job: %w", err))
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err = s.client.PutObject(cctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(job)),
		Body:        bytes.NewReader(b),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"folder":    job.Folder,
			"file-name": job.FileName,
		},
	})
	if err != nil {
		return classifyTransport(fmt.Errorf("put object s3://%s/%s: %w", s.bucket, s.Key(job), err))
	}
	return nil
}
