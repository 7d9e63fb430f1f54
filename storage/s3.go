package storage

import (
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
)

// S3Store stores objects in a single S3 bucket. References are object keys.
type S3Store struct {
	Bucket   string
	svc      *s3.S3
	uploader *s3manager.Uploader
}

// NewS3Store creates an S3Store using the default AWS credential chain.
func NewS3Store(sess *session.Session, bucket string) *S3Store {
	return &S3Store{
		Bucket:   bucket,
		svc:      s3.New(sess),
		uploader: s3manager.NewUploader(sess),
	}
}

// Upload streams r to s3://bucket/key. The upload manager chunks the body,
// so the total size does not need to be known upfront.
func (s *S3Store) Upload(ctx context.Context, key string, r io.Reader) (string, int64, error) {
	cr := &countingReader{r: r}
	_, err := s.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		Body:        cr,
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", 0, err
	}
	return key, cr.n, nil
}

func (s *S3Store) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	out, err := s.svc.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(ref),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return out.Body, nil
}

// SignedURL returns a presigned GET for the object, valid for ttl.
func (s *S3Store) SignedURL(ref string, ttl time.Duration) (string, error) {
	req, _ := s.svc.GetObjectRequest(&s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(ref),
	})
	return req.Presign(ttl)
}
