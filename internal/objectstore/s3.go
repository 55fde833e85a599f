// Package objectstore keeps short-lived audio objects for providers that
// read their input from a URL.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

var sseAlgorithm = "AES256"

// Store is what the transcription providers need from object storage.
type Store interface {
	Put(ctx context.Context, name string, r io.ReadSeeker, size int64, contentType string) (string, error)
	ExpiringURL(id string, expiration time.Duration) (string, error)
	Delete(ctx context.Context, id string) error
}

// S3 is a Store backed by an S3 bucket. Ids are s3://bucket/key URIs.
type S3 struct {
	api    s3iface.S3API
	bucket string
	prefix string
}

// NewS3 returns a store writing under prefix in bucket.
func NewS3(sess *session.Session, bucket, prefix string) *S3 {
	return newS3(s3.New(sess), bucket, prefix)
}

// Dial builds a session for region and returns an S3 store.
func Dial(region, bucket, prefix string) (*S3, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return NewS3(sess, bucket, prefix), nil
}

func newS3(api s3iface.S3API, bucket, prefix string) *S3 {
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &S3{api: api, bucket: bucket, prefix: prefix}
}

func (s *S3) idFor(key string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, key)
}

func (s *S3) Put(ctx context.Context, name string, r io.ReadSeeker, size int64, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := s.prefix + name
	_, err := s.api.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:               &s.bucket,
		Key:                  &key,
		Body:                 r,
		ContentLength:        &size,
		ContentType:          &contentType,
		ServerSideEncryption: &sseAlgorithm,
	})
	if err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return s.idFor(key), nil
}

// ExpiringURL presigns a GET for the object. No request is made.
func (s *S3) ExpiringURL(id string, expiration time.Duration) (string, error) {
	bucket, key, err := parseURI(id)
	if err != nil {
		return "", err
	}
	req, _ := s.api.GetObjectRequest(&s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	return req.Presign(expiration)
}

func (s *S3) Delete(ctx context.Context, id string) error {
	bucket, key, err := parseURI(id)
	if err != nil {
		return err
	}
	_, err = s.api.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: &bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

func parseURI(id string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(id, "s3://")
	if !ok {
		return "", "", fmt.Errorf("objectstore: not an s3 uri: %q", id)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("objectstore: malformed s3 uri: %q", id)
	}
	return bucket, key, nil
}
