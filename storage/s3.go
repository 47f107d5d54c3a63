package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
)

// S3Backend stores one object per key in an S3-compatible bucket.
type S3Backend struct {
	client s3iface.S3API
	bucket string
	prefix string
}

type S3Config struct {
	// S3 compatible storage endpoint
	Endpoint string
	// S3 compatible storage region
	Region string
	// S3 compatible storage access key
	AccessKey string
	// S3 compatible storage secret key
	SecretKey string
	// S3 compatible storage bucket
	Bucket string
	// key prefix, usually one per workstation profile
	Prefix string

	// optional aws access token
	AccessToken string
}

// NewS3Backend creates a backend talking to the configured endpoint with
// path-style addressing.
func NewS3Backend(config S3Config) (*S3Backend, error) {
	if config.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(config.Endpoint),
		Region:           aws.String(config.Region),
		Credentials:      credentials.NewStaticCredentials(config.AccessKey, config.SecretKey, config.AccessToken),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}
	return NewS3BackendWithClient(s3.New(sess), config.Bucket, config.Prefix), nil
}

// NewS3BackendWithClient uses an existing S3 client.
func NewS3BackendWithClient(client s3iface.S3API, bucket, prefix string) *S3Backend {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Backend{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Backend) objectKey(key string) string {
	return s.prefix + key
}

func (s *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var aerr awserr.Error
		if errors.As(err, &aerr) && (aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound") {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get object %s from bucket %s: %w", key, s.bucket, err)
	}
	defer obj.Body.Close()

	value, err := io.ReadAll(obj.Body)
	if err != nil {
		return nil, fmt.Errorf("read object %s from bucket %s: %w", key, s.bucket, err)
	}
	return value, nil
}

func (s *S3Backend) Put(ctx context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	_, err := s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
		Body:   bytes.NewReader(value),
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", key, err)
	}
	return nil
}

func (s *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", key, err)
	}
	return nil
}

// Clear deletes every object under the backend prefix.
func (s *S3Backend) Clear(ctx context.Context) error {
	var keys []*s3.ObjectIdentifier
	err := s.client.ListObjectsV2PagesWithContext(ctx, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	}, func(page *s3.ListObjectsV2Output, _ bool) bool {
		for _, obj := range page.Contents {
			keys = append(keys, &s3.ObjectIdentifier{Key: obj.Key})
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("list bucket %s: %w", s.bucket, err)
	}

	// DeleteObjects accepts at most 1000 keys per call.
	for len(keys) > 0 {
		n := min(len(keys), 1000)
		_, err := s.client.DeleteObjectsWithContext(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &s3.Delete{Objects: keys[:n], Quiet: aws.Bool(true)},
		})
		if err != nil {
			return fmt.Errorf("delete objects in %s: %w", s.bucket, err)
		}
		keys = keys[n:]
	}
	return nil
}

func (s *S3Backend) Close() error { return nil }
