// Copyright 2025 The flbridge authors.
// Licensed under the AGPLv3, see LICENCE file for details.

package objectstore

import (
	"context"
	stderrors "errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/juju/errors"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("flbridge.objectstore")

// S3Session implements Session over an S3 bucket.
type S3Session struct {
	client *s3.Client
}

// NewS3Session returns a Session backed by S3 using the supplied AWS
// configuration.
func NewS3Session(cfg aws.Config) *S3Session {
	return &S3Session{client: s3.NewFromConfig(cfg)}
}

// GetObject implements Session.
func (s *S3Session) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noSuchKey *types.NoSuchKey
		if stderrors.As(err, &noSuchKey) {
			return nil, 0, errors.NotFoundf("object %q in bucket %q", key, bucket)
		}
		return nil, 0, errors.Annotatef(err, "getting object %q from bucket %q", key, bucket)
	}
	var size int64
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	logger.Tracef("fetched %s/%s (%d bytes)", bucket, key, size)
	return out.Body, size, nil
}

// PutObject implements Session.
func (s *S3Session) PutObject(ctx context.Context, bucket, key string, body io.Reader, length int64) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(length),
	})
	if err != nil {
		return errors.Annotatef(err, "putting object %q into bucket %q", key, bucket)
	}
	logger.Tracef("stored %s/%s (%d bytes)", bucket, key, length)
	return nil
}

// DeleteObject implements Session.
func (s *S3Session) DeleteObject(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Annotatef(err, "deleting object %q from bucket %q", key, bucket)
	}
	return nil
}
