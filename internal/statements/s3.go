/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package statements fetches bank statement files from object storage.
package statements

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/blnkfinance/treasury/config"
	"github.com/sirupsen/logrus"
)

// Object is a statement file read from a bucket. SourceID identifies this exact version of
// the object, so two uploads of the same content under one key share a SourceID.
type Object struct {
	Bucket   string
	Key      string
	ETag     string
	SourceID string
	Body     io.ReadCloser
}

type S3Source struct {
	client s3iface.S3API
	bucket string
}

func NewS3Source(client s3iface.S3API, bucket string) *S3Source {
	return &S3Source{client: client, bucket: bucket}
}

// NewS3SourceFromConfig builds an S3 client from the statements section. A custom endpoint
// switches to path-style addressing for S3-compatible stores.
func NewS3SourceFromConfig(cnf config.StatementsConfig) (*S3Source, error) {
	if cnf.Bucket == "" {
		return nil, errors.New("statements bucket is not configured")
	}
	awsCfg := &aws.Config{Region: aws.String(cnf.Region)}
	if cnf.AwsAccessKeyId != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cnf.AwsAccessKeyId, cnf.AwsSecretAccessKey, "")
	}
	if cnf.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cnf.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return NewS3Source(s3.New(sess), cnf.Bucket), nil
}

// SourceID is the identity of a statement object: s3://bucket/key#etag.
func SourceID(bucket, key, etag string) string {
	return fmt.Sprintf("s3://%s/%s#%s", bucket, key, strings.Trim(etag, `"`))
}

// Fetch opens the object at key. The caller closes Body.
func (s *S3Source) Fetch(ctx context.Context, key string) (*Object, error) {
	out, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch statement s3://%s/%s: %w", s.bucket, key, err)
	}

	etag := strings.Trim(aws.StringValue(out.ETag), `"`)
	logrus.WithFields(logrus.Fields{"bucket": s.bucket, "key": key, "etag": etag}).Info("fetched statement object")
	return &Object{
		Bucket:   s.bucket,
		Key:      key,
		ETag:     etag,
		SourceID: SourceID(s.bucket, key, etag),
		Body:     out.Body,
	}, nil
}
