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

package statements

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/blnkfinance/treasury/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	s3iface.S3API
	objects map[string]string
	etag    string
}

func (f *fakeS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{
		Body: io.NopCloser(strings.NewReader(body)),
		ETag: aws.String(`"` + f.etag + `"`),
	}, nil
}

func TestFetch(t *testing.T) {
	src := NewS3Source(&fakeS3{objects: map[string]string{"2024/09/nbm.csv": "amount,reference\n100,R1\n"}, etag: "abc123"}, "statements")

	obj, err := src.Fetch(context.Background(), "2024/09/nbm.csv")
	require.NoError(t, err)
	defer obj.Body.Close()

	assert.Equal(t, "abc123", obj.ETag)
	assert.Equal(t, "s3://statements/2024/09/nbm.csv#abc123", obj.SourceID)
	content, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	assert.Contains(t, string(content), "R1")
}

func TestFetch_MissingObject(t *testing.T) {
	src := NewS3Source(&fakeS3{objects: map[string]string{}}, "statements")
	_, err := src.Fetch(context.Background(), "missing.csv")
	assert.ErrorContains(t, err, "s3://statements/missing.csv")
}

func TestNewS3SourceFromConfig(t *testing.T) {
	_, err := NewS3SourceFromConfig(config.StatementsConfig{})
	assert.Error(t, err)

	src, err := NewS3SourceFromConfig(config.StatementsConfig{Bucket: "statements", Region: "us-east-1", Endpoint: "http://localhost:9000",
		AwsAccessKeyId: "key", AwsSecretAccessKey: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "statements", src.bucket)
}
