package content

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"

	"sftpflow/pkg/flow"
)

// S3Store opens s3://bucket/key references.
type S3Store struct {
	client s3iface.S3API
}

func NewS3Store(client s3iface.S3API) *S3Store {
	return &S3Store{client: client}
}

func (s *S3Store) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	bucket, key, err := s.location(ref)
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, 0, objectError(ref, err)
	}
	return resp.Body, aws.Int64Value(resp.ContentLength), nil
}

func (s *S3Store) Stat(ctx context.Context, ref string) (int64, error) {
	bucket, key, err := s.location(ref)
	if err != nil {
		return 0, err
	}
	resp, err := s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return 0, objectError(ref, err)
	}
	return aws.Int64Value(resp.ContentLength), nil
}

func (s *S3Store) location(ref string) (string, string, error) {
	u, err := parseRef(ref)
	if err != nil {
		return "", "", err
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Scheme != "s3" || u.Host == "" || key == "" {
		return "", "", flow.NewError(flow.ErrorTypeContent, fmt.Sprintf("not an object reference: %s", ref), nil)
	}
	return u.Host, key, nil
}

func objectError(ref string, err error) error {
	if aerr, ok := err.(awserr.Error); ok {
		switch aerr.Code() {
		case s3.ErrCodeNoSuchKey, "NotFound":
			return flow.NewError(flow.ErrorTypeContent, "content not found: "+ref, err)
		case "Forbidden", "AccessDenied":
			return flow.NewError(flow.ErrorTypeContent, "access denied to "+ref, err)
		}
	}
	return flow.NewError(flow.ErrorTypeContent, "read object "+ref, err)
}
