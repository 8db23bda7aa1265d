package content

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"sftpflow/pkg/flow"
)

type mockS3 struct {
	s3iface.S3API
	mock.Mock
}

func (m *mockS3) GetObjectWithContext(ctx aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	args := m.Called(aws.StringValue(in.Bucket), aws.StringValue(in.Key))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.GetObjectOutput), args.Error(1)
}

func (m *mockS3) HeadObjectWithContext(ctx aws.Context, in *s3.HeadObjectInput, _ ...request.Option) (*s3.HeadObjectOutput, error) {
	args := m.Called(aws.StringValue(in.Bucket), aws.StringValue(in.Key))
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*s3.HeadObjectOutput), args.Error(1)
}

func TestRefs(t *testing.T) {
	assert.Equal(t, "file:///data/out/a.csv", FileRef("/data/out/a.csv"))
	assert.Equal(t, "s3://exports/2024/a.csv", ObjectRef("exports", "2024/a.csv"))
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/data/a.csv", []byte("a,b\n1,2\n"), 0o644))
	store := NewFileStore(fs)

	rc, size, err := store.Open(ctx, FileRef("/data/a.csv"))
	require.NoError(t, err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(body))
	assert.Equal(t, int64(8), size)

	_, _, err = store.Open(ctx, FileRef("/data/missing.csv"))
	assert.True(t, flow.IsType(err, flow.ErrorTypeContent))
	assert.Contains(t, err.Error(), "content not found")

	_, err = store.Stat(ctx, FileRef("/data"))
	assert.Contains(t, err.Error(), "is a directory")
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	client := &mockS3{}
	client.On("GetObjectWithContext", "exports", "2024/a.csv").Return(&s3.GetObjectOutput{
		Body:          io.NopCloser(strings.NewReader("payload")),
		ContentLength: aws.Int64(7),
	}, nil).Once()
	client.On("HeadObjectWithContext", "exports", "missing").Return(nil, awserr.New("NotFound", "not found", nil)).Once()

	store := NewS3Store(client)

	rc, size, err := store.Open(ctx, ObjectRef("exports", "2024/a.csv"))
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	assert.Equal(t, "payload", string(body))
	assert.Equal(t, int64(7), size)

	_, err = store.Stat(ctx, ObjectRef("exports", "missing"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content not found")

	_, err = store.Stat(ctx, "s3://exports/")
	assert.True(t, flow.IsType(err, flow.ErrorTypeContent))

	client.AssertExpectations(t)
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/x", []byte("x"), 0o644))
	router := NewRouter().Register("file", NewFileStore(fs))

	size, err := router.Stat(ctx, "FILE:///x")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	_, _, err = router.Open(ctx, "ftp://host/x")
	assert.True(t, flow.IsType(err, flow.ErrorTypeContent))

	_, _, err = router.Open(ctx, "")
	assert.Contains(t, err.Error(), "no content reference")
}
