package s3blob

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.im.realtime/internal/backend"
)

// fakeS3 内存中的 S3 替身
type fakeS3 struct {
	objects map[string][]byte
	puts    []*s3.PutObjectInput
	putErr  error
	deleted []string
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte)}
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Key))
	f.deleted = append(f.deleted, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestUploadReturnsPublicURL(t *testing.T) {
	fake := newFakeS3()
	s := NewWithClient(fake, "avatars-bucket", "https://cdn.example.com/")

	url, err := s.Upload(context.Background(), "avatars/u1/u1_1700000000000", strings.NewReader("img"), backend.BlobMetadata{
		ContentType: "image/png",
		Custom:      map[string]string{"originalName": "me.png"},
	})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/avatars/u1/u1_1700000000000", url)

	require.Len(t, fake.puts, 1)
	assert.Equal(t, "image/png", aws.ToString(fake.puts[0].ContentType))
	assert.Equal(t, "me.png", fake.puts[0].Metadata["originalName"])
	assert.Equal(t, []byte("img"), fake.objects["avatars/u1/u1_1700000000000"])
}

func TestUploadWithoutPublicURL(t *testing.T) {
	s := NewWithClient(newFakeS3(), "bucket", "")

	url, err := s.Upload(context.Background(), "/avatars/u1/x", strings.NewReader("img"), backend.BlobMetadata{})
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/avatars/u1/x", url)
}

func TestDelete(t *testing.T) {
	fake := newFakeS3()
	s := NewWithClient(fake, "bucket", "")
	ctx := context.Background()

	_, err := s.Upload(ctx, "avatars/u1/x", strings.NewReader("img"), backend.BlobMetadata{})
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, "avatars/u1/x"))
	assert.Equal(t, []string{"avatars/u1/x"}, fake.deleted)
	assert.ErrorIs(t, s.Delete(ctx, "avatars/u1/x"), backend.ErrNotFound)
}

func TestClassifyAccessDenied(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	s := NewWithClient(fake, "bucket", "")

	_, err := s.Upload(context.Background(), "avatars/u1/x", strings.NewReader("img"), backend.BlobMetadata{})
	assert.ErrorIs(t, err, backend.ErrPermissionDenied)
}
