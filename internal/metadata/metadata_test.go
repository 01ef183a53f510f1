package metadata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHead struct {
	sizes map[string]int64
	err   error
	in    *s3.HeadObjectInput
}

func (f *fakeHead) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.in = in
	if f.err != nil {
		return nil, f.err
	}
	size, ok := f.sizes[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(size)}, nil
}

type mockAPIError struct{ code string }

func (e *mockAPIError) Error() string                 { return e.code }
func (e *mockAPIError) ErrorCode() string             { return e.code }
func (e *mockAPIError) ErrorMessage() string          { return e.code }
func (e *mockAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultUnknown }

func TestS3SourceSizeOf(t *testing.T) {
	head := &fakeHead{sizes: map[string]int64{"big/video.mp4": 80 << 20}}
	src := NewS3SourceWithClient(head, "digest-objects")

	size, err := src.SizeOf(context.Background(), "big/video.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(80<<20), size)
	assert.Equal(t, "digest-objects", aws.ToString(head.in.Bucket))

	_, err = src.SizeOf(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	head.err = &mockAPIError{code: "NoSuchKey"}
	_, err = src.SizeOf(context.Background(), "big/video.mp4")
	assert.ErrorIs(t, err, ErrNotFound)

	head.err = &mockAPIError{code: "AccessDenied"}
	_, err = src.SizeOf(context.Background(), "big/video.mp4")
	var le *LookupError
	require.True(t, errors.As(err, &le))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestHTTPSourceSizeOf(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if r.URL.Query().Get("metadata") != "size" {
			http.Error(w, "bad query", http.StatusBadRequest)
			return
		}
		switch r.URL.EscapedPath() {
		case "/digest-service-no-limit/ds/objects/photos%2Fa.jpg":
			fmt.Fprint(w, "41943040\n")
		case "/digest-service-no-limit/ds/objects/flaky":
			if n == 2 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			fmt.Fprint(w, "10")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/digest-service-no-limit", 2, time.Second, quietLogger())

	size, err := src.SizeOf(context.Background(), "photos/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, int64(40<<20), size)

	size, err = src.SizeOf(context.Background(), "flaky")
	require.NoError(t, err)
	assert.Equal(t, int64(10), size)

	_, err = src.SizeOf(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
