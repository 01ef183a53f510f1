package metadata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
)

// HTTPSource asks the static digest service for an object's size:
//
//	GET {baseURL}/ds/objects/{key}?metadata=size
//
// The response body is the decimal byte count.
type HTTPSource struct {
	baseURL string
	client  *retryablehttp.Client
}

// NewHTTPSource returns a source rooted at baseURL (scheme, host and
// service context). Transient failures are retried up to retries times.
func NewHTTPSource(baseURL string, retries int, timeout time.Duration, logger logrus.FieldLogger) *HTTPSource {
	client := retryablehttp.NewClient()
	client.RetryMax = retries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = retryLogger{logger}
	if timeout > 0 {
		client.HTTPClient.Timeout = timeout
	}
	return &HTTPSource{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// SizeOf fetches and parses the size.
func (s *HTTPSource) SizeOf(ctx context.Context, key string) (int64, error) {
	target := s.baseURL + "/ds/objects/" + url.PathEscape(key) + "?metadata=size"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, &LookupError{Source: "http", Key: key, Err: err}
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, &LookupError{Source: "http", Key: key, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return 0, &LookupError{Source: "http", Key: key, Err: fmt.Errorf("read body: %w", err)}
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return 0, &LookupError{Source: "http", Key: key, Err: ErrNotFound}
	case resp.StatusCode != http.StatusOK:
		return 0, &LookupError{Source: "http", Key: key, Err: fmt.Errorf("status %d from %s: %s", resp.StatusCode, target, strings.TrimSpace(string(body)))}
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
	if err != nil {
		return 0, &LookupError{Source: "http", Key: key, Err: fmt.Errorf("parse size: %w", err)}
	}
	return size, nil
}

// retryLogger adapts logrus to retryablehttp.LeveledLogger.
type retryLogger struct {
	logrus.FieldLogger
}

func (l retryLogger) Error(msg string, kv ...interface{}) { l.with(kv).Error(msg) }
func (l retryLogger) Info(msg string, kv ...interface{})  { l.with(kv).Debug(msg) }
func (l retryLogger) Debug(msg string, kv ...interface{}) { l.with(kv).Debug(msg) }
func (l retryLogger) Warn(msg string, kv ...interface{})  { l.with(kv).Warn(msg) }

func (l retryLogger) with(kv []interface{}) logrus.FieldLogger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return l.FieldLogger.WithFields(fields)
}
