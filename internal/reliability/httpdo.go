package reliability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ent0n29/voiceloop/internal/policy"
)

const maxResponseBytes = 32 << 20

// HTTPStatusError is a non-2xx upstream response. Body is truncated and scrubbed of credentials.
type HTTPStatusError struct {
	Status int
	Body   string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Body)
}

// DoHTTP sends the request built by newReq, retrying retryable statuses and transport
// errors under p, and returns the body and headers of the first 2xx response.
func DoHTTP(ctx context.Context, client *http.Client, p RetryPolicy, newReq func(ctx context.Context) (*http.Request, error)) ([]byte, http.Header, error) {
	var (
		body   []byte
		header http.Header
	)
	err := Retry(ctx, p, func(ctx context.Context, _ int) (bool, error) {
		req, err := newReq(ctx)
		if err != nil {
			return false, err
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return IsRetryableNetError(err), err
		}
		defer resp.Body.Close()

		b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		if err != nil {
			return true, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			detail := strings.TrimSpace(string(b))
			if len(detail) > 512 {
				detail = detail[:512]
			}
			return IsRetryableHTTPStatus(resp.StatusCode), &HTTPStatusError{
				Status: resp.StatusCode,
				Body:   policy.RedactSecrets(detail),
			}
		}
		body = b
		header = resp.Header
		return false, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return body, header, nil
}

// Classify returns a short error code and whether a caller may retry.
func Classify(err error) (code string, retryable bool) {
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return CodeForHTTPStatus(statusErr.Status), IsRetryableHTTPStatus(statusErr.Status)
	}
	code = CodeForError(err)
	return code, code == "network" || code == "timeout"
}
