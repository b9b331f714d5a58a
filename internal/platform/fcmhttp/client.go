// Package fcmhttp holds the request/response plumbing shared by the legacy
// and v1 FCM transports.
package fcmhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// DefaultTimeout bounds every outbound call when no client is supplied.
const DefaultTimeout = 10 * time.Second

// MembershipBatchSize is the per-call token limit of topic management.
const MembershipBatchSize = 1000

// maxBodyBytes caps how much of a backend response is read.
const maxBodyBytes = 1 << 20

// NewHTTPClient returns a client with a mandatory request timeout.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// Reply is a decoded backend response.
type Reply struct {
	Status int
	Body   []byte
}

// PostJSON sends body as JSON and reads the reply. A transport failure or a
// non-2xx status is returned as a BackendError Result; ok is true only for a
// 2xx reply with a valid JSON body.
func PostJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any, logger *slog.Logger) (reply Reply, failure dispatch.Result, ok bool) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Reply{}, dispatch.Failure(dispatch.KindBackend, "encoding request: %v", err), false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Reply{}, dispatch.Failure(dispatch.KindBackend, "building request: %v", err), false
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		logger.Error("FCM request failed", "endpoint", url, "err", err)
		return Reply{}, dispatch.Failure(dispatch.KindBackend, "request to %s failed: %v", url, err), false
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		logger.Error("FCM response unreadable", "endpoint", url, "status", resp.StatusCode, "err", err)
		return Reply{}, dispatch.Failure(dispatch.KindBackend, "reading response: %v", err), false
	}
	reply = Reply{Status: resp.StatusCode, Body: raw}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Error("FCM rejected request", "endpoint", url, "status", resp.StatusCode, "response", string(raw))
		return reply, BackendFailure(raw, "backend returned status %d", resp.StatusCode), false
	}
	if !json.Valid(raw) {
		logger.Error("FCM returned malformed JSON", "endpoint", url, "status", resp.StatusCode, "response", string(raw))
		return reply, BackendFailure(raw, "backend returned malformed JSON"), false
	}
	return reply, dispatch.Result{}, true
}

// BackendFailure builds a BackendError Result that carries the raw body for
// diagnostics.
func BackendFailure(raw []byte, format string, args ...any) dispatch.Result {
	res := dispatch.Failure(dispatch.KindBackend, format, args...)
	if len(raw) == 0 {
		return res
	}
	if json.Valid(raw) {
		res.Response = json.RawMessage(raw)
	} else {
		res.RawBody = string(raw)
	}
	return res
}

// DataObject returns data, or an empty map so the field encodes as {}.
func DataObject(data map[string]string) map[string]string {
	if data == nil {
		return map[string]string{}
	}
	return data
}

// Chunk splits tokens into consecutive batches of at most size.
func Chunk(tokens []string, size int) [][]string {
	if size <= 0 || len(tokens) <= size {
		return [][]string{tokens}
	}
	batches := make([][]string, 0, (len(tokens)+size-1)/size)
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		batches = append(batches, tokens[start:end])
	}
	return batches
}

// Redact shortens a registration token for logging.
func Redact(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return fmt.Sprintf("%s***", token[:8])
}

// TopicPath renders a topic name in the "/topics/<name>" form used by the
// legacy and registration-management APIs.
func TopicPath(topic string) string {
	return "/topics/" + topic
}
