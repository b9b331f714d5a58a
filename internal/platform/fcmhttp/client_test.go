package fcmhttp_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcmhttp"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPostJSON(t *testing.T) {
	ctx := context.Background()
	logger := newTestLogger()

	t.Run("Success passes headers and returns body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			assert.Equal(t, "key=abc", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"ok":true}`))
		}))
		defer srv.Close()

		reply, _, ok := fcmhttp.PostJSON(ctx, srv.Client(), srv.URL, map[string]string{"Authorization": "key=abc"}, map[string]string{}, logger)
		require.True(t, ok)
		assert.JSONEq(t, `{"ok":true}`, string(reply.Body))
	})

	t.Run("Non-2xx carries the raw body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte("<html>denied</html>"))
		}))
		defer srv.Close()

		_, failure, ok := fcmhttp.PostJSON(ctx, srv.Client(), srv.URL, nil, struct{}{}, logger)
		require.False(t, ok)
		assert.Equal(t, dispatch.KindBackend, failure.Kind)
		assert.Equal(t, "<html>denied</html>", failure.RawBody)
		assert.Contains(t, failure.Message, "401")
	})

	t.Run("Malformed JSON is a backend error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"broken":`))
		}))
		defer srv.Close()

		_, failure, ok := fcmhttp.PostJSON(ctx, srv.Client(), srv.URL, nil, struct{}{}, logger)
		require.False(t, ok)
		assert.Equal(t, dispatch.KindBackend, failure.Kind)
		assert.Equal(t, `{"broken":`, failure.RawBody)
	})

	t.Run("Timeout is a backend error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		_, failure, ok := fcmhttp.PostJSON(ctx, fcmhttp.NewHTTPClient(20*time.Millisecond), srv.URL, nil, struct{}{}, logger)
		require.False(t, ok)
		assert.Equal(t, dispatch.KindBackend, failure.Kind)
	})
}

func TestDataObject_EncodesEmptyObject(t *testing.T) {
	for _, data := range []map[string]string{nil, {}} {
		raw, err := json.Marshal(map[string]any{"data": fcmhttp.DataObject(data)})
		require.NoError(t, err)
		assert.JSONEq(t, `{"data":{}}`, string(raw))
	}
}

func TestChunk(t *testing.T) {
	tokens := []string{"a", "b", "c", "d", "e"}

	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, fcmhttp.Chunk(tokens, 2))
	assert.Equal(t, [][]string{tokens}, fcmhttp.Chunk(tokens, 10))
	assert.Equal(t, [][]string{tokens}, fcmhttp.Chunk(tokens, 0))
}

func TestRedact(t *testing.T) {
	assert.Equal(t, "***", fcmhttp.Redact("short"))
	assert.Equal(t, "abcdefgh***", fcmhttp.Redact("abcdefghijklmnop"))
}
