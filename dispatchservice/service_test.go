package dispatchservice_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-dispatch-service/dispatchservice"
	"github.com/tinywideclouds/go-dispatch-service/dispatchservice/config"
	"github.com/tinywideclouds/go-dispatch-service/internal/dispatcher"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/legacy"
	"github.com/tinywideclouds/go-dispatch-service/internal/storage/memory"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFakeFCM answers every legacy endpoint with a full success for the
// tokens it was sent.
func newFakeFCM(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var body struct {
			RegistrationIDs    []string `json:"registration_ids"`
			RegistrationTokens []string `json:"registration_tokens"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch r.URL.Path {
		case "/fcm/send":
			n := len(body.RegistrationIDs)
			if n == 0 {
				_, _ = w.Write([]byte(`{"message_id":7}`))
				return
			}
			results := make([]map[string]string, n)
			for i := range results {
				results[i] = map[string]string{"message_id": "m"}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"success": n, "results": results})
		default:
			results := make([]map[string]string, len(body.RegistrationTokens))
			_ = json.NewEncoder(w).Encode(map[string]any{"results": results})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestService(t *testing.T, auth func(http.Handler) http.Handler, closers ...func() error) (*dispatchservice.Wrapper, *atomic.Int32) {
	t.Helper()
	logger := newTestLogger()
	calls := &atomic.Int32{}
	fcm := newFakeFCM(t, calls)

	transport := legacy.NewTransport(legacy.Config{
		ServerKey:  "server-key",
		SendURL:    fcm.URL + "/fcm/send",
		IIDBaseURL: fcm.URL,
	}, fcm.Client(), logger)

	svc, err := dispatcher.NewService(
		dispatcher.Config{DefaultProtocol: dispatch.ProtocolLegacy},
		[]dispatch.Transport{transport},
		memory.NewTopicStore(),
		nil,
		logger,
	)
	require.NoError(t, err)

	wrapper, err := dispatchservice.New(&config.Config{ListenAddr: ":0"}, svc, auth, logger, closers...)
	require.NoError(t, err)
	return wrapper, calls
}

func do(t *testing.T, w *dispatchservice.Wrapper, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	w.Mux().ServeHTTP(rec, req)
	return rec
}

func TestService_Routes(t *testing.T) {
	svc, calls := newTestService(t, nil)

	t.Run("Send to tokens", func(t *testing.T) {
		rec := do(t, svc, http.MethodPost, "/api/v1/messages/send",
			`{"title":"Sale","body":"50% off","tokens":["t1","t2"]}`)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var res dispatch.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
		assert.True(t, res.Success)
		assert.Equal(t, 2, res.SuccessCount)
	})

	t.Run("Topic lifecycle", func(t *testing.T) {
		before := calls.Load()

		rec := do(t, svc, http.MethodPost, "/api/v1/topics/summer/send", `{"title":"Sale","body":"b"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, before, calls.Load())

		rec = do(t, svc, http.MethodPost, "/api/v1/topics/summer/subscribe", `{"tokens":["t1"]}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		rec = do(t, svc, http.MethodGet, "/api/v1/topics/summer", "")
		require.Equal(t, http.StatusOK, rec.Code)
		var record dispatch.TopicRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &record))
		assert.Equal(t, "summer", record.Name)
		assert.False(t, record.IsDeleted)

		rec = do(t, svc, http.MethodPost, "/api/v1/topics/summer/send", `{"title":"Sale","body":"b"}`)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = do(t, svc, http.MethodDelete, "/api/v1/topics/summer", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		rec = do(t, svc, http.MethodPost, "/api/v1/topics/summer/send", `{"title":"Sale","body":"b"}`)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("Unknown topic is 404", func(t *testing.T) {
		rec := do(t, svc, http.MethodDelete, "/api/v1/topics/never", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("Batch keeps item order", func(t *testing.T) {
		rec := do(t, svc, http.MethodPost, "/api/v1/messages/batch",
			`{"messages":[{"title":"a","body":"b","token":"t1"},{"title":"a","body":"b"}]}`)

		require.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Results []dispatch.Result `json:"results"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Len(t, resp.Results, 2)
		assert.True(t, resp.Results[0].Success)
		assert.Equal(t, dispatch.KindValidation, resp.Results[1].Kind)
	})
}

func TestService_AuthMiddlewareGuardsRoutes(t *testing.T) {
	deny := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		})
	}
	svc, calls := newTestService(t, deny)

	rec := do(t, svc, http.MethodPost, "/api/v1/messages/send", `{"title":"a","body":"b","token":"t1"}`)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, int32(0), calls.Load())
}

func TestService_ShutdownRunsClosers(t *testing.T) {
	var order []string
	first := func() error { order = append(order, "first"); return nil }
	second := func() error { order = append(order, "second"); return errors.New("close failed") }

	svc, _ := newTestService(t, nil, first, second)

	err := svc.Shutdown(context.Background())

	assert.Error(t, err)
	assert.Equal(t, []string{"second", "first"}, order)
}
