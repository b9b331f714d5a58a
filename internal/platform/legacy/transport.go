// Package legacy implements the server-key authenticated FCM HTTP protocol.
package legacy

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcmhttp"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

const (
	DefaultSendURL    = "https://fcm.googleapis.com/fcm/send"
	DefaultIIDBaseURL = "https://iid.googleapis.com"

	// DefaultBatchSize is the registration_ids limit of the legacy API.
	DefaultBatchSize = 1000
)

// Config holds the server key and endpoints of the legacy protocol.
type Config struct {
	ServerKey  string
	SendURL    string
	IIDBaseURL string
	BatchSize  int
}

type Transport struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewTransport fills unset endpoints with the public FCM URLs.
func NewTransport(cfg Config, client *http.Client, logger *slog.Logger) *Transport {
	if cfg.SendURL == "" {
		cfg.SendURL = DefaultSendURL
	}
	if cfg.IIDBaseURL == "" {
		cfg.IIDBaseURL = DefaultIIDBaseURL
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if client == nil {
		client = fcmhttp.NewHTTPClient(0)
	}
	return &Transport{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "LegacyTransport"),
	}
}

func (t *Transport) Protocol() dispatch.Protocol { return dispatch.ProtocolLegacy }

type notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type tokensRequest struct {
	RegistrationIDs []string          `json:"registration_ids"`
	Notification    notification      `json:"notification"`
	Data            map[string]string `json:"data"`
}

type topicRequest struct {
	To           string            `json:"to"`
	Notification notification      `json:"notification"`
	Data         map[string]string `json:"data"`
}

type membershipRequest struct {
	To                 string   `json:"to"`
	RegistrationTokens []string `json:"registration_tokens"`
}

type itemResult struct {
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// sendResponse covers both the multicast and the topic reply of /fcm/send.
type sendResponse struct {
	Success int          `json:"success"`
	Failure int          `json:"failure"`
	Results []itemResult `json:"results"`
	Error   string       `json:"error"`
}

type membershipResponse struct {
	Results []itemResult `json:"results"`
}

// SendToTokens posts one request per batch of tokens and accounts every token.
func (t *Transport) SendToTokens(ctx context.Context, payload dispatch.NotificationPayload, tokens []string) dispatch.Result {
	if len(tokens) == 0 {
		return dispatch.Failure(dispatch.KindValidation, "no registration tokens")
	}

	agg := fcmhttp.NewAggregate()
	for _, batch := range fcmhttp.Chunk(tokens, t.cfg.BatchSize) {
		reply, failure, ok := fcmhttp.PostJSON(ctx, t.client, t.cfg.SendURL, t.headers(), tokensRequest{
			RegistrationIDs: batch,
			Notification:    notification{Title: payload.Title, Body: payload.Body},
			Data:            fcmhttp.DataObject(payload.Data),
		}, t.logger)
		if !ok {
			// Later batches are still attempted; this batch counts as failed.
			agg.FailAll(batch, failure)
			continue
		}

		var resp sendResponse
		if err := json.Unmarshal(reply.Body, &resp); err != nil {
			agg.FailAll(batch, fcmhttp.BackendFailure(reply.Body, "decoding send response: %v", err))
			continue
		}
		addItems(agg, batch, resp.Results, reply.Body)
	}

	res := agg.Result()
	t.logger.Info("Legacy multicast dispatched", "tokens", len(tokens), "success", res.SuccessCount, "failure", res.FailureCount)
	return res
}

func (t *Transport) SendToTopic(ctx context.Context, payload dispatch.NotificationPayload, topic string) dispatch.Result {
	if topic == "" {
		return dispatch.Failure(dispatch.KindValidation, "topic name is empty")
	}

	reply, failure, ok := fcmhttp.PostJSON(ctx, t.client, t.cfg.SendURL, t.headers(), topicRequest{
		To:           fcmhttp.TopicPath(topic),
		Notification: notification{Title: payload.Title, Body: payload.Body},
		Data:         fcmhttp.DataObject(payload.Data),
	}, t.logger)
	if !ok {
		return failure
	}

	var resp sendResponse
	if err := json.Unmarshal(reply.Body, &resp); err != nil {
		return fcmhttp.BackendFailure(reply.Body, "decoding topic response: %v", err)
	}
	if resp.Error != "" {
		t.logger.Error("Legacy topic send rejected", "topic", topic, "response", string(reply.Body))
		return fcmhttp.BackendFailure(reply.Body, "topic send rejected: %s", resp.Error)
	}

	t.logger.Info("Legacy topic message dispatched", "topic", topic)
	return dispatch.Result{Success: true, Response: json.RawMessage(reply.Body), SuccessCount: 1}
}

func (t *Transport) Subscribe(ctx context.Context, topic string, tokens []string) dispatch.Result {
	return t.membership(ctx, t.cfg.IIDBaseURL+"/iid/v1:batchAdd", topic, tokens)
}

func (t *Transport) Unsubscribe(ctx context.Context, topic string, tokens []string) dispatch.Result {
	return t.membership(ctx, t.cfg.IIDBaseURL+"/iid/v1:batchRemove", topic, tokens)
}

func (t *Transport) membership(ctx context.Context, url, topic string, tokens []string) dispatch.Result {
	if len(tokens) == 0 {
		return dispatch.Failure(dispatch.KindValidation, "no registration tokens")
	}
	if topic == "" {
		return dispatch.Failure(dispatch.KindValidation, "topic name is empty")
	}

	agg := fcmhttp.NewAggregate()
	for _, batch := range fcmhttp.Chunk(tokens, t.cfg.BatchSize) {
		reply, failure, ok := fcmhttp.PostJSON(ctx, t.client, url, t.headers(), membershipRequest{
			To:                 fcmhttp.TopicPath(topic),
			RegistrationTokens: batch,
		}, t.logger)
		if !ok {
			agg.FailAll(batch, failure)
			continue
		}

		var resp membershipResponse
		if err := json.Unmarshal(reply.Body, &resp); err != nil {
			agg.FailAll(batch, fcmhttp.BackendFailure(reply.Body, "decoding topic management response: %v", err))
			continue
		}
		addItems(agg, batch, resp.Results, reply.Body)
	}

	res := agg.Result()
	t.logger.Info("Legacy topic membership updated", "endpoint", url, "topic", topic, "success", res.SuccessCount, "failure", res.FailureCount)
	return res
}

func (t *Transport) headers() map[string]string {
	return map[string]string{"Authorization": "key=" + t.cfg.ServerKey}
}

// addItems matches per-item results to the batch by position. A missing item
// counts as a failure.
func addItems(agg *fcmhttp.Aggregate, batch []string, items []itemResult, raw []byte) {
	agg.Record(raw)
	for i, token := range batch {
		if i < len(items) && items[i].Error == "" {
			agg.Delivered()
			continue
		}
		agg.Failed(token)
	}
}
