// Package fcmv1 implements the OAuth2 bearer authenticated, project scoped
// FCM HTTP v1 protocol.
package fcmv1

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tinywideclouds/go-dispatch-service/internal/platform/credentials"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcmhttp"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

const (
	DefaultBaseURL    = "https://fcm.googleapis.com"
	DefaultIIDBaseURL = "https://iid.googleapis.com"
)

// TokenSource supplies bearer tokens. *credentials.Provider satisfies it.
type TokenSource interface {
	AccessToken(ctx context.Context) (credentials.AccessToken, error)
}

// Config holds the project and endpoints of the v1 protocol.
type Config struct {
	ProjectID  string
	BaseURL    string
	IIDBaseURL string
}

type Transport struct {
	cfg     Config
	sendURL string
	tokens  TokenSource
	client  *http.Client
	logger  *slog.Logger
}

func NewTransport(cfg Config, tokens TokenSource, client *http.Client, logger *slog.Logger) *Transport {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.IIDBaseURL == "" {
		cfg.IIDBaseURL = DefaultIIDBaseURL
	}
	if client == nil {
		client = fcmhttp.NewHTTPClient(0)
	}
	return &Transport{
		cfg:     cfg,
		sendURL: fmt.Sprintf("%s/v1/projects/%s/messages:send", cfg.BaseURL, cfg.ProjectID),
		tokens:  tokens,
		client:  client,
		logger:  logger.With("component", "V1Transport"),
	}
}

func (t *Transport) Protocol() dispatch.Protocol { return dispatch.ProtocolV1 }

// Envelope is the request body of messages:send.
type Envelope struct {
	Message Message `json:"message"`
}

// Message addresses exactly one of Token or Topic. Data is always encoded,
// as {} when empty.
type Message struct {
	Token        string            `json:"token,omitempty"`
	Topic        string            `json:"topic,omitempty"`
	Notification Notification      `json:"notification"`
	Data         map[string]string `json:"data"`
}

type Notification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// NewEnvelope builds the wire body for a payload and a single address.
func NewEnvelope(payload dispatch.NotificationPayload, token, topic string) Envelope {
	return Envelope{Message: Message{
		Token:        token,
		Topic:        topic,
		Notification: Notification{Title: payload.Title, Body: payload.Body},
		Data:         fcmhttp.DataObject(payload.Data),
	}}
}

type membershipRequest struct {
	To                 string   `json:"to"`
	RegistrationTokens []string `json:"registration_tokens"`
}

type membershipResponse struct {
	Results []struct {
		Error string `json:"error,omitempty"`
	} `json:"results"`
}

// SendToSingleToken sends one message to one device.
func (t *Transport) SendToSingleToken(ctx context.Context, payload dispatch.NotificationPayload, token string) dispatch.Result {
	if token == "" {
		return dispatch.Failure(dispatch.KindValidation, "registration token is empty")
	}
	if res, ok := validateNotification(payload); !ok {
		return res
	}
	headers, failure, ok := t.authHeaders(ctx)
	if !ok {
		return failure
	}
	return t.send(ctx, headers, NewEnvelope(payload, token, ""))
}

// SendToTokens fans out one messages:send call per token, in order. The v1
// API has no multicast endpoint. The bearer token is looked up per send so a
// long fan-out never outlives it.
func (t *Transport) SendToTokens(ctx context.Context, payload dispatch.NotificationPayload, tokens []string) dispatch.Result {
	if len(tokens) == 0 {
		return dispatch.Failure(dispatch.KindValidation, "no registration tokens")
	}
	if len(tokens) == 1 {
		return t.SendToSingleToken(ctx, payload, tokens[0])
	}
	if res, ok := validateNotification(payload); !ok {
		return res
	}

	agg := fcmhttp.NewAggregate()
	for _, token := range tokens {
		headers, failure, ok := t.authHeaders(ctx)
		if !ok {
			agg.FailAll([]string{token}, failure)
			continue
		}
		res := t.send(ctx, headers, NewEnvelope(payload, token, ""))
		if !res.Success {
			t.logger.Warn("V1 send failed for token", "token", fcmhttp.Redact(token), "kind", res.Kind)
			agg.FailAll([]string{token}, res)
			continue
		}
		agg.Record(res.Response)
		agg.Delivered()
	}

	res := agg.Result()
	t.logger.Info("V1 fan-out dispatched", "tokens", len(tokens), "success", res.SuccessCount, "failure", res.FailureCount)
	return res
}

func (t *Transport) SendToTopic(ctx context.Context, payload dispatch.NotificationPayload, topic string) dispatch.Result {
	if topic == "" {
		return dispatch.Failure(dispatch.KindValidation, "topic name is empty")
	}
	if res, ok := validateNotification(payload); !ok {
		return res
	}
	headers, failure, ok := t.authHeaders(ctx)
	if !ok {
		return failure
	}
	res := t.send(ctx, headers, NewEnvelope(payload, "", topic))
	if res.Success {
		t.logger.Info("V1 topic message dispatched", "topic", topic)
	}
	return res
}

func (t *Transport) Subscribe(ctx context.Context, topic string, tokens []string) dispatch.Result {
	return t.membership(ctx, t.cfg.IIDBaseURL+"/iid/v1:batchAdd", topic, tokens)
}

func (t *Transport) Unsubscribe(ctx context.Context, topic string, tokens []string) dispatch.Result {
	return t.membership(ctx, t.cfg.IIDBaseURL+"/iid/v1:batchRemove", topic, tokens)
}

func (t *Transport) send(ctx context.Context, headers map[string]string, env Envelope) dispatch.Result {
	reply, failure, ok := fcmhttp.PostJSON(ctx, t.client, t.sendURL, headers, env, t.logger)
	if !ok {
		return failure
	}
	return dispatch.Result{Success: true, Response: json.RawMessage(reply.Body), SuccessCount: 1}
}

func (t *Transport) membership(ctx context.Context, url, topic string, tokens []string) dispatch.Result {
	if len(tokens) == 0 {
		return dispatch.Failure(dispatch.KindValidation, "no registration tokens")
	}
	if topic == "" {
		return dispatch.Failure(dispatch.KindValidation, "topic name is empty")
	}
	headers, failure, ok := t.authHeaders(ctx)
	if !ok {
		return failure
	}
	headers["access_token_auth"] = "true"

	agg := fcmhttp.NewAggregate()
	for _, batch := range fcmhttp.Chunk(tokens, fcmhttp.MembershipBatchSize) {
		reply, failure, ok := fcmhttp.PostJSON(ctx, t.client, url, headers, membershipRequest{
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
		agg.Record(reply.Body)
		for i, token := range batch {
			if i < len(resp.Results) && resp.Results[i].Error == "" {
				agg.Delivered()
			} else {
				agg.Failed(token)
			}
		}
	}

	res := agg.Result()
	t.logger.Info("V1 topic membership updated", "endpoint", url, "topic", topic, "success", res.SuccessCount, "failure", res.FailureCount)
	return res
}

// authHeaders acquires a bearer token. A credential failure short-circuits the
// call as a CredentialError result.
func (t *Transport) authHeaders(ctx context.Context) (map[string]string, dispatch.Result, bool) {
	tok, err := t.tokens.AccessToken(ctx)
	if err != nil {
		t.logger.Error("Access token unavailable", "err", err)
		return nil, dispatch.Failure(dispatch.KindCredential, "%v", err), false
	}
	return map[string]string{"Authorization": "Bearer " + tok.Value}, dispatch.Result{}, true
}

func validateNotification(payload dispatch.NotificationPayload) (dispatch.Result, bool) {
	if payload.Title == "" || payload.Body == "" {
		return dispatch.Failure(dispatch.KindValidation, "notification title and body are required"), false
	}
	return dispatch.Result{}, true
}
