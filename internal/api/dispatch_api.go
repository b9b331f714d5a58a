package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

const maxBodyBytes = 1 << 20

// Dispatcher is the façade the API drives. *dispatcher.Service satisfies it.
type Dispatcher interface {
	Send(ctx context.Context, payload dispatch.NotificationPayload) dispatch.Result
	SendBatch(ctx context.Context, payloads []dispatch.NotificationPayload) []dispatch.Result
	SendToTopic(ctx context.Context, payload dispatch.NotificationPayload, topic string) dispatch.Result
	Subscribe(ctx context.Context, topic string, tokens []string) dispatch.Result
	Unsubscribe(ctx context.Context, topic string, tokens []string) dispatch.Result
	SubscribeAndNotify(ctx context.Context, payload dispatch.NotificationPayload, topic string, tokens []string) dispatch.Result
	DeleteTopic(ctx context.Context, name string) dispatch.Result
	Topic(ctx context.Context, name string) (dispatch.TopicRecord, dispatch.Result)
}

type DispatchAPI struct {
	Dispatcher Dispatcher
	Logger     *slog.Logger
	validate   *validator.Validate
}

func NewDispatchAPI(d Dispatcher, logger *slog.Logger) *DispatchAPI {
	return &DispatchAPI{
		Dispatcher: d,
		Logger:     logger.With("component", "DispatchAPI"),
		validate:   validator.New(),
	}
}

// MessageRequest addresses at most one of Token, Tokens or Topic.
type MessageRequest struct {
	Title    string            `json:"title" validate:"max=1024"`
	Body     string            `json:"body" validate:"max=4096"`
	Data     map[string]string `json:"data,omitempty"`
	Token    string            `json:"token,omitempty" validate:"excluded_with=Tokens Topic"`
	Tokens   []string          `json:"tokens,omitempty" validate:"omitempty,max=10000,excluded_with=Topic,dive,required"`
	Topic    string            `json:"topic,omitempty" validate:"omitempty,max=900"`
	Protocol string            `json:"protocol,omitempty" validate:"omitempty,oneof=legacy v1 admin"`
}

type BatchRequest struct {
	Messages []MessageRequest `json:"messages" validate:"required,min=1,max=500,dive"`
}

type BatchResponse struct {
	Results []dispatch.Result `json:"results"`
}

type TokensRequest struct {
	Tokens []string `json:"tokens" validate:"required,min=1,dive,required"`
}

// TopicSendRequest subscribes Tokens before sending when any are given.
type TopicSendRequest struct {
	Title    string            `json:"title" validate:"max=1024"`
	Body     string            `json:"body" validate:"max=4096"`
	Data     map[string]string `json:"data,omitempty"`
	Tokens   []string          `json:"tokens,omitempty" validate:"omitempty,dive,required"`
	Protocol string            `json:"protocol,omitempty" validate:"omitempty,oneof=legacy v1 admin"`
}

func (m MessageRequest) payload() dispatch.NotificationPayload {
	p := dispatch.NotificationPayload{
		Title:    m.Title,
		Body:     m.Body,
		Data:     m.Data,
		Protocol: dispatch.Protocol(m.Protocol),
	}
	switch {
	case m.Topic != "":
		p.Target = dispatch.ToTopic(m.Topic)
	case m.Token != "":
		p.Target = dispatch.ToToken(m.Token)
	default:
		p.Target = dispatch.ToTokens(m.Tokens...)
	}
	return p
}

// --- Messages ---

func (api *DispatchAPI) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !api.decode(w, r, &req) {
		return
	}

	res := api.Dispatcher.Send(r.Context(), req.payload())
	api.logCall(r, "send", res)
	writeResult(w, res)
}

func (api *DispatchAPI) SendBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !api.decode(w, r, &req) {
		return
	}

	payloads := make([]dispatch.NotificationPayload, len(req.Messages))
	for i, m := range req.Messages {
		payloads[i] = m.payload()
	}
	results := api.Dispatcher.SendBatch(r.Context(), payloads)
	api.Logger.Info("Batch dispatched", "caller", caller(r), "items", len(results))

	// Per-item outcomes are in the body; the batch call itself succeeded.
	writeJSON(w, http.StatusOK, BatchResponse{Results: results})
}

// --- Topics ---

func (api *DispatchAPI) Subscribe(w http.ResponseWriter, r *http.Request) {
	api.membership(w, r, "subscribe", api.Dispatcher.Subscribe)
}

func (api *DispatchAPI) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	api.membership(w, r, "unsubscribe", api.Dispatcher.Unsubscribe)
}

func (api *DispatchAPI) membership(w http.ResponseWriter, r *http.Request, op string, call func(context.Context, string, []string) dispatch.Result) {
	topic, ok := api.topicName(w, r)
	if !ok {
		return
	}
	var req TokensRequest
	if !api.decode(w, r, &req) {
		return
	}

	res := call(r.Context(), topic, req.Tokens)
	api.logCall(r, op, res, "topic", topic)
	writeResult(w, res)
}

func (api *DispatchAPI) SendToTopic(w http.ResponseWriter, r *http.Request) {
	topic, ok := api.topicName(w, r)
	if !ok {
		return
	}
	var req TopicSendRequest
	if !api.decode(w, r, &req) {
		return
	}

	payload := dispatch.NotificationPayload{
		Title:    req.Title,
		Body:     req.Body,
		Data:     req.Data,
		Target:   dispatch.ToTopic(topic),
		Protocol: dispatch.Protocol(req.Protocol),
	}

	var res dispatch.Result
	if len(req.Tokens) > 0 {
		res = api.Dispatcher.SubscribeAndNotify(r.Context(), payload, topic, req.Tokens)
		api.logCall(r, "subscribe_and_notify", res, "topic", topic)
	} else {
		res = api.Dispatcher.SendToTopic(r.Context(), payload, topic)
		api.logCall(r, "send_to_topic", res, "topic", topic)
	}
	writeResult(w, res)
}

func (api *DispatchAPI) GetTopic(w http.ResponseWriter, r *http.Request) {
	topic, ok := api.topicName(w, r)
	if !ok {
		return
	}

	rec, res := api.Dispatcher.Topic(r.Context(), topic)
	if !res.Success {
		writeResult(w, res)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (api *DispatchAPI) DeleteTopic(w http.ResponseWriter, r *http.Request) {
	topic, ok := api.topicName(w, r)
	if !ok {
		return
	}

	res := api.Dispatcher.DeleteTopic(r.Context(), topic)
	api.logCall(r, "delete_topic", res, "topic", topic)
	writeResult(w, res)
}

// --- Helpers ---

func (api *DispatchAPI) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dest); err != nil {
		api.Logger.Warn("Request decode failed", "path", r.URL.Path, "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	if err := api.validate.Struct(dest); err != nil {
		api.Logger.Warn("Request validation failed", "path", r.URL.Path, "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func (api *DispatchAPI) topicName(w http.ResponseWriter, r *http.Request) (string, bool) {
	topic := r.PathValue("topic")
	if err := api.validate.Var(topic, "required,max=900"); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid topic name")
		return "", false
	}
	return topic, true
}

func (api *DispatchAPI) logCall(r *http.Request, op string, res dispatch.Result, attrs ...any) {
	attrs = append(attrs, "caller", caller(r), "op", op, "success", res.Success)
	if res.Success {
		api.Logger.Info("Request served", attrs...)
		return
	}
	api.Logger.Warn("Request failed", append(attrs, "kind", res.Kind)...)
}

func caller(r *http.Request) string {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		return "anonymous"
	}
	return userID
}

// StatusFor maps a result onto an HTTP status.
func StatusFor(res dispatch.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Kind {
	case dispatch.KindValidation:
		return http.StatusBadRequest
	case dispatch.KindNotFound:
		return http.StatusNotFound
	case dispatch.KindTopicInactive:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeResult(w http.ResponseWriter, res dispatch.Result) {
	writeJSON(w, StatusFor(res), res)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
