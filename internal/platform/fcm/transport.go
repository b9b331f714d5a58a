// Package fcm sends through the Firebase Admin SDK messaging client.
package fcm

import (
	"context"
	"encoding/json"
	"log/slog"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-dispatch-service/internal/platform/fcmhttp"
	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

// multicastLimit is the token limit of SendEachForMulticast.
const multicastLimit = 500

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
	SubscribeToTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
	UnsubscribeFromTopic(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)
}

type Transport struct {
	client MessagingClient
	logger *slog.Logger
}

func NewTransport(client MessagingClient, logger *slog.Logger) *Transport {
	return &Transport{
		client: client,
		logger: logger.With("component", "AdminTransport"),
	}
}

func (t *Transport) Protocol() dispatch.Protocol { return dispatch.ProtocolAdmin }

type sendReply struct {
	Name string `json:"name"`
}

type multicastReply struct {
	Success int             `json:"success"`
	Failure int             `json:"failure"`
	Results []multicastItem `json:"results"`
}

type multicastItem struct {
	MessageID string `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

type membershipReply struct {
	Success int                `json:"success"`
	Failure int                `json:"failure"`
	Errors  []membershipErrors `json:"errors,omitempty"`
}

type membershipErrors struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

func (t *Transport) SendToTokens(ctx context.Context, payload dispatch.NotificationPayload, tokens []string) dispatch.Result {
	if len(tokens) == 0 {
		return dispatch.Failure(dispatch.KindValidation, "no registration tokens")
	}

	agg := fcmhttp.NewAggregate()
	for _, batch := range fcmhttp.Chunk(tokens, multicastLimit) {
		br, err := t.client.SendEachForMulticast(ctx, &messaging.MulticastMessage{
			Tokens:       batch,
			Data:         fcmhttp.DataObject(payload.Data),
			Notification: notification(payload),
		})
		if err != nil {
			t.logger.Error("Multicast rejected", "tokens", len(batch), "err", err)
			agg.FailAll(batch, failureFor(err))
			continue
		}

		reply := multicastReply{Success: br.SuccessCount, Failure: br.FailureCount}
		for idx, token := range batch {
			if idx >= len(br.Responses) || br.Responses[idx] == nil {
				agg.Failed(token)
				reply.Results = append(reply.Results, multicastItem{Error: "missing response"})
				continue
			}
			resp := br.Responses[idx]
			if resp.Success {
				agg.Delivered()
				reply.Results = append(reply.Results, multicastItem{MessageID: resp.MessageID})
				continue
			}
			if messaging.IsRegistrationTokenNotRegistered(resp.Error) {
				t.logger.Info("Token no longer registered", "token", fcmhttp.Redact(token))
			}
			agg.Failed(token)
			reply.Results = append(reply.Results, multicastItem{Error: errorText(resp.Error)})
		}
		agg.Record(encode(reply))
	}

	res := agg.Result()
	t.logger.Info("Admin multicast dispatched", "tokens", len(tokens), "success", res.SuccessCount, "failure", res.FailureCount)
	return res
}

func (t *Transport) SendToTopic(ctx context.Context, payload dispatch.NotificationPayload, topic string) dispatch.Result {
	if topic == "" {
		return dispatch.Failure(dispatch.KindValidation, "topic name is empty")
	}

	id, err := t.client.Send(ctx, &messaging.Message{
		Topic:        topic,
		Data:         fcmhttp.DataObject(payload.Data),
		Notification: notification(payload),
	})
	if err != nil {
		t.logger.Error("Topic send rejected", "topic", topic, "err", err)
		return failureFor(err)
	}

	t.logger.Info("Admin topic message dispatched", "topic", topic)
	return dispatch.Result{Success: true, Response: encode(sendReply{Name: id}), SuccessCount: 1}
}

func (t *Transport) Subscribe(ctx context.Context, topic string, tokens []string) dispatch.Result {
	return t.membership(ctx, "subscribe", t.client.SubscribeToTopic, topic, tokens)
}

func (t *Transport) Unsubscribe(ctx context.Context, topic string, tokens []string) dispatch.Result {
	return t.membership(ctx, "unsubscribe", t.client.UnsubscribeFromTopic, topic, tokens)
}

type membershipFunc func(ctx context.Context, tokens []string, topic string) (*messaging.TopicManagementResponse, error)

func (t *Transport) membership(ctx context.Context, op string, call membershipFunc, topic string, tokens []string) dispatch.Result {
	if len(tokens) == 0 {
		return dispatch.Failure(dispatch.KindValidation, "no registration tokens")
	}
	if topic == "" {
		return dispatch.Failure(dispatch.KindValidation, "topic name is empty")
	}

	agg := fcmhttp.NewAggregate()
	for _, batch := range fcmhttp.Chunk(tokens, fcmhttp.MembershipBatchSize) {
		resp, err := call(ctx, batch, topic)
		if err != nil {
			t.logger.Error("Topic membership call failed", "op", op, "topic", topic, "err", err)
			agg.FailAll(batch, failureFor(err))
			continue
		}

		failed := make(map[int]bool, len(resp.Errors))
		reply := membershipReply{Success: resp.SuccessCount, Failure: resp.FailureCount}
		for _, e := range resp.Errors {
			failed[e.Index] = true
			reply.Errors = append(reply.Errors, membershipErrors{Index: e.Index, Reason: e.Reason})
		}
		for idx, token := range batch {
			if failed[idx] {
				agg.Failed(token)
				continue
			}
			agg.Delivered()
		}
		agg.Record(encode(reply))
	}

	res := agg.Result()
	t.logger.Info("Admin topic membership updated", "op", op, "topic", topic, "success", res.SuccessCount, "failure", res.FailureCount)
	return res
}

func notification(payload dispatch.NotificationPayload) *messaging.Notification {
	return &messaging.Notification{Title: payload.Title, Body: payload.Body}
}

// failureFor classifies an SDK error. Anything FCM answered is a backend
// failure; local checks happen before the SDK is called.
func failureFor(err error) dispatch.Result {
	if messaging.IsInvalidArgument(err) {
		return dispatch.Failure(dispatch.KindBackend, "fcm rejected message as invalid argument: %v", err)
	}
	return dispatch.Failure(dispatch.KindBackend, "fcm request failed: %v", err)
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func encode(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
