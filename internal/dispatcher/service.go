// Package dispatcher is the orchestration layer over the FCM transports and
// the topic store. Every operation returns a tagged dispatch.Result.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tinywideclouds/go-dispatch-service/pkg/dispatch"
)

const (
	DefaultTitle = "Default Title"
	DefaultBody  = "Default Body"

	defaultBatchWorkers = 8
)

// Operation names carried by dispatch events.
const (
	OpSend               = "send"
	OpSendToTopic        = "send_to_topic"
	OpSubscribe          = "subscribe"
	OpUnsubscribe        = "unsubscribe"
	OpSubscribeAndNotify = "subscribe_and_notify"
	OpDeleteTopic        = "delete_topic"
)

type Config struct {
	// DefaultProtocol is used when a payload does not name one.
	DefaultProtocol dispatch.Protocol
	// BatchWorkers bounds the parallelism of SendBatch.
	BatchWorkers int
}

type Service struct {
	cfg        Config
	transports map[dispatch.Protocol]dispatch.Transport
	topics     dispatch.TopicStore
	events     dispatch.EventPublisher
	logger     *slog.Logger
}

// NewService wires the façade. events may be nil.
func NewService(
	cfg Config,
	transports []dispatch.Transport,
	topics dispatch.TopicStore,
	events dispatch.EventPublisher,
	logger *slog.Logger,
) (*Service, error) {
	if topics == nil {
		return nil, errors.New("topic store is required")
	}
	if cfg.BatchWorkers <= 0 {
		cfg.BatchWorkers = defaultBatchWorkers
	}

	byProtocol := make(map[dispatch.Protocol]dispatch.Transport, len(transports))
	for _, t := range transports {
		byProtocol[t.Protocol()] = t
	}
	if _, ok := byProtocol[cfg.DefaultProtocol]; !ok {
		return nil, fmt.Errorf("no transport configured for default protocol %q", cfg.DefaultProtocol)
	}

	return &Service{
		cfg:        cfg,
		transports: byProtocol,
		topics:     topics,
		events:     events,
		logger:     logger.With("component", "DispatchService"),
	}, nil
}

// Send routes one payload to its protocol's transport. Topic targets go
// through the same gate as SendToTopic.
func (s *Service) Send(ctx context.Context, payload dispatch.NotificationPayload) dispatch.Result {
	if payload.Target.Kind == dispatch.TargetTopic {
		res := s.sendToTopic(ctx, payload, payload.Target.Topic)
		s.publish(ctx, OpSend, payload.Target.Kind, payload.Target.Topic, res)
		return res
	}

	res := s.send(ctx, payload)
	s.publish(ctx, OpSend, payload.Target.Kind, "", res)
	return res
}

func (s *Service) send(ctx context.Context, payload dispatch.NotificationPayload) dispatch.Result {
	transport, res, ok := s.transportFor(payload.Protocol)
	if !ok {
		return res
	}
	if res, ok := validateContent(payload); !ok {
		return s.tag(res, transport)
	}
	recipients := payload.Target.Recipients()
	if len(recipients) == 0 {
		return s.tag(dispatch.Failure(dispatch.KindValidation, "no recipients"), transport)
	}
	if i := payload.Target.BlankRecipient(); i >= 0 {
		return s.tag(dispatch.Failure(dispatch.KindValidation, "registration token %d is empty", i), transport)
	}

	res = s.tag(transport.SendToTokens(ctx, payload, recipients), transport)
	s.logResult("Dispatched to tokens", res, "recipients", len(recipients))
	return res
}

// SendBatch dispatches independent payloads in parallel and returns one
// result per input, in input order. Missing title or body get a default;
// items without recipients get a ValidationError and are not dispatched.
func (s *Service) SendBatch(ctx context.Context, payloads []dispatch.NotificationPayload) []dispatch.Result {
	results := make([]dispatch.Result, len(payloads))

	var g errgroup.Group
	g.SetLimit(s.cfg.BatchWorkers)
	for i, payload := range payloads {
		if payload.Title == "" {
			payload.Title = DefaultTitle
		}
		if payload.Body == "" {
			payload.Body = DefaultBody
		}
		if payload.Target.Empty() {
			results[i] = dispatch.Failure(dispatch.KindValidation, "batch item %d has no recipients", i)
			s.logger.Warn("Skipping batch item without recipients", "index", i)
			continue
		}
		g.Go(func() error {
			results[i] = s.Send(ctx, payload)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// SendToTopic refuses, without any network call, to send to a topic that is
// missing or soft-deleted.
func (s *Service) SendToTopic(ctx context.Context, payload dispatch.NotificationPayload, topic string) dispatch.Result {
	res := s.sendToTopic(ctx, payload, topic)
	s.publish(ctx, OpSendToTopic, dispatch.TargetTopic, topic, res)
	return res
}

func (s *Service) sendToTopic(ctx context.Context, payload dispatch.NotificationPayload, topic string) dispatch.Result {
	transport, res, ok := s.transportFor(payload.Protocol)
	if !ok {
		return res
	}
	if topic == "" {
		return s.tag(dispatch.Failure(dispatch.KindValidation, "topic name is empty"), transport)
	}
	if res, ok := validateContent(payload); !ok {
		return s.tag(res, transport)
	}

	active, err := s.topics.IsActive(ctx, topic)
	if err != nil {
		s.logger.Error("Topic store lookup failed", "topic", topic, "err", err)
		return s.tag(dispatch.Failure(dispatch.KindBackend, "topic store lookup failed: %v", err), transport)
	}
	if !active {
		s.logger.Warn("Refusing send to inactive topic", "topic", topic)
		return s.tag(dispatch.Failure(dispatch.KindTopicInactive, "topic %q is not active", topic), transport)
	}

	res = s.tag(transport.SendToTopic(ctx, payload, topic), transport)
	s.logResult("Dispatched to topic", res, "topic", topic)
	return res
}

// Subscribe adds tokens to a topic and, on success, records the topic as
// active. Subscribing reactivates a soft-deleted topic.
func (s *Service) Subscribe(ctx context.Context, topic string, tokens []string) dispatch.Result {
	res := s.subscribe(ctx, s.transports[s.cfg.DefaultProtocol], topic, tokens)
	s.publish(ctx, OpSubscribe, dispatch.TargetTopic, topic, res)
	return res
}

func (s *Service) subscribe(ctx context.Context, transport dispatch.Transport, topic string, tokens []string) dispatch.Result {
	res := s.tag(transport.Subscribe(ctx, topic, tokens), transport)
	if !res.Success {
		s.logResult("Topic subscribe failed", res, "topic", topic)
		return res
	}

	if err := s.topics.EnsureActive(ctx, topic); err != nil {
		s.logger.Error("Subscribed but failed to record topic", "topic", topic, "err", err)
		failed := dispatch.Failure(dispatch.KindBackend, "subscribed but topic record update failed: %v", err)
		failed.Response = res.Response
		failed.SuccessCount = res.SuccessCount
		return s.tag(failed, transport)
	}
	s.logger.Info("Tokens subscribed", "topic", topic, "count", res.SuccessCount)
	return res
}

// Unsubscribe removes tokens from a topic. The topic record is unchanged.
func (s *Service) Unsubscribe(ctx context.Context, topic string, tokens []string) dispatch.Result {
	transport := s.transports[s.cfg.DefaultProtocol]
	res := s.tag(transport.Unsubscribe(ctx, topic, tokens), transport)
	s.logResult("Tokens unsubscribed", res, "topic", topic)
	s.publish(ctx, OpUnsubscribe, dispatch.TargetTopic, topic, res)
	return res
}

// SubscribeAndNotify subscribes the tokens and only then sends to the topic.
// A failed subscribe is reported as a BackendError and nothing is sent.
func (s *Service) SubscribeAndNotify(ctx context.Context, payload dispatch.NotificationPayload, topic string, tokens []string) dispatch.Result {
	res := s.subscribeAndNotify(ctx, payload, topic, tokens)
	s.publish(ctx, OpSubscribeAndNotify, dispatch.TargetTopic, topic, res)
	return res
}

func (s *Service) subscribeAndNotify(ctx context.Context, payload dispatch.NotificationPayload, topic string, tokens []string) dispatch.Result {
	transport, res, ok := s.transportFor(payload.Protocol)
	if !ok {
		return res
	}
	if res, ok := validateContent(payload); !ok {
		return s.tag(res, transport)
	}

	sub := s.subscribe(ctx, transport, topic, tokens)
	if !sub.Success {
		failed := sub
		if failed.Kind != dispatch.KindValidation {
			failed.Kind = dispatch.KindBackend
		}
		failed.Message = "subscribe failed, notification not sent: " + sub.Message
		return failed
	}
	return s.sendToTopic(ctx, payload, topic)
}

// DeleteTopic soft-deletes a topic. An unknown topic is a NotFoundError.
func (s *Service) DeleteTopic(ctx context.Context, name string) dispatch.Result {
	res := s.deleteTopic(ctx, name)
	s.publish(ctx, OpDeleteTopic, dispatch.TargetTopic, name, res)
	return res
}

func (s *Service) deleteTopic(ctx context.Context, name string) dispatch.Result {
	if name == "" {
		return dispatch.Failure(dispatch.KindValidation, "topic name is empty")
	}
	err := s.topics.MarkDeleted(ctx, name)
	switch {
	case errors.Is(err, dispatch.ErrTopicNotFound):
		s.logger.Warn("Delete of unknown topic", "topic", name)
		return dispatch.Failure(dispatch.KindNotFound, "topic %q not found", name)
	case err != nil:
		s.logger.Error("Topic delete failed", "topic", name, "err", err)
		return dispatch.Failure(dispatch.KindBackend, "topic delete failed: %v", err)
	}
	s.logger.Info("Topic soft-deleted", "topic", name)
	return dispatch.Result{Success: true}
}

// Topic returns the stored record of a topic.
func (s *Service) Topic(ctx context.Context, name string) (dispatch.TopicRecord, dispatch.Result) {
	rec, err := s.topics.Get(ctx, name)
	switch {
	case errors.Is(err, dispatch.ErrTopicNotFound):
		return dispatch.TopicRecord{}, dispatch.Failure(dispatch.KindNotFound, "topic %q not found", name)
	case err != nil:
		s.logger.Error("Topic lookup failed", "topic", name, "err", err)
		return dispatch.TopicRecord{}, dispatch.Failure(dispatch.KindBackend, "topic lookup failed: %v", err)
	}
	return rec, dispatch.Result{Success: true}
}

// --- Helpers ---

func (s *Service) transportFor(p dispatch.Protocol) (dispatch.Transport, dispatch.Result, bool) {
	if p == "" {
		p = s.cfg.DefaultProtocol
	}
	t, ok := s.transports[p]
	if !ok {
		return nil, dispatch.Failure(dispatch.KindValidation, "protocol %q is not configured", p), false
	}
	return t, dispatch.Result{}, true
}

func (s *Service) tag(res dispatch.Result, t dispatch.Transport) dispatch.Result {
	res.Protocol = t.Protocol()
	return res
}

func (s *Service) logResult(msg string, res dispatch.Result, attrs ...any) {
	attrs = append(attrs, "protocol", res.Protocol, "success", res.SuccessCount, "failure", res.FailureCount)
	if res.Success {
		s.logger.Info(msg, attrs...)
		return
	}
	attrs = append(attrs, "kind", res.Kind, "message", res.Message)
	s.logger.Warn(msg, attrs...)
}

// publish never fails the operation; a lost event is only logged.
func (s *Service) publish(ctx context.Context, op string, kind dispatch.TargetKind, topic string, res dispatch.Result) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, dispatch.Event{
		Operation:    op,
		Protocol:     res.Protocol,
		Target:       kind.String(),
		Topic:        topic,
		Success:      res.Success,
		Kind:         res.Kind,
		SuccessCount: res.SuccessCount,
		FailureCount: res.FailureCount,
	})
	if err != nil {
		s.logger.Warn("Failed to publish dispatch event", "operation", op, "err", err)
	}
}

func validateContent(payload dispatch.NotificationPayload) (dispatch.Result, bool) {
	if payload.Title == "" || payload.Body == "" {
		return dispatch.Failure(dispatch.KindValidation, "notification title and body are required"), false
	}
	return dispatch.Result{}, true
}
