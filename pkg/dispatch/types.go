// Package dispatch contains the public contracts and domain model of the
// push dispatch service.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrTopicNotFound is returned by a TopicStore when no record exists for a name.
var ErrTopicNotFound = errors.New("topic not found")

// Protocol selects the FCM API generation used for a dispatch.
type Protocol string

const (
	ProtocolLegacy Protocol = "legacy"
	ProtocolV1     Protocol = "v1"
	ProtocolAdmin  Protocol = "admin"
)

// ParseProtocol maps a configuration value onto a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(s); p {
	case ProtocolLegacy, ProtocolV1, ProtocolAdmin:
		return p, nil
	default:
		return "", fmt.Errorf("unknown protocol %q (want legacy, v1 or admin)", s)
	}
}

// ErrorKind classifies a failed Result.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindValidation    ErrorKind = "validation_error"
	KindCredential    ErrorKind = "credential_error"
	KindBackend       ErrorKind = "backend_error"
	KindTopicInactive ErrorKind = "topic_inactive_error"
	KindNotFound      ErrorKind = "not_found_error"
)

// TargetKind says which field of a Target is populated.
type TargetKind int

const (
	TargetNone TargetKind = iota
	TargetToken
	TargetTokens
	TargetTopic
)

func (k TargetKind) String() string {
	switch k {
	case TargetToken:
		return "token"
	case TargetTokens:
		return "tokens"
	case TargetTopic:
		return "topic"
	default:
		return "none"
	}
}

// Target addresses a single device, an ordered token list or a topic.
type Target struct {
	Kind   TargetKind
	Token  string
	Tokens []string
	Topic  string
}

func ToToken(token string) Target { return Target{Kind: TargetToken, Token: token} }

func ToTokens(tokens ...string) Target { return Target{Kind: TargetTokens, Tokens: tokens} }

func ToTopic(name string) Target { return Target{Kind: TargetTopic, Topic: name} }

// Recipients returns the device tokens addressed by the target, in order and
// unfiltered. Topic targets have no device recipients.
func (t Target) Recipients() []string {
	switch t.Kind {
	case TargetToken:
		if t.Token == "" {
			return nil
		}
		return []string{t.Token}
	case TargetTokens:
		return append([]string(nil), t.Tokens...)
	default:
		return nil
	}
}

// BlankRecipient returns the index of the first empty token, or -1.
func (t Target) BlankRecipient() int {
	for i, tok := range t.Recipients() {
		if tok == "" {
			return i
		}
	}
	return -1
}

// Empty reports whether the target addresses nobody.
func (t Target) Empty() bool {
	if t.Kind == TargetTopic {
		return t.Topic == ""
	}
	return len(t.Recipients()) == 0
}

// NotificationPayload is one message to deliver.
type NotificationPayload struct {
	Title string
	Body  string
	// Data is optional. Nil and empty maps are both sent as an empty object.
	Data   map[string]string
	Target Target
	// Protocol overrides the configured default when set.
	Protocol Protocol
}

// TopicRecord is the persisted lifecycle state of a topic.
type TopicRecord struct {
	Name      string    `json:"name"`
	IsDeleted bool      `json:"is_deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Result is the normalized outcome of one dispatch operation.
type Result struct {
	Success  bool      `json:"success"`
	Kind     ErrorKind `json:"error_kind,omitempty"`
	Message  string    `json:"message,omitempty"`
	Protocol Protocol  `json:"protocol,omitempty"`

	// Response is the backend's JSON body, unchanged.
	Response json.RawMessage `json:"response,omitempty"`
	// RawBody holds a backend body that was not valid JSON.
	RawBody string `json:"raw_body,omitempty"`

	SuccessCount int      `json:"success_count"`
	FailureCount int      `json:"failure_count"`
	FailedTokens []string `json:"failed_tokens,omitempty"`
}

// Failure builds a failed Result of the given kind.
func Failure(kind ErrorKind, format string, args ...any) Result {
	return Result{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Err converts a failed Result into an error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	if r.Message == "" {
		return fmt.Errorf("%s", r.Kind)
	}
	return fmt.Errorf("%s: %s", r.Kind, r.Message)
}

// Event summarizes a dispatch outcome for downstream consumers. It carries no
// tokens and no notification text.
type Event struct {
	ID           string    `json:"id"`
	Operation    string    `json:"operation"`
	Protocol     Protocol  `json:"protocol,omitempty"`
	Target       string    `json:"target"`
	Topic        string    `json:"topic,omitempty"`
	Success      bool      `json:"success"`
	Kind         ErrorKind `json:"error_kind,omitempty"`
	SuccessCount int       `json:"success_count"`
	FailureCount int       `json:"failure_count"`
	OccurredAt   time.Time `json:"occurred_at"`
}
