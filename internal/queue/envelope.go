package queue

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/common/id"
)

// MessageType discriminates the envelope payload.
type MessageType string

const (
	MessageTypeInboundTrackerEvent    MessageType = "inbound_tracker_event"
	MessageTypeOutboundChatSubmission MessageType = "outbound_chat_submission"
	MessageTypeSyncToChat             MessageType = "sync_to_chat"
	MessageTypeSyncToTracker          MessageType = "sync_to_tracker"
)

// MessageTypes lists every envelope type the relay produces and consumes.
func MessageTypes() []MessageType {
	return []MessageType{
		MessageTypeInboundTrackerEvent,
		MessageTypeOutboundChatSubmission,
		MessageTypeSyncToChat,
		MessageTypeSyncToTracker,
	}
}

// Envelope is the unit placed on a queue. MessageID and CreatedAt are assigned by Build and
// never supplied by callers.
type Envelope struct {
	MessageID    string          `json:"messageId"`
	Type         MessageType     `json:"type"`
	TenantID     string          `json:"tenantId"`
	CreatedAt    time.Time       `json:"createdAt"`
	AttemptCount int             `json:"attemptCount,omitempty"`
	Payload      json.RawMessage `json:"payload"`
}

// Draft is everything a producer decides about an envelope.
type Draft struct {
	TenantID string
	Payload  Payload
}

// Validation failures. The texts are part of the dead-letter contract.
var (
	ErrMissingMessageID   = errors.New("Missing messageId")      //nolint:stylecheck
	ErrMissingMessageType = errors.New("Missing message type")   //nolint:stylecheck
	ErrMissingTenantID    = errors.New("Missing tenantId")       //nolint:stylecheck
	ErrMalformedBody      = errors.New("malformed body")
	ErrInvalidBodyType    = errors.New("invalid message body type")
)

// Build stamps a fresh message id and creation time onto d. Every call yields a new id,
// so retried publishes of the same Draft are distinct messages.
func Build(d Draft) (Envelope, error) {
	if d.TenantID == "" {
		return Envelope{}, ErrMissingTenantID
	}
	if d.Payload == nil {
		return Envelope{}, errors.New("draft has no payload")
	}
	if err := d.Payload.validate(); err != nil {
		return Envelope{}, errors.Wrapf(err, "building %s envelope", d.Payload.MessageType())
	}

	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "encoding payload")
	}

	return Envelope{
		MessageID: id.NewMessageID(),
		Type:      d.Payload.MessageType(),
		TenantID:  d.TenantID,
		CreatedAt: time.Now().UTC(),
		Payload:   payload,
	}, nil
}

// Validate checks the envelope header of raw before any payload is looked at.
// raw may be JSON text ([]byte, json.RawMessage, string), a decoded map, or an Envelope.
// Missing fields are reported in a fixed order: messageId, type, tenantId.
func Validate(raw any) (Envelope, error) {
	switch v := raw.(type) {
	case []byte:
		return validateText(v)
	case json.RawMessage:
		return validateText(v)
	case string:
		return validateText([]byte(v))
	case map[string]any:
		return validateMap(v)
	case Envelope:
		return validateEnvelope(v)
	case *Envelope:
		if v == nil {
			return Envelope{}, ErrInvalidBodyType
		}
		return validateEnvelope(*v)
	default:
		return Envelope{}, ErrInvalidBodyType
	}
}

// IsValidationError reports whether err came from Validate.
func IsValidationError(err error) bool {
	return errors.IsAny(err,
		ErrMissingMessageID,
		ErrMissingMessageType,
		ErrMissingTenantID,
		ErrMalformedBody,
		ErrInvalidBodyType,
	)
}

func validateText(b []byte) (Envelope, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return Envelope{}, ErrMalformedBody
	}
	if dec.More() {
		return Envelope{}, ErrMalformedBody
	}

	m, ok := decoded.(map[string]any)
	if !ok {
		return Envelope{}, ErrInvalidBodyType
	}
	return validateMap(m)
}

func validateMap(m map[string]any) (Envelope, error) {
	messageID, _ := m["messageId"].(string)
	if messageID == "" {
		return Envelope{}, ErrMissingMessageID
	}
	msgType, _ := m["type"].(string)
	if msgType == "" {
		return Envelope{}, ErrMissingMessageType
	}
	tenantID, _ := m["tenantId"].(string)
	if tenantID == "" {
		return Envelope{}, ErrMissingTenantID
	}

	env := Envelope{
		MessageID: messageID,
		Type:      MessageType(msgType),
		TenantID:  tenantID,
	}

	if s, ok := m["createdAt"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			env.CreatedAt = t
		}
	}

	switch n := m["attemptCount"].(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			env.AttemptCount = int(i)
		}
	case float64:
		env.AttemptCount = int(n)
	case int:
		env.AttemptCount = n
	}

	if p, ok := m["payload"]; ok && p != nil {
		payload, err := json.Marshal(p)
		if err != nil {
			return Envelope{}, ErrMalformedBody
		}
		env.Payload = payload
	}

	return env, nil
}

func validateEnvelope(e Envelope) (Envelope, error) {
	switch {
	case e.MessageID == "":
		return Envelope{}, ErrMissingMessageID
	case e.Type == "":
		return Envelope{}, ErrMissingMessageType
	case e.TenantID == "":
		return Envelope{}, ErrMissingTenantID
	}
	return e, nil
}
