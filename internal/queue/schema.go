package queue

import (
	"github.com/invopop/jsonschema"
)

// Schemas returns the JSON schema of each payload variant keyed by message type.
func Schemas() map[MessageType]*jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
	}

	out := make(map[MessageType]*jsonschema.Schema, len(MessageTypes()))
	for _, t := range MessageTypes() {
		var p Payload
		switch t {
		case MessageTypeInboundTrackerEvent:
			p = &InboundTrackerEventPayload{}
		case MessageTypeOutboundChatSubmission:
			p = &ChatSubmissionPayload{}
		case MessageTypeSyncToChat:
			p = &SyncToChatPayload{}
		case MessageTypeSyncToTracker:
			p = &SyncToTrackerPayload{}
		}
		out[t] = r.Reflect(p)
	}
	return out
}

// EnvelopeSchema describes the envelope header shared by every message.
func EnvelopeSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{DoNotReference: true}
	return r.Reflect(&Envelope{})
}
