package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment so that tenant and envelope context is
// included in every log statement without threading it through call sites.
type LogFields struct {
	TenantID       *string // Internal tenant ID
	MessageID      *string // Envelope message ID
	DeliveryID     *string // Broker delivery ID (stream entry / delivery tag)
	EnvelopeType   *string // Envelope type (e.g., "inbound_tracker_event")
	Queue          *string // Queue name
	TrackerIssueID *string // Tracker issue ID
	SyncMappingID  *int64  // Sync mapping ID
	Component      string  // Component name (e.g., "syncrelay.worker.processor")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.TenantID != nil {
		result.TenantID = new.TenantID
	}
	if new.MessageID != nil {
		result.MessageID = new.MessageID
	}
	if new.DeliveryID != nil {
		result.DeliveryID = new.DeliveryID
	}
	if new.EnvelopeType != nil {
		result.EnvelopeType = new.EnvelopeType
	}
	if new.Queue != nil {
		result.Queue = new.Queue
	}
	if new.TrackerIssueID != nil {
		result.TrackerIssueID = new.TrackerIssueID
	}
	if new.SyncMappingID != nil {
		result.SyncMappingID = new.SyncMappingID
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{TenantID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
