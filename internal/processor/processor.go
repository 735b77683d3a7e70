// Package processor applies queued envelopes: tracker events become chat threads, chat
// submissions become tracker issues, and sync messages are replayed on the other side.
package processor

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/common/logger"
	"basegraph.app/syncrelay/internal/chat"
	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/queue"
	"basegraph.app/syncrelay/internal/store"
	"basegraph.app/syncrelay/internal/tenant"
	"basegraph.app/syncrelay/internal/tracker"
)

var (
	// ErrInvalidEnvelope marks deliveries whose envelope or payload can never be applied.
	ErrInvalidEnvelope = errors.New("invalid envelope")
	// ErrRejected marks deliveries that need operator action (missing tenant, channel
	// binding or credentials) before they can succeed.
	ErrRejected = errors.New("rejected")
)

type Config struct {
	// SyncQueue receives the sync_to_chat confirmations produced by submissions.
	SyncQueue string
}

type Processor struct {
	stores    store.Provider
	txRunner  store.TxRunner
	tenants   tenant.Resolver
	tracker   tracker.Client
	chat      chat.Notifier
	publisher queue.Publisher
	cfg       Config
}

func New(
	stores store.Provider,
	txRunner store.TxRunner,
	tenants tenant.Resolver,
	trackerClient tracker.Client,
	notifier chat.Notifier,
	publisher queue.Publisher,
	cfg Config,
) *Processor {
	return &Processor{
		stores:    stores,
		txRunner:  txRunner,
		tenants:   tenants,
		tracker:   trackerClient,
		chat:      notifier,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Process applies one delivery body. A nil return means the delivery can be acknowledged,
// including when it was deliberately ignored. Errors marked ErrInvalidEnvelope or
// ErrRejected are terminal; anything else is worth retrying.
func (p *Processor) Process(ctx context.Context, body []byte) error {
	env, err := queue.Validate(body)
	if err != nil {
		return errors.Mark(err, ErrInvalidEnvelope)
	}

	envType := string(env.Type)
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		TenantID:     &env.TenantID,
		MessageID:    &env.MessageID,
		EnvelopeType: &envType,
	})

	payload, err := queue.DecodePayload(env)
	if errors.Is(err, queue.ErrUnknownMessageType) {
		slog.WarnContext(ctx, "ignoring envelope with unknown type")
		return nil
	}
	if err != nil {
		return errors.Mark(err, ErrInvalidEnvelope)
	}

	t, err := p.resolveTenant(ctx, env)
	if err != nil {
		if errors.IsAny(err, tenant.ErrTenantNotFound, tenant.ErrTenantInactive) {
			return errors.Mark(err, ErrRejected)
		}
		return errors.Wrap(err, "resolving tenant")
	}

	switch env.Type {
	case queue.MessageTypeInboundTrackerEvent:
		return p.handleTrackerEvent(ctx, t, env, payload.(*queue.InboundTrackerEventPayload))
	case queue.MessageTypeOutboundChatSubmission:
		return p.handleSubmission(ctx, t, payload.(*queue.ChatSubmissionPayload))
	case queue.MessageTypeSyncToChat:
		return p.handleSyncToChat(ctx, t, env, payload.(*queue.SyncToChatPayload))
	case queue.MessageTypeSyncToTracker:
		return p.handleSyncToTracker(ctx, t, env, payload.(*queue.SyncToTrackerPayload))
	}
	return nil
}

// resolveTenant maps the envelope tenantId to a tenant. Tracker events are keyed by the
// tracker organization that sent them; everything produced internally carries the tenant id.
func (p *Processor) resolveTenant(ctx context.Context, env queue.Envelope) (*model.TenantConfig, error) {
	if env.Type == queue.MessageTypeInboundTrackerEvent {
		return p.tenants.Resolve(ctx, env.TenantID)
	}
	return p.tenants.ResolveByID(ctx, env.TenantID)
}

// TerminalReason reports the dead-letter reason for a terminal error, or false when err
// should be retried.
func TerminalReason(err error) (queue.DeadLetterReason, bool) {
	switch {
	case errors.Is(err, ErrInvalidEnvelope):
		return queue.DeadLetterReasonInvalidEnvelope, true
	case errors.Is(err, ErrRejected):
		return queue.DeadLetterReasonRejected, true
	default:
		return "", false
	}
}

func rejectf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrRejected)
}

func invalidf(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidEnvelope)
}

// classifyRemote turns downstream credential failures into rejections.
func classifyRemote(err error, op string) error {
	if errors.IsAny(err, tracker.ErrUnauthorized, chat.ErrUnauthorized) {
		return errors.Mark(errors.Wrap(err, op), ErrRejected)
	}
	return errors.Wrap(err, op)
}

func ignore(ctx context.Context, reason string, args ...any) error {
	slog.InfoContext(ctx, "ignoring envelope: "+reason, args...)
	return nil
}

func (p *Processor) channel(ctx context.Context, tenantID string, id int64) (*model.ChannelConfig, error) {
	ch, err := p.stores.ChannelConfigs().GetByID(ctx, tenantID, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, rejectf("channel config %d not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "loading channel config")
	}
	if ch.ChatServiceURL == "" {
		return nil, rejectf("channel config %d has no chat service url", id)
	}
	return ch, nil
}

// deliverOnce performs send unless key was already delivered for the tenant, then records
// it. A crash between send and record repeats the side effect on redelivery.
func (p *Processor) deliverOnce(ctx context.Context, tenantID string, mappingID int64, key string, send func(context.Context) error) error {
	done, err := p.stores.SyncDeliveries().Exists(ctx, tenantID, key)
	if err != nil {
		return errors.Wrap(err, "checking delivery")
	}
	if done {
		slog.DebugContext(ctx, "delivery already recorded", "delivery_key", key)
		return nil
	}

	if err := send(ctx); err != nil {
		return err
	}

	if _, err := p.stores.SyncDeliveries().Record(ctx, &model.SyncDelivery{
		TenantID:      tenantID,
		DeliveryKey:   key,
		SyncMappingID: mappingID,
	}); err != nil {
		return errors.Wrap(err, "recording delivery")
	}
	return nil
}

func threadTarget(ch *model.ChannelConfig, m *model.SyncMapping) chat.ThreadTarget {
	return chat.ThreadTarget{
		ServiceURL:     ch.ChatServiceURL,
		ConversationID: m.ChatConversationID,
		RootMessageID:  m.ChatMessageID,
	}
}

func withMapping(ctx context.Context, m *model.SyncMapping) context.Context {
	fields := logger.LogFields{SyncMappingID: &m.ID}
	if m.TrackerIssueID != "" {
		fields.TrackerIssueID = &m.TrackerIssueID
	}
	return logger.WithLogFields(ctx, fields)
}
