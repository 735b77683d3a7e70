package service

import (
	"context"
	"log/slog"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/common/logger"
	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/queue"
	"basegraph.app/syncrelay/internal/tenant"
	"basegraph.app/syncrelay/internal/webhook"
)

var (
	ErrMissingSignature = errors.New("missing signature")
	// ErrSecretUnavailable means the webhook cannot be authenticated because the tenant
	// or its signing secret is not usable. Operators have to fix it.
	ErrSecretUnavailable = errors.New("webhook secret unavailable")
	// ErrOrganizationMismatch means a correctly signed payload names a different organization
	// than the endpoint it was delivered to.
	ErrOrganizationMismatch = errors.New("organization does not match endpoint")
	ErrEnqueueFailed        = errors.New("failed to enqueue webhook event")
)

type WebhookIngestResult struct {
	MessageID string
	Event     *model.WebhookEvent
}

type WebhookIngestService interface {
	// Ingest authenticates a tracker webhook delivered for orgID and enqueues it. Parse
	// failures come back as the webhook package sentinels.
	Ingest(ctx context.Context, orgID string, body []byte, signature string) (*WebhookIngestResult, error)
}

type webhookIngestService struct {
	tenants   tenant.Resolver
	publisher queue.Publisher
	queue     string
}

func NewWebhookIngestService(tenants tenant.Resolver, publisher queue.Publisher, queueName string) WebhookIngestService {
	return &webhookIngestService{
		tenants:   tenants,
		publisher: publisher,
		queue:     queueName,
	}
}

func (s *webhookIngestService) Ingest(ctx context.Context, orgID string, body []byte, signature string) (*WebhookIngestResult, error) {
	if signature == "" {
		return nil, ErrMissingSignature
	}

	t, err := s.tenants.Resolve(ctx, orgID)
	if err != nil {
		if errors.IsAny(err, tenant.ErrTenantNotFound, tenant.ErrTenantInactive) {
			return nil, errors.Mark(errors.Wrapf(err, "org %s", orgID), ErrSecretUnavailable)
		}
		return nil, errors.Wrap(err, "resolving tenant")
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{TenantID: &t.ID})

	secret, err := s.tenants.WebhookSecret(t)
	if err != nil {
		return nil, errors.Mark(err, ErrSecretUnavailable)
	}

	event, err := webhook.Parse(body, signature, secret)
	if err != nil {
		return nil, err
	}
	switch event.OrganizationID {
	case orgID:
	case "":
		// the endpoint is per organization, so older payloads without the field are still routable
		event.OrganizationID = orgID
	default:
		slog.WarnContext(ctx, "webhook organization does not match endpoint",
			"payload_org", event.OrganizationID)
		return nil, ErrOrganizationMismatch
	}

	payload := &queue.InboundTrackerEventPayload{
		WebhookID:      event.WebhookID,
		Action:         string(event.Action),
		EventType:      string(event.ResourceType),
		OrganizationID: event.OrganizationID,
		URL:            event.URL,
		Data:           event.RawData,
		UpdatedFrom:    event.UpdatedFrom,
	}

	messageID, err := s.publisher.Send(ctx, s.queue, queue.Draft{
		TenantID: event.OrganizationID,
		Payload:  payload,
	})
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "publishing tracker event"), ErrEnqueueFailed)
	}

	slog.InfoContext(ctx, "tracker webhook enqueued",
		"message_id", messageID,
		"action", event.Action,
		"resource_type", event.ResourceType,
		"webhook_id", event.WebhookID)

	return &WebhookIngestResult{MessageID: messageID, Event: event}, nil
}
