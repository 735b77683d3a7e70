// Package service holds the synchronous edge of the relay: authenticating inbound traffic
// and turning it into queue envelopes. Everything slow happens in the worker.
package service

import (
	"basegraph.app/syncrelay/core/config"
	"basegraph.app/syncrelay/internal/chat"
	"basegraph.app/syncrelay/internal/queue"
	"basegraph.app/syncrelay/internal/store"
	"basegraph.app/syncrelay/internal/tenant"
)

type ServicesConfig struct {
	Stores    store.Provider
	Tenants   tenant.Resolver
	Publisher queue.Publisher
	Notifier  chat.Notifier
	Queues    config.QueueConfig
}

type Services struct {
	cfg ServicesConfig
}

func NewServices(cfg ServicesConfig) *Services {
	return &Services{cfg: cfg}
}

func (s *Services) WebhookIngest() WebhookIngestService {
	return NewWebhookIngestService(s.cfg.Tenants, s.cfg.Publisher, s.cfg.Queues.TrackerEventsQueue)
}

func (s *Services) Chat() ChatService {
	return NewChatService(s.cfg.Stores, s.cfg.Tenants, s.cfg.Publisher, s.cfg.Notifier, ChatQueues{
		Submissions: s.cfg.Queues.SubmissionsQueue,
		Sync:        s.cfg.Queues.SyncQueue,
	})
}
