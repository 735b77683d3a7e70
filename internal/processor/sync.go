package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/internal/chat"
	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/queue"
	"basegraph.app/syncrelay/internal/store"
	"basegraph.app/syncrelay/internal/tracker"
)

func (p *Processor) handleSyncToChat(ctx context.Context, t *model.TenantConfig, env queue.Envelope, msg *queue.SyncToChatPayload) error {
	var (
		m   *model.SyncMapping
		err error
	)
	if msg.SyncMappingID != 0 {
		m, err = p.stores.SyncMappings().GetByID(ctx, t.ID, msg.SyncMappingID)
	} else {
		m, err = p.stores.SyncMappings().GetByTrackerIssue(ctx, t.ID, msg.TrackerIssueID)
	}
	if errors.Is(err, store.ErrNotFound) {
		return ignore(ctx, "sync mapping no longer exists")
	}
	if err != nil {
		return errors.Wrap(err, "loading sync mapping")
	}
	ctx = withMapping(ctx, m)

	if m.ChatPending() {
		return ignore(ctx, "no chat thread to reply to")
	}

	ch, err := p.channel(ctx, t.ID, msg.ChannelConfigID)
	if err != nil {
		return err
	}

	summary := chat.IssueSummary{Identifier: msg.TrackerIssueIdentifier}
	if title, ok := msg.Changes["title"].(string); ok {
		summary.Title = title
	}
	if url, ok := msg.Changes["url"].(string); ok {
		summary.URL = url
	}

	var (
		key     string
		message chat.Message
	)
	switch msg.Action {
	case queue.SyncToChatActionCreated:
		// Confirmations go back to the submitter even when tracker updates are muted.
		key = "created:" + msg.TrackerIssueID
		message = chat.UpdateMessage(summary, chat.UpdateKindCreated, createdDetail(msg))
	case queue.SyncToChatActionUpdated:
		if !ch.SyncTrackerToChat {
			return ignore(ctx, "tracker to chat sync disabled", "channel_config_id", ch.ID)
		}
		key = "sync-to-chat:" + env.MessageID
		message = chat.UpdateMessage(summary, chat.UpdateKindUpdated, describeChanges(msg.Changes))
	case queue.SyncToChatActionCommented:
		if !ch.SyncTrackerToChat || !ch.SyncComments {
			return ignore(ctx, "comment sync disabled", "channel_config_id", ch.ID)
		}
		key = "sync-to-chat:" + env.MessageID
		body, _ := msg.Changes["body"].(string)
		message = chat.UpdateMessage(summary, chat.UpdateKindCommentAdded, body)
	}

	return p.deliverOnce(ctx, t.ID, m.ID, key, func(ctx context.Context) error {
		_, err := p.chat.ReplyInThread(ctx, threadTarget(ch, m), message)
		return classifyRemote(err, "posting sync message")
	})
}

func createdDetail(msg *queue.SyncToChatPayload) string {
	kind := "issue"
	switch msg.Changes["submissionType"] {
	case string(queue.SubmissionTypeBug):
		kind = "bug"
	case string(queue.SubmissionTypeFeature):
		kind = "feature request"
	}
	if msg.TrackerIssueIdentifier == "" {
		return fmt.Sprintf("Your %s was created in the tracker.", kind)
	}
	return fmt.Sprintf("Your %s was created as **%s**.", kind, msg.TrackerIssueIdentifier)
}

func describeChanges(changes map[string]any) string {
	keys := make([]string, 0, len(changes))
	for k := range changes {
		if k == "url" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: **%v**", k, changes[k]))
	}
	return strings.Join(lines, "\n\n")
}

func (p *Processor) handleSyncToTracker(ctx context.Context, t *model.TenantConfig, env queue.Envelope, msg *queue.SyncToTrackerPayload) error {
	m, err := p.stores.SyncMappings().GetByID(ctx, t.ID, msg.SyncMappingID)
	if errors.Is(err, store.ErrNotFound) {
		return ignore(ctx, "sync mapping no longer exists")
	}
	if err != nil {
		return errors.Wrap(err, "loading sync mapping")
	}
	ctx = withMapping(ctx, m)

	if m.TrackerPending() {
		// The submission that owns this mapping is still in flight.
		return errors.Newf("tracker issue for mapping %d not created yet", m.ID)
	}

	ch, err := p.channel(ctx, t.ID, m.ChannelConfigID)
	if err != nil {
		return err
	}
	if !ch.SyncChatToTracker {
		return ignore(ctx, "chat to tracker sync disabled", "channel_config_id", ch.ID)
	}

	apiKey, err := p.tenants.TrackerAPIKey(t)
	if err != nil {
		return errors.Mark(err, ErrRejected)
	}

	switch msg.Action {
	case queue.SyncToTrackerActionCommentAdded:
		if !ch.SyncComments {
			return ignore(ctx, "comment sync disabled", "channel_config_id", ch.ID)
		}
		ref := msg.Data.CommentID
		if ref == "" {
			ref = env.MessageID
		}
		return p.deliverOnce(ctx, t.ID, m.ID, "chat-comment:"+ref, func(ctx context.Context) error {
			comment, err := p.tracker.AddComment(ctx, apiKey, m.TrackerIssueID, chatCommentBody(msg.Data))
			if err != nil {
				return p.trackerFailure(ctx, err, "adding tracker comment")
			}
			// Remember the comment so its webhook is not echoed back into chat.
			_, err = p.stores.SyncDeliveries().Record(ctx, &model.SyncDelivery{
				TenantID:      t.ID,
				DeliveryKey:   trackerCommentKey(comment.ID),
				SyncMappingID: m.ID,
			})
			return errors.Wrap(err, "recording tracker comment")
		})

	case queue.SyncToTrackerActionStatusChanged:
		if !ch.SyncStatusChanges {
			return ignore(ctx, "status sync disabled", "channel_config_id", ch.ID)
		}
		return p.deliverOnce(ctx, t.ID, m.ID, "chat-status:"+env.MessageID, func(ctx context.Context) error {
			err := p.tracker.UpdateIssueState(ctx, apiKey, m.TrackerIssueID, msg.Data.StateID)
			return p.trackerFailure(ctx, err, "updating tracker issue state")
		})
	}
	return nil
}

// trackerFailure treats a vanished issue as nothing left to do.
func (p *Processor) trackerFailure(ctx context.Context, err error, op string) error {
	if errors.Is(err, tracker.ErrNotFound) {
		return ignore(ctx, "tracker issue no longer exists")
	}
	return classifyRemote(err, op)
}

func chatCommentBody(d queue.SyncToTrackerData) string {
	if d.AuthorName == "" {
		return d.Body
	}
	return fmt.Sprintf("**%s** (via chat):\n\n%s", d.AuthorName, d.Body)
}
