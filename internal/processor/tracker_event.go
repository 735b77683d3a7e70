package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/common/id"
	"basegraph.app/syncrelay/common/logger"
	"basegraph.app/syncrelay/internal/chat"
	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/queue"
	"basegraph.app/syncrelay/internal/store"
)

func (p *Processor) handleTrackerEvent(ctx context.Context, t *model.TenantConfig, env queue.Envelope, ev *queue.InboundTrackerEventPayload) error {
	action := model.WebhookAction(ev.Action)

	switch model.ResourceType(ev.EventType) {
	case model.ResourceTypeIssue:
		var issue model.IssueData
		if err := json.Unmarshal(ev.Data, &issue); err != nil || issue.ID == "" {
			return invalidf("issue event without a usable issue")
		}
		ctx = logger.WithLogFields(ctx, logger.LogFields{TrackerIssueID: &issue.ID})
		if action == model.WebhookActionRemove {
			return p.handleIssueRemoved(ctx, t, &issue)
		}
		return p.handleIssueUpsert(ctx, t, env, action, &issue, ev.UpdatedFrom)

	case model.ResourceTypeComment:
		if action != model.WebhookActionCreate {
			return ignore(ctx, "comment action not synced", "action", ev.Action)
		}
		var comment model.CommentData
		if err := json.Unmarshal(ev.Data, &comment); err != nil || comment.ID == "" || comment.IssueID == "" {
			return invalidf("comment event without a usable comment")
		}
		ctx = logger.WithLogFields(ctx, logger.LogFields{TrackerIssueID: &comment.IssueID})
		return p.handleCommentCreated(ctx, t, &comment)

	case model.ResourceTypeIssueLabel, model.ResourceTypeProject, model.ResourceTypeCycle:
		return ignore(ctx, "resource type not synced", "resource_type", ev.EventType)
	}
	return ignore(ctx, "unknown resource type", "resource_type", ev.EventType)
}

func (p *Processor) handleIssueUpsert(ctx context.Context, t *model.TenantConfig, env queue.Envelope, action model.WebhookAction, issue *model.IssueData, updatedFrom json.RawMessage) error {
	m, err := p.stores.SyncMappings().GetByTrackerIssue(ctx, t.ID, issue.ID)
	if errors.Is(err, store.ErrNotFound) {
		return p.originateThread(ctx, t, env, action, issue, updatedFrom)
	}
	if err != nil {
		return errors.Wrap(err, "loading sync mapping")
	}
	ctx = withMapping(ctx, m)

	ch, err := p.channel(ctx, t.ID, m.ChannelConfigID)
	if err != nil {
		return err
	}
	if !ch.SyncTrackerToChat {
		return ignore(ctx, "tracker to chat sync disabled", "channel_config_id", ch.ID)
	}

	if m.ChatPending() {
		return p.postIssueThread(ctx, t, ch, m, issue)
	}
	return p.notifyIssueChange(ctx, t, env, ch, m, action, issue, updatedFrom)
}

// originateThread handles the first sighting of an issue: reserve the mapping, then post.
func (p *Processor) originateThread(ctx context.Context, t *model.TenantConfig, env queue.Envelope, action model.WebhookAction, issue *model.IssueData, updatedFrom json.RawMessage) error {
	teamID := issue.TeamIdentifier()
	if teamID == "" {
		return invalidf("issue %s has no team", issue.ID)
	}

	channels, err := p.stores.ChannelConfigs().ListByTrackerTeam(ctx, t.ID, teamID)
	if err != nil {
		return errors.Wrap(err, "listing channel configs")
	}
	if len(channels) == 0 {
		return rejectf("no channel bound to tracker team %s", teamID)
	}
	if len(channels) > 1 {
		slog.WarnContext(ctx, "tracker team bound to several channels, using the oldest",
			"tracker_team_id", teamID,
			"channel_count", len(channels))
	}

	ch := &channels[0]
	if !ch.SyncTrackerToChat {
		return ignore(ctx, "tracker to chat sync disabled", "channel_config_id", ch.ID)
	}
	if ch.ChatServiceURL == "" {
		return rejectf("channel config %d has no chat service url", ch.ID)
	}

	m, created, err := p.stores.SyncMappings().CreateIfAbsent(ctx, &model.SyncMapping{
		ID:                     id.New(),
		TenantID:               t.ID,
		ChannelConfigID:        ch.ID,
		TrackerIssueID:         issue.ID,
		TrackerIssueIdentifier: issue.Identifier,
		Direction:              model.SyncDirectionTrackerToChat,
	})
	if err != nil {
		return errors.Wrap(err, "reserving sync mapping")
	}
	ctx = withMapping(ctx, m)
	slog.InfoContext(ctx, "sync mapping reserved", "created", created, "channel_config_id", ch.ID)

	if !m.ChatPending() {
		return p.notifyIssueChange(ctx, t, env, ch, m, action, issue, updatedFrom)
	}
	return p.postIssueThread(ctx, t, ch, m, issue)
}

func (p *Processor) postIssueThread(ctx context.Context, t *model.TenantConfig, ch *model.ChannelConfig, m *model.SyncMapping, issue *model.IssueData) error {
	posted, err := p.chat.PostToChannel(ctx, chat.ChannelTarget{
		ServiceURL: ch.ChatServiceURL,
		ChannelID:  ch.ChatChannelID,
		TenantID:   t.ID,
	}, chat.IssueMessage(summarize(issue)))
	if err != nil {
		return classifyRemote(err, "posting issue thread")
	}

	attached, err := p.stores.SyncMappings().AttachChatMessage(ctx, t.ID, m.ID, posted.MessageID, posted.ConversationID)
	if err != nil {
		return errors.Wrap(err, "attaching chat message")
	}
	if !attached {
		// Another delivery finished first; its thread is the one the mapping keeps.
		slog.WarnContext(ctx, "chat side attached concurrently, duplicate thread left in channel",
			"chat_message_id", posted.MessageID)
		return nil
	}

	slog.InfoContext(ctx, "issue thread posted", "chat_message_id", posted.MessageID)
	return nil
}

type issueChange struct {
	kind   chat.UpdateKind
	detail string
}

func (p *Processor) notifyIssueChange(ctx context.Context, t *model.TenantConfig, env queue.Envelope, ch *model.ChannelConfig, m *model.SyncMapping, action model.WebhookAction, issue *model.IssueData, updatedFrom json.RawMessage) error {
	if err := p.stores.SyncMappings().TouchLastSynced(ctx, t.ID, m.ID); err != nil {
		return errors.Wrap(err, "touching sync mapping")
	}
	if action == model.WebhookActionCreate {
		return nil
	}

	changes := diffIssue(issue, updatedFrom)
	if !ch.SyncStatusChanges {
		changes = dropKind(changes, chat.UpdateKindStatusChanged)
	}
	if len(changes) == 0 {
		return ignore(ctx, "no notable issue changes")
	}

	kind := chat.UpdateKindUpdated
	if len(changes) == 1 {
		kind = changes[0].kind
	}
	details := make([]string, 0, len(changes))
	for _, c := range changes {
		details = append(details, c.detail)
	}

	version := issue.UpdatedAt
	if version == "" {
		version = env.MessageID
	}
	key := "issue-update:" + issue.ID + ":" + version

	return p.deliverOnce(ctx, t.ID, m.ID, key, func(ctx context.Context) error {
		_, err := p.chat.ReplyInThread(ctx, threadTarget(ch, m),
			chat.UpdateMessage(summarize(issue), kind, strings.Join(details, "\n\n")))
		return classifyRemote(err, "posting issue update")
	})
}

func (p *Processor) handleIssueRemoved(ctx context.Context, t *model.TenantConfig, issue *model.IssueData) error {
	m, err := p.stores.SyncMappings().GetByTrackerIssue(ctx, t.ID, issue.ID)
	if errors.Is(err, store.ErrNotFound) {
		return ignore(ctx, "removed issue was never synced")
	}
	if err != nil {
		return errors.Wrap(err, "loading sync mapping")
	}
	ctx = withMapping(ctx, m)

	ch, err := p.channel(ctx, t.ID, m.ChannelConfigID)
	if err != nil && !errors.Is(err, ErrRejected) {
		return err
	}
	if ch != nil && ch.SyncTrackerToChat && !m.ChatPending() {
		err := p.deliverOnce(ctx, t.ID, m.ID, "issue-removed:"+issue.ID, func(ctx context.Context) error {
			_, err := p.chat.ReplyInThread(ctx, threadTarget(ch, m),
				chat.UpdateMessage(summarize(issue), chat.UpdateKindRemoved, ""))
			return classifyRemote(err, "posting issue removal")
		})
		if err != nil {
			return err
		}
	}

	err = p.txRunner.WithTx(ctx, func(stores store.Provider) error {
		if err := stores.SyncDeliveries().DeleteByMapping(ctx, t.ID, m.ID); err != nil {
			return err
		}
		return stores.SyncMappings().Delete(ctx, t.ID, m.ID)
	})
	if err != nil {
		return errors.Wrap(err, "unlinking sync mapping")
	}

	slog.InfoContext(ctx, "sync mapping unlinked")
	return nil
}

func (p *Processor) handleCommentCreated(ctx context.Context, t *model.TenantConfig, comment *model.CommentData) error {
	m, err := p.stores.SyncMappings().GetByTrackerIssue(ctx, t.ID, comment.IssueID)
	if errors.Is(err, store.ErrNotFound) {
		return ignore(ctx, "comment on an unsynced issue")
	}
	if err != nil {
		return errors.Wrap(err, "loading sync mapping")
	}
	ctx = withMapping(ctx, m)

	if m.ChatPending() {
		return ignore(ctx, "comment before the issue thread exists")
	}

	// Comments the relay wrote itself come back as webhooks.
	echo, err := p.stores.SyncDeliveries().Exists(ctx, t.ID, trackerCommentKey(comment.ID))
	if err != nil {
		return errors.Wrap(err, "checking comment origin")
	}
	if echo {
		return ignore(ctx, "comment was relayed from chat")
	}

	ch, err := p.channel(ctx, t.ID, m.ChannelConfigID)
	if err != nil {
		return err
	}
	if !ch.SyncTrackerToChat || !ch.SyncComments {
		return ignore(ctx, "comment sync disabled", "channel_config_id", ch.ID)
	}

	author := "Someone"
	if comment.User != nil && comment.User.Name != "" {
		author = comment.User.Name
	}
	summary := chat.IssueSummary{Identifier: m.TrackerIssueIdentifier}

	return p.deliverOnce(ctx, t.ID, m.ID, "comment:"+comment.ID, func(ctx context.Context) error {
		_, err := p.chat.ReplyInThread(ctx, threadTarget(ch, m),
			chat.UpdateMessage(summary, chat.UpdateKindCommentAdded, fmt.Sprintf("**%s**: %s", author, comment.Body)))
		return classifyRemote(err, "posting comment")
	})
}

func trackerCommentKey(commentID string) string {
	return "tracker-comment:" + commentID
}

func summarize(issue *model.IssueData) chat.IssueSummary {
	s := chat.IssueSummary{
		Identifier:  issue.Identifier,
		Title:       issue.Title,
		Description: issue.Description,
		Priority:    issue.Priority,
		URL:         issue.URL,
	}
	if issue.State != nil {
		s.State = issue.State.Name
	}
	if issue.Team != nil {
		s.Team = issue.Team.Name
	}
	if issue.Assignee != nil {
		s.Assignee = issue.Assignee.Name
	}
	return s
}

// diffIssue describes the fields named in updatedFrom using their new values from issue.
func diffIssue(issue *model.IssueData, updatedFrom json.RawMessage) []issueChange {
	var previous map[string]json.RawMessage
	if len(updatedFrom) == 0 || json.Unmarshal(updatedFrom, &previous) != nil {
		return nil
	}

	fields := make([]string, 0, len(previous))
	for k := range previous {
		fields = append(fields, k)
	}
	sort.Strings(fields)

	var changes []issueChange
	for _, field := range fields {
		switch field {
		case "stateId":
			state := "a new state"
			if issue.State != nil && issue.State.Name != "" {
				state = issue.State.Name
			}
			changes = append(changes, issueChange{chat.UpdateKindStatusChanged, "Status changed to **" + state + "**"})
		case "assigneeId":
			detail := "Unassigned"
			if issue.Assignee != nil && issue.Assignee.Name != "" {
				detail = "Assigned to **" + issue.Assignee.Name + "**"
			}
			changes = append(changes, issueChange{chat.UpdateKindAssigned, detail})
		case "priority":
			changes = append(changes, issueChange{chat.UpdateKindUpdated, "Priority changed to **" + model.PriorityLabel(issue.Priority) + "**"})
		case "title":
			changes = append(changes, issueChange{chat.UpdateKindUpdated, "Title changed to **" + issue.Title + "**"})
		}
	}
	return changes
}

func dropKind(changes []issueChange, kind chat.UpdateKind) []issueChange {
	kept := changes[:0]
	for _, c := range changes {
		if c.kind != kind {
			kept = append(kept, c)
		}
	}
	return kept
}
