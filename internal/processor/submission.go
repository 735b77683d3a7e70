package processor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/common/id"
	"basegraph.app/syncrelay/internal/chat"
	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/queue"
	"basegraph.app/syncrelay/internal/tracker"
)

// handleSubmission turns a chat form into a tracker issue. The tracker issue id is derived
// from the submission, so every redelivery targets the same issue and the same mapping.
func (p *Processor) handleSubmission(ctx context.Context, t *model.TenantConfig, sub *queue.ChatSubmissionPayload) error {
	ch, err := p.channel(ctx, t.ID, sub.ChannelConfigID)
	if err != nil {
		return err
	}
	if !ch.SyncChatToTracker {
		return ignore(ctx, "chat to tracker sync disabled", "channel_config_id", ch.ID)
	}

	chatKey := sub.ChatMessageKey()
	issueID := id.Deterministic(t.ID + ":" + chatKey)

	m, created, err := p.stores.SyncMappings().CreateIfAbsent(ctx, &model.SyncMapping{
		ID:                 id.New(),
		TenantID:           t.ID,
		ChannelConfigID:    ch.ID,
		ChatMessageID:      chatKey,
		ChatConversationID: chat.BaseConversationID(sub.ConversationReference.ConversationID),
		TrackerIssueID:     issueID,
		Direction:          model.SyncDirectionChatToTracker,
	})
	if err != nil {
		return errors.Wrap(err, "reserving sync mapping")
	}
	ctx = withMapping(ctx, m)
	slog.InfoContext(ctx, "submission mapping reserved", "created", created)

	if m.TrackerIssueID != issueID {
		return rejectf("chat message %s already mapped to tracker issue %s", chatKey, m.TrackerIssueID)
	}

	issue := &tracker.Issue{ID: m.TrackerIssueID, Identifier: m.TrackerIssueIdentifier}
	if m.TrackerPending() {
		issue, err = p.createIssue(ctx, t, ch, sub, issueID)
		if err != nil {
			return err
		}
		if _, err := p.stores.SyncMappings().AttachTrackerIssue(ctx, t.ID, m.ID, issue.ID, issue.Identifier); err != nil {
			return errors.Wrap(err, "attaching tracker issue")
		}
		slog.InfoContext(ctx, "tracker issue created from chat", "identifier", issue.Identifier)
	}

	changes := map[string]any{
		"title":          sub.Title,
		"submissionType": string(sub.SubmissionType),
		"priority":       sub.Priority,
	}
	if issue.URL != "" {
		changes["url"] = issue.URL
	}

	_, err = p.publisher.Send(ctx, p.cfg.SyncQueue, queue.Draft{
		TenantID: t.ID,
		Payload: &queue.SyncToChatPayload{
			TrackerIssueID:         issue.ID,
			TrackerIssueIdentifier: issue.Identifier,
			Action:                 queue.SyncToChatActionCreated,
			ChannelConfigID:        ch.ID,
			SyncMappingID:          m.ID,
			Changes:                changes,
		},
	})
	if err != nil {
		return errors.Wrap(err, "publishing creation confirmation")
	}
	return nil
}

func (p *Processor) createIssue(ctx context.Context, t *model.TenantConfig, ch *model.ChannelConfig, sub *queue.ChatSubmissionPayload, issueID string) (*tracker.Issue, error) {
	apiKey, err := p.tenants.TrackerAPIKey(t)
	if err != nil {
		return nil, errors.Mark(err, ErrRejected)
	}

	priority := sub.Priority
	if priority == 0 {
		priority = ch.DefaultPriority
	}

	issue, err := p.tracker.CreateIssue(ctx, apiKey, tracker.CreateIssueInput{
		ID:          issueID,
		TeamID:      ch.TrackerTeamID,
		Title:       issueTitle(sub),
		Description: issueDescription(sub),
		Priority:    priority,
		LabelIDs:    ch.DefaultLabelIDs,
	})
	if errors.Is(err, tracker.ErrAlreadyExists) {
		slog.InfoContext(ctx, "tracker issue already created by an earlier attempt")
		issue, err = p.tracker.GetIssue(ctx, apiKey, issueID)
	}
	if err != nil {
		return nil, classifyRemote(err, "creating tracker issue")
	}
	return issue, nil
}

func issueTitle(sub *queue.ChatSubmissionPayload) string {
	title := strings.TrimSpace(sub.Title)
	if sub.SubmissionType == queue.SubmissionTypeBug {
		return "[Bug] " + title
	}
	return "[Feature] " + title
}

func issueDescription(sub *queue.ChatSubmissionPayload) string {
	submitter := sub.SubmitterName
	if submitter == "" {
		submitter = "a chat user"
	}
	return fmt.Sprintf("%s\n\n---\n_Submitted from chat by %s._", strings.TrimSpace(sub.Description), submitter)
}
