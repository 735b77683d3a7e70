package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"basegraph.app/syncrelay/common/id"
	"basegraph.app/syncrelay/common/logger"
	"basegraph.app/syncrelay/internal/chat"
	"basegraph.app/syncrelay/internal/model"
	"basegraph.app/syncrelay/internal/queue"
	"basegraph.app/syncrelay/internal/store"
	"basegraph.app/syncrelay/internal/tenant"
)

// ErrUnknownTenant means the activity came from a chat tenant with no active installation.
var ErrUnknownTenant = errors.New("unknown chat tenant")

const (
	submitIssueAction = "submitIssue"

	replyMissingFields     = "Please fill in all required fields."
	replyChannelNotBound   = "This channel is not connected to the tracker yet."
	replySubmissionsOff    = "Issue submission is turned off for this channel."
	replySubmittedTemplate = "Your %s %q has been submitted and will be created in the tracker shortly."

	unknownUser = "Unknown User"
)

type ChatQueues struct {
	Submissions string
	Sync        string
}

// ChatOutcome says what an activity turned into.
type ChatOutcome string

const (
	ChatOutcomeIgnored    ChatOutcome = "ignored"
	ChatOutcomeIncomplete ChatOutcome = "incomplete"
	ChatOutcomeUnbound    ChatOutcome = "unbound"
	ChatOutcomeSubmitted  ChatOutcome = "submitted"
	ChatOutcomeComment    ChatOutcome = "comment"
)

type ChatService interface {
	// HandleActivity applies one inbound bot activity: form submissions are enqueued for
	// issue creation, replies in synced threads are enqueued as tracker comments.
	HandleActivity(ctx context.Context, a chat.Activity) (ChatOutcome, error)
}

type chatService struct {
	stores    store.Provider
	tenants   tenant.Resolver
	publisher queue.Publisher
	notifier  chat.Notifier
	queues    ChatQueues
}

func NewChatService(stores store.Provider, tenants tenant.Resolver, publisher queue.Publisher, notifier chat.Notifier, queues ChatQueues) ChatService {
	return &chatService{
		stores:    stores,
		tenants:   tenants,
		publisher: publisher,
		notifier:  notifier,
		queues:    queues,
	}
}

func (s *chatService) HandleActivity(ctx context.Context, a chat.Activity) (ChatOutcome, error) {
	if a.Type != chat.ActivityTypeMessage {
		return ChatOutcomeIgnored, nil
	}
	// The bot's own posts come back through some channels.
	if a.From.ID != "" && a.From.ID == a.Recipient.ID {
		return ChatOutcomeIgnored, nil
	}

	if a.Value != nil {
		if action, _ := a.Value["action"].(string); action != submitIssueAction {
			return ChatOutcomeIgnored, nil
		}
		return s.handleSubmission(ctx, a)
	}

	if root, ok := a.ThreadRootID(); ok {
		return s.handleThreadReply(ctx, a, root)
	}
	return ChatOutcomeIgnored, nil
}

type submissionForm struct {
	Type        queue.SubmissionType
	Title       string
	Description string
	Priority    int
}

func parseForm(value map[string]any) (submissionForm, bool) {
	form := submissionForm{
		Type:        queue.SubmissionType(formString(value, "type")),
		Title:       formString(value, "title"),
		Description: formString(value, "description"),
		Priority:    formInt(value, "priority"),
	}
	if form.Title == "" || form.Description == "" {
		return form, false
	}
	switch form.Type {
	case queue.SubmissionTypeBug, queue.SubmissionTypeFeature:
		return form, true
	default:
		return form, false
	}
}

func (s *chatService) handleSubmission(ctx context.Context, a chat.Activity) (ChatOutcome, error) {
	ref := a.Reference()

	form, ok := parseForm(a.Value)
	if !ok {
		slog.InfoContext(ctx, "incomplete submission form", "type", form.Type)
		return ChatOutcomeIncomplete, s.reply(ctx, ref, replyMissingFields)
	}

	t, err := s.resolve(ctx, a)
	if err != nil {
		return "", err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{TenantID: &t.ID})

	ch, err := s.stores.ChannelConfigs().GetByChatChannel(ctx, t.ID, a.ChatChannelID())
	if errors.Is(err, store.ErrNotFound) {
		slog.InfoContext(ctx, "submission from unbound channel", "chat_channel_id", a.ChatChannelID())
		return ChatOutcomeUnbound, s.reply(ctx, ref, replyChannelNotBound)
	}
	if err != nil {
		return "", errors.Wrap(err, "loading channel config")
	}
	if !ch.SyncChatToTracker {
		return ChatOutcomeUnbound, s.reply(ctx, ref, replySubmissionsOff)
	}

	payload := &queue.ChatSubmissionPayload{
		SubmissionID:          id.NewMessageID(),
		ChannelConfigID:       ch.ID,
		SubmissionType:        form.Type,
		Title:                 form.Title,
		Description:           form.Description,
		Priority:              pickPriority(form.Priority, ch),
		SubmitterID:           submitterID(a.From),
		SubmitterName:         displayName(a.From),
		ConversationReference: ref,
	}

	messageID, err := s.publisher.Send(ctx, s.queues.Submissions, queue.Draft{TenantID: t.ID, Payload: payload})
	if err != nil {
		return "", errors.Wrap(err, "publishing submission")
	}
	slog.InfoContext(ctx, "submission enqueued",
		"message_id", messageID,
		"submission_id", payload.SubmissionID,
		"channel_config_id", ch.ID)

	return ChatOutcomeSubmitted, s.reply(ctx, ref, fmt.Sprintf(replySubmittedTemplate, form.Type, form.Title))
}

func (s *chatService) handleThreadReply(ctx context.Context, a chat.Activity, root string) (ChatOutcome, error) {
	text := strings.TrimSpace(stripMentions(a.Text))
	if text == "" {
		return ChatOutcomeIgnored, nil
	}

	t, err := s.resolve(ctx, a)
	if err != nil {
		return "", err
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{TenantID: &t.ID})

	mapping, err := s.stores.SyncMappings().GetByChatMessage(ctx, t.ID, root)
	if errors.Is(err, store.ErrNotFound) {
		return ChatOutcomeIgnored, nil
	}
	if err != nil {
		return "", errors.Wrap(err, "loading sync mapping")
	}
	ctx = logger.WithLogFields(ctx, logger.LogFields{SyncMappingID: &mapping.ID})

	payload := &queue.SyncToTrackerPayload{
		SyncMappingID: mapping.ID,
		Action:        queue.SyncToTrackerActionCommentAdded,
		Data: queue.SyncToTrackerData{
			CommentID:  a.ID,
			Body:       text,
			AuthorName: displayName(a.From),
		},
	}
	messageID, err := s.publisher.Send(ctx, s.queues.Sync, queue.Draft{TenantID: t.ID, Payload: payload})
	if err != nil {
		return "", errors.Wrap(err, "publishing thread reply")
	}

	slog.InfoContext(ctx, "thread reply enqueued", "message_id", messageID)
	return ChatOutcomeComment, nil
}

func (s *chatService) resolve(ctx context.Context, a chat.Activity) (*model.TenantConfig, error) {
	t, err := s.tenants.ResolveByID(ctx, a.TenantID())
	if errors.IsAny(err, tenant.ErrTenantNotFound, tenant.ErrTenantInactive) {
		return nil, errors.Mark(errors.Wrapf(err, "chat tenant %q", a.TenantID()), ErrUnknownTenant)
	}
	if err != nil {
		return nil, errors.Wrap(err, "resolving tenant")
	}
	return t, nil
}

func (s *chatService) reply(ctx context.Context, ref queue.ConversationReference, text string) error {
	if _, err := s.notifier.Reply(ctx, ref, chat.Text(text)); err != nil {
		return errors.Wrap(err, "replying to activity")
	}
	return nil
}

func pickPriority(requested int, ch *model.ChannelConfig) int {
	if requested >= 1 && requested <= 4 {
		return requested
	}
	if ch.DefaultPriority >= 1 && ch.DefaultPriority <= 4 {
		return ch.DefaultPriority
	}
	return model.DefaultChannelPriority
}

func submitterID(from chat.ChannelAccount) string {
	if from.AADObjectID != "" {
		return from.AADObjectID
	}
	return from.ID
}

func displayName(from chat.ChannelAccount) string {
	if from.Name != "" {
		return from.Name
	}
	return unknownUser
}

// Card inputs arrive as strings; numbers are accepted too.
func formString(value map[string]any, key string) string {
	switch v := value[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func formInt(value map[string]any, key string) int {
	switch v := value[key].(type) {
	case float64:
		return int(v)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

// stripMentions drops <at>...</at> mention markup, including the bot's own name.
func stripMentions(text string) string {
	var b strings.Builder
	for {
		start := strings.Index(text, "<at>")
		if start < 0 {
			break
		}
		end := strings.Index(text[start:], "</at>")
		if end < 0 {
			break
		}
		b.WriteString(text[:start])
		text = text[start+end+len("</at>"):]
	}
	b.WriteString(text)
	return b.String()
}
