// Package chat posts messages into team chat through the bot connector REST API.
package chat

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
	"github.com/patrickmn/go-cache"

	"basegraph.app/syncrelay/common/logger"
	"basegraph.app/syncrelay/core/config"
	"basegraph.app/syncrelay/internal/queue"
)

// ErrUnauthorized means the connector refused the bot credentials. Retrying will not help.
var ErrUnauthorized = errors.New("chat connector rejected credentials")

const tokenCacheKey = "bot-token"

// Message is what the relay posts. Text is markdown; Card, when set, is an adaptive card.
type Message struct {
	Text string
	Card map[string]any
}

// ChannelTarget addresses a channel for a new top-level post.
type ChannelTarget struct {
	ServiceURL string
	ChannelID  string
	TenantID   string
}

// ThreadTarget addresses an existing thread, rooted at RootMessageID.
type ThreadTarget struct {
	ServiceURL     string
	ConversationID string
	RootMessageID  string
}

// Posted identifies a message the connector accepted.
type Posted struct {
	ConversationID string
	MessageID      string
}

type Notifier interface {
	// PostToChannel starts a new thread in a channel.
	PostToChannel(ctx context.Context, target ChannelTarget, msg Message) (*Posted, error)
	// ReplyInThread posts into the thread rooted at target.RootMessageID.
	ReplyInThread(ctx context.Context, target ThreadTarget, msg Message) (*Posted, error)
	// Reply answers the activity described by ref.
	Reply(ctx context.Context, ref queue.ConversationReference, msg Message) (*Posted, error)
}

type activity struct {
	Type        string       `json:"type"`
	Text        string       `json:"text,omitempty"`
	TextFormat  string       `json:"textFormat,omitempty"`
	ReplyToID   string       `json:"replyToId,omitempty"`
	Attachments []attachment `json:"attachments,omitempty"`
}

type attachment struct {
	ContentType string         `json:"contentType"`
	Content     map[string]any `json:"content"`
}

type resourceResponse struct {
	ID string `json:"id"`
}

type conversationResponse struct {
	ID         string `json:"id"`
	ActivityID string `json:"activityId"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type notifier struct {
	http   *resty.Client
	cfg    config.ChatConfig
	tokens *cache.Cache
}

func NewNotifier(cfg config.ChatConfig) Notifier {
	return &notifier{
		http:   resty.New().SetTimeout(cfg.Timeout),
		cfg:    cfg,
		tokens: cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

func (n *notifier) PostToChannel(ctx context.Context, target ChannelTarget, msg Message) (*Posted, error) {
	body := map[string]any{
		"isGroup": true,
		"channelData": map[string]any{
			"channel": map[string]string{"id": target.ChannelID},
			"tenant":  map[string]string{"id": target.TenantID},
		},
		"activity": toActivity(msg, ""),
	}

	var out conversationResponse
	if err := n.post(ctx, target.ServiceURL, "/v3/conversations", body, &out); err != nil {
		return nil, err
	}
	// The root message id doubles as the thread id inside the channel conversation.
	posted := &Posted{ConversationID: target.ChannelID, MessageID: out.ActivityID}
	if posted.MessageID == "" {
		posted.MessageID = threadRoot(out.ID)
	}
	return posted, nil
}

func (n *notifier) ReplyInThread(ctx context.Context, target ThreadTarget, msg Message) (*Posted, error) {
	conversationID := target.ConversationID + ";messageid=" + target.RootMessageID
	path := "/v3/conversations/" + url.PathEscape(conversationID) + "/activities"

	var out resourceResponse
	if err := n.post(ctx, target.ServiceURL, path, toActivity(msg, target.RootMessageID), &out); err != nil {
		return nil, err
	}
	return &Posted{ConversationID: target.ConversationID, MessageID: out.ID}, nil
}

func (n *notifier) Reply(ctx context.Context, ref queue.ConversationReference, msg Message) (*Posted, error) {
	path := "/v3/conversations/" + url.PathEscape(ref.ConversationID) + "/activities"
	if ref.ActivityID != "" {
		path += "/" + url.PathEscape(ref.ActivityID)
	}

	var out resourceResponse
	if err := n.post(ctx, ref.ServiceURL, path, toActivity(msg, ref.ActivityID), &out); err != nil {
		return nil, err
	}
	return &Posted{ConversationID: ref.ConversationID, MessageID: out.ID}, nil
}

func (n *notifier) post(ctx context.Context, serviceURL, path string, body, out any) error {
	if serviceURL == "" {
		return errors.New("chat service url is empty")
	}
	token, err := n.token(ctx)
	if err != nil {
		return err
	}

	resp, err := n.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetBody(body).
		SetResult(out).
		Post(strings.TrimSuffix(serviceURL, "/") + path)
	if err != nil {
		return errors.Wrapf(err, "chat post %s failed", path)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		// A revoked token may still be cached.
		n.tokens.Delete(tokenCacheKey)
		return errors.Wrapf(ErrUnauthorized, "chat post: status %d", resp.StatusCode())
	case resp.IsError():
		slog.WarnContext(ctx, "chat connector error",
			"path", path,
			"status", resp.StatusCode(),
			"body", logger.Truncate(resp.String(), 256))
		return errors.Newf("chat post: status %s", resp.Status())
	}
	return nil
}

func (n *notifier) token(ctx context.Context) (string, error) {
	if cached, ok := n.tokens.Get(tokenCacheKey); ok {
		return cached.(string), nil
	}

	var out tokenResponse
	resp, err := n.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"grant_type":    "client_credentials",
			"client_id":     n.cfg.AppID,
			"client_secret": n.cfg.AppPassword,
			"scope":         n.cfg.Scope,
		}).
		SetResult(&out).
		Post(n.cfg.TokenURL)
	if err != nil {
		return "", errors.Wrap(err, "requesting bot token")
	}
	if resp.StatusCode() == http.StatusBadRequest || resp.StatusCode() == http.StatusUnauthorized {
		return "", errors.Wrapf(ErrUnauthorized, "bot token: status %d", resp.StatusCode())
	}
	if resp.IsError() || out.AccessToken == "" {
		return "", errors.Newf("bot token: status %s", resp.Status())
	}

	ttl := time.Duration(out.ExpiresIn)*time.Second - time.Minute
	if ttl <= 0 {
		ttl = time.Minute
	}
	n.tokens.Set(tokenCacheKey, out.AccessToken, ttl)
	return out.AccessToken, nil
}

func toActivity(msg Message, replyTo string) activity {
	a := activity{
		Type:       "message",
		Text:       msg.Text,
		TextFormat: "markdown",
		ReplyToID:  replyTo,
	}
	if msg.Card != nil {
		a.Attachments = []attachment{{
			ContentType: "application/vnd.microsoft.card.adaptive",
			Content:     msg.Card,
		}}
	}
	return a
}

// threadRoot extracts the root message id from a "<conversation>;messageid=<id>" value.
func threadRoot(conversationID string) string {
	if _, id, ok := strings.Cut(conversationID, ";messageid="); ok {
		return id
	}
	return conversationID
}

// BaseConversationID strips a thread suffix from a channel conversation id.
func BaseConversationID(conversationID string) string {
	base, _, _ := strings.Cut(conversationID, ";messageid=")
	return base
}
