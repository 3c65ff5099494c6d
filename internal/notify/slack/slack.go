// Package slack posts lifecycle events to a Slack channel.
package slack

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/roundhouse/internal/notify"
)

// maxRetries is the max number of retries for rate-limited API calls.
const maxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Notifier posts one attachment per event.
type Notifier struct {
	client    slackClient
	channelID string
}

var _ notify.Notifier = (*Notifier)(nil)

// Opts holds parameters for creating a Notifier.
type Opts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// New creates a Slack Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Notifier{client: client, channelID: opts.ChannelID}, nil
}

// Notify posts evt to the configured channel.
func (n *Notifier) Notify(ctx context.Context, evt notify.Event) error {
	f := notify.Format(evt)
	options := []slackapi.MsgOption{
		slackapi.MsgOptionText(f.Title, false),
		slackapi.MsgOptionAttachments(toAttachment(f)),
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := n.client.PostMessage(n.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// toAttachment converts a formatted event to a Slack Attachment.
func toAttachment(f notify.Formatted) slackapi.Attachment {
	att := slackapi.Attachment{
		Title:    f.Title,
		Text:     f.Body,
		Color:    f.Color,
		Fallback: f.Title,
	}
	for _, field := range f.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: field.Name,
			Value: field.Value,
			Short: field.Short,
		})
	}
	return att
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
