// Package discord posts lifecycle events to a Discord channel as embeds.
package discord

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/roundhouse/internal/notify"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial rate limit backoff.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the rate limit backoff.
	maxBackoff = 30 * time.Second
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Notifier sends one embed per event. It only uses the REST API, so no
// gateway connection is opened.
type Notifier struct {
	session     session
	channelID   string
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

var _ notify.Notifier = (*Notifier)(nil)

// Opts holds parameters for creating a Notifier.
type Opts struct {
	BotToken  string
	ChannelID string
	// For testing: inject a mock session instead of the real Discord API.
	Session session
}

// New creates a Discord Notifier.
func New(opts Opts) (*Notifier, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	sess := opts.Session
	if sess == nil {
		s, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		sess = s
	}
	return &Notifier{
		session:     sess,
		channelID:   opts.ChannelID,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// Notify sends evt to the configured channel.
func (n *Notifier) Notify(ctx context.Context, evt notify.Event) error {
	embed := toEmbed(notify.Format(evt))
	err := n.retryOnRateLimit(ctx, func() error {
		_, sendErr := n.session.ChannelMessageSendEmbed(n.channelID, embed, discordgo.WithContext(ctx))
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send embed: %w", err)
	}
	return nil
}

// toEmbed converts a formatted event to a Discord Embed.
func toEmbed(f notify.Formatted) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       f.Title,
		Description: f.Body,
	}
	if f.Color != "" {
		embed.Color = parseHexColor(f.Color)
	}
	for _, field := range f.Fields {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name:   field.Name,
			Value:  field.Value,
			Inline: field.Short,
		})
	}
	return embed
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (n *Notifier) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		restErr, ok := err.(*discordgo.RESTError)
		if !ok || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * n.baseBackoff
		if wait > n.maxBackoff {
			wait = n.maxBackoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
