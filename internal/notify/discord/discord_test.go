package discord

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/roundhouse/internal/nlu"
	"github.com/zulandar/roundhouse/internal/notify"
)

// --- Mock session ---

type mockSession struct {
	mu      sync.Mutex
	embeds  []*discordgo.MessageEmbed
	channel string
	sendErr error
	limited int
}

func (m *mockSession) ChannelMessageSendEmbed(channelID string, embed *discordgo.MessageEmbed, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limited > 0 {
		m.limited--
		return nil, &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
	}
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.channel = channelID
	m.embeds = append(m.embeds, embed)
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID}, nil
}

func newTestNotifier(t *testing.T, sess *mockSession) *Notifier {
	t.Helper()
	n, err := New(Opts{ChannelID: "chan-models", Session: sess})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.baseBackoff = time.Millisecond
	n.maxBackoff = 5 * time.Millisecond
	return n
}

func TestNew_RequiresBotToken(t *testing.T) {
	_, err := New(Opts{ChannelID: "c"})
	if err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("error = %v, want bot token required", err)
	}
}

func TestNew_RequiresChannel(t *testing.T) {
	_, err := New(Opts{BotToken: "abc"})
	if err == nil || !strings.Contains(err.Error(), "channel id") {
		t.Errorf("error = %v, want channel id required", err)
	}
}

func TestNew_WithBotToken(t *testing.T) {
	n, err := New(Opts{BotToken: "abc", ChannelID: "c"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.session == nil {
		t.Error("session not created")
	}
}

func TestNotify_SendsEmbed(t *testing.T) {
	sess := &mockSession{}
	n := newTestNotifier(t, sess)

	err := n.Notify(context.Background(), notify.Event{
		Type:    notify.EventTrainingErrored,
		Key:     nlu.ModelKey{BotID: "b1", Language: "fr"},
		ModelID: "m1",
		Err:     fmt.Errorf("out of memory"),
	})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sess.channel != "chan-models" || len(sess.embeds) != 1 {
		t.Fatalf("sent to %q, %d embeds", sess.channel, len(sess.embeds))
	}
	embed := sess.embeds[0]
	if embed.Title != "Training failed for b1/fr" {
		t.Errorf("Title = %q", embed.Title)
	}
	if embed.Description != "out of memory" {
		t.Errorf("Description = %q", embed.Description)
	}
	if embed.Color != 0xd00000 {
		t.Errorf("Color = %x", embed.Color)
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	sess := &mockSession{limited: 2}
	n := newTestNotifier(t, sess)
	if err := n.Notify(context.Background(), notify.Event{Type: notify.EventTrainingDone}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sess.embeds) != 1 {
		t.Errorf("embeds = %d, want 1", len(sess.embeds))
	}
}

func TestNotify_ExhaustsRetries(t *testing.T) {
	sess := &mockSession{limited: maxRetries + 1}
	n := newTestNotifier(t, sess)
	if err := n.Notify(context.Background(), notify.Event{Type: notify.EventTrainingDone}); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestNotify_SendError(t *testing.T) {
	sess := &mockSession{sendErr: fmt.Errorf("unknown channel")}
	n := newTestNotifier(t, sess)
	err := n.Notify(context.Background(), notify.Event{Type: notify.EventTrainingDone})
	if err == nil || !strings.Contains(err.Error(), "unknown channel") {
		t.Errorf("error = %v", err)
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"#36a64f", 0x36a64f},
		{"D00000", 0xd00000},
		{"", 0},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %x, want %x", tt.in, got, tt.want)
		}
	}
}
