// Package notify delivers operator notifications: replies awaiting approval,
// escalated conversations and terminal delivery failures. Discord is the
// notification surface; the gateway never replies to customers through it.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mattn/go-runewidth"

	"github.com/replyops/replygate/internal/config"
	"github.com/replyops/replygate/internal/store"
)

const previewWidth = 300

// Notifier is the operator-notification collaborator interface.
type Notifier interface {
	ApprovalNeeded(ctx context.Context, d *store.Delivery) error
	Escalated(ctx context.Context, tenantID, channel, conversationID, reason string) error
	DeliveryFailed(ctx context.Context, d *store.Delivery) error
	Close() error
}

// Discord posts embeds to a fixed operator channel.
type Discord struct {
	session   *discordgo.Session
	channelID string
}

// NewDiscord opens a Discord session for notifications. No message-content
// intents: this surface only writes.
func NewDiscord(cfg config.NotifyConfig) (*Discord, error) {
	if cfg.DiscordToken == "" || cfg.DiscordChannel == "" {
		return nil, fmt.Errorf("discord token and channel are required for notifications")
	}

	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("open discord session: %w", err)
	}

	slog.Info("discord notifier connected", "channel", cfg.DiscordChannel)
	return &Discord{session: session, channelID: cfg.DiscordChannel}, nil
}

// Close shuts the Discord session down.
func (d *Discord) Close() error {
	return d.session.Close()
}

// ApprovalNeeded announces a reply waiting in the approval queue.
func (d *Discord) ApprovalNeeded(_ context.Context, del *store.Delivery) error {
	embed := &discordgo.MessageEmbed{
		Title: "Reply awaiting approval",
		Color: 0xF1C40F,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Tenant", Value: del.TenantID, Inline: true},
			{Name: "Channel", Value: del.Channel, Inline: true},
			{Name: "Conversation", Value: del.ConversationID, Inline: true},
			{Name: "Confidence", Value: fmt.Sprintf("%.2f", del.Verdict.Confidence), Inline: true},
			{Name: "Intent", Value: orDash(del.Intent), Inline: true},
			{Name: "Draft", Value: preview(del.ReplyText)},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "delivery " + del.ID},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	_, err := d.session.ChannelMessageSendEmbed(d.channelID, embed)
	return err
}

// Escalated announces a conversation handed to a human.
func (d *Discord) Escalated(_ context.Context, tenantID, channel, conversationID, reason string) error {
	embed := &discordgo.MessageEmbed{
		Title: "Conversation escalated",
		Color: 0xE74C3C,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Tenant", Value: tenantID, Inline: true},
			{Name: "Channel", Value: channel, Inline: true},
			{Name: "Conversation", Value: conversationID, Inline: true},
			{Name: "Reason", Value: orDash(reason)},
		},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	_, err := d.session.ChannelMessageSendEmbed(d.channelID, embed)
	return err
}

// DeliveryFailed announces a terminally failed delivery.
func (d *Discord) DeliveryFailed(_ context.Context, del *store.Delivery) error {
	embed := &discordgo.MessageEmbed{
		Title: "Delivery failed",
		Color: 0x992D22,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Tenant", Value: del.TenantID, Inline: true},
			{Name: "Channel", Value: del.Channel, Inline: true},
			{Name: "Attempts", Value: fmt.Sprintf("%d", del.Attempts), Inline: true},
			{Name: "Last error", Value: preview(orDash(del.LastError))},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "delivery " + del.ID},
		Timestamp: time.Now().Format(time.RFC3339),
	}
	_, err := d.session.ChannelMessageSendEmbed(d.channelID, embed)
	return err
}

// preview truncates by display width, so CJK text does not blow the embed
// field out while ASCII gets the full budget.
func preview(s string) string {
	return runewidth.Truncate(s, previewWidth, "…")
}

func orDash(s string) string {
	if s == "" {
		return "—"
	}
	return s
}

// Nop is a no-op notifier for deployments without Discord configured.
type Nop struct{}

func (Nop) ApprovalNeeded(context.Context, *store.Delivery) error { return nil }
func (Nop) Escalated(context.Context, string, string, string, string) error {
	return nil
}
func (Nop) DeliveryFailed(context.Context, *store.Delivery) error { return nil }
func (Nop) Close() error                                          { return nil }
