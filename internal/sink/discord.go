package sink

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// Discord is the production Sink, backed by a bot session.
type Discord struct {
	session *discordgo.Session
}

// NewDiscord opens a bot session using the given token. The caller is
// responsible for closing the returned Discord's underlying session via
// Close when the process shuts down.
func NewDiscord(token string) (*Discord, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("sink/discord: build session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("sink/discord: open session: %w", err)
	}
	return &Discord{session: session}, nil
}

// Close disconnects the underlying bot session.
func (d *Discord) Close() error {
	return d.session.Close()
}

func (d *Discord) Send(ctx context.Context, channelID, text string) (Handle, error) {
	msg, err := d.session.ChannelMessageSend(channelID, text)
	if err != nil {
		return "", fmt.Errorf("sink/discord: send: %w", err)
	}
	return handleValue(channelID, msg.ID), nil
}

func (d *Discord) Edit(ctx context.Context, h Handle, text string) error {
	// discordgo's edit call needs the channel ID too; we keep it bundled
	// with the handle by embedding it — see handleValue/parseHandle below.
	channelID, messageID, err := parseHandle(h)
	if err != nil {
		return err
	}
	if _, err := d.session.ChannelMessageEdit(channelID, messageID, text); err != nil {
		return fmt.Errorf("sink/discord: edit: %w", err)
	}
	return nil
}

func (d *Discord) FetchRecent(ctx context.Context, channelID string, limit int) ([]RecentMessage, error) {
	msgs, err := d.session.ChannelMessages(channelID, limit, "", "", "")
	if err != nil {
		return nil, fmt.Errorf("sink/discord: fetch recent: %w", err)
	}
	out := make([]RecentMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, RecentMessage{
			Handle:    handleValue(channelID, msg.ID),
			Author:    msg.Author.ID,
			CreatedAt: msg.Timestamp,
			Text:      msg.Content,
		})
	}
	return out, nil
}

// Self reports the bot's own user id, populated on the session's Ready
// event after Open.
func (d *Discord) Self() string {
	if d.session.State != nil && d.session.State.User != nil {
		return d.session.State.User.ID
	}
	return ""
}
