// Package sink abstracts the chat-platform client behind a narrow
// capability interface: create, edit, and fetch prior messages in a
// channel. Components depend on Sink, never on a concrete implementation,
// so tests can swap in Memory.
package sink

import (
	"context"
	"time"
)

// Handle is an opaque reference to a previously-sent message, usable for
// in-place edits. Callers never interpret its contents.
type Handle string

// RecentMessage is one entry returned by FetchRecent.
type RecentMessage struct {
	Handle    Handle
	Author    string
	CreatedAt time.Time
	Text      string
}

// Sink is the capability surface every component needing chat output uses.
type Sink interface {
	Send(ctx context.Context, channelID, text string) (Handle, error)
	Edit(ctx context.Context, h Handle, text string) error
	FetchRecent(ctx context.Context, channelID string, limit int) ([]RecentMessage, error)
	// Self identifies this process's own authoring account, in the same
	// form FetchRecent reports RecentMessage.Author. Callers use it to
	// recognize their own prior messages and never edit anyone else's.
	Self() string
}
