package sink

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Memory is an in-process fake Sink used by component tests and
// end-to-end scenarios — it never performs network I/O.
type Memory struct {
	mu       sync.Mutex
	messages map[string][]*memMessage
	seq      int
}

type memMessage struct {
	handle    Handle
	author    string
	createdAt time.Time
	text      string
}

// memoryAuthor is the identity Memory stamps on its own sends and
// reports from Self.
const memoryAuthor = "tracker"

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{messages: make(map[string][]*memMessage)}
}

func (m *Memory) Send(ctx context.Context, channelID, text string) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	h := Handle(fmt.Sprintf("mem-%d", m.seq))
	m.messages[channelID] = append(m.messages[channelID], &memMessage{
		handle: h, author: memoryAuthor, createdAt: time.Now(), text: text,
	})
	return h, nil
}

// SendAs records a message from an arbitrary author — test seeding for
// channels shared with other bots and users. Not part of the Sink
// interface.
func (m *Memory) SendAs(channelID, author, text string) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	h := Handle(fmt.Sprintf("mem-%d", m.seq))
	m.messages[channelID] = append(m.messages[channelID], &memMessage{
		handle: h, author: author, createdAt: time.Now(), text: text,
	})
	return h
}

func (m *Memory) Self() string {
	return memoryAuthor
}

func (m *Memory) Edit(ctx context.Context, h Handle, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.handle == h {
				msg.text = text
				return nil
			}
		}
	}
	return fmt.Errorf("sink/memory: unknown handle %q", h)
}

func (m *Memory) FetchRecent(ctx context.Context, channelID string, limit int) ([]RecentMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[channelID]
	start := 0
	if len(msgs) > limit {
		start = len(msgs) - limit
	}
	out := make([]RecentMessage, 0, len(msgs)-start)
	for _, msg := range msgs[start:] {
		out = append(out, RecentMessage{
			Handle: msg.handle, Author: msg.author, CreatedAt: msg.createdAt, Text: msg.text,
		})
	}
	return out, nil
}

// Text returns the current text behind a handle — a test-only accessor,
// not part of the Sink interface.
func (m *Memory) Text(h Handle) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.handle == h {
				return msg.text, true
			}
		}
	}
	return "", false
}
