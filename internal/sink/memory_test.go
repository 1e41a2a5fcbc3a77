package sink

import (
	"context"
	"testing"
)

func TestMemorySendThenEdit(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	h, err := m.Send(ctx, "tickers", "page 1")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := m.Edit(ctx, h, "page 1 (updated)"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	text, ok := m.Text(h)
	if !ok || text != "page 1 (updated)" {
		t.Fatalf("Text(h) = %q, %v, want %q, true", text, ok, "page 1 (updated)")
	}
}

func TestMemoryEditUnknownHandleFails(t *testing.T) {
	m := NewMemory()
	if err := m.Edit(context.Background(), Handle("missing"), "x"); err == nil {
		t.Fatal("expected an error editing an unknown handle")
	}
}

func TestMemoryReportsAuthorsAndSelf(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Send(ctx, "tickers", "mine")
	m.SendAs("tickers", "intruder", "theirs")

	recent, err := m.FetchRecent(ctx, "tickers", 10)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[0].Author != m.Self() {
		t.Fatalf("recent[0].Author = %q, want Self() = %q", recent[0].Author, m.Self())
	}
	if recent[1].Author != "intruder" {
		t.Fatalf("recent[1].Author = %q, want intruder", recent[1].Author)
	}
}

func TestMemoryFetchRecentLimits(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		m.Send(ctx, "tickers", "msg")
	}
	recent, err := m.FetchRecent(ctx, "tickers", 3)
	if err != nil {
		t.Fatalf("FetchRecent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("len(recent) = %d, want 3", len(recent))
	}
}
