package feed

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/kitetracker/tickfeed/internal/wire"
)

type fakeConn struct {
	mu       sync.Mutex
	toClient chan []byte
	written  [][]byte
	closed   bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{toClient: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	data, ok := <-f.toClient
	if !ok {
		return nil, io.EOF
	}
	return data, nil
}

func (f *fakeConn) WriteText(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.toClient)
	}
	return nil
}

func (f *fakeConn) pushClose() {
	f.Close()
}

func (f *fakeConn) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	errs  []error
	calls int
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	i := d.calls
	d.calls++
	if i < len(d.errs) && d.errs[i] != nil {
		return nil, d.errs[i]
	}
	if i < len(d.conns) {
		return d.conns[i], nil
	}
	return nil, fmt.Errorf("fakeDialer: no conn configured for call %d", i)
}

func ltpFrame(token uint32, price uint32) []byte {
	var buf [12]byte
	binary.BigEndian.PutUint16(buf[0:2], 1)
	binary.BigEndian.PutUint16(buf[2:4], 8)
	binary.BigEndian.PutUint32(buf[4:8], token)
	binary.BigEndian.PutUint32(buf[8:12], price)
	return buf[:]
}

func testConfig() Config {
	return Config{
		URL:                  "wss://example.test/feed",
		APIKey:               "k",
		AccessToken:          "t",
		ReconnectInterval:    5 * time.Millisecond,
		MaxReconnectAttempts: 3,
		ConnectTimeout:       time.Second,
		ModeSetDelay:         time.Millisecond,
	}
}

func TestSubscribeSendsSubscribeThenMode(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	s := New(testConfig(), dialer, func(wire.Tick, time.Time) {}, nil, zerolog.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Subscribe(context.Background(), []uint32{738561}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if s.State() != StateOpenSubscribed {
		t.Fatalf("State() = %v, want OpenSubscribed", s.State())
	}
	if conn.writeCount() != 2 {
		t.Fatalf("writeCount() = %d, want 2 (subscribe + mode)", conn.writeCount())
	}
}

func TestTicksDeliveredInWireOrder(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn}}

	var mu sync.Mutex
	var tokens []uint32
	onTick := func(tick wire.Tick, observedAt time.Time) {
		mu.Lock()
		tokens = append(tokens, tick.Token)
		mu.Unlock()
	}

	s := New(testConfig(), dialer, onTick, nil, zerolog.Nop())
	s.Start(context.Background())

	conn.toClient <- ltpFrame(1, 100)
	conn.toClient <- ltpFrame(2, 200)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(tokens)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(tokens) != 2 || tokens[0] != 1 || tokens[1] != 2 {
		t.Fatalf("tokens = %v, want [1 2]", tokens)
	}
}

func TestStartRejectsFirstDialFailureThenRecoversInBackground(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{
		conns: []*fakeConn{nil, conn},
		errs:  []error{fmt.Errorf("refused")},
	}

	s := New(testConfig(), dialer, func(wire.Tick, time.Time) {}, nil, zerolog.Nop())

	begin := time.Now()
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("Start should surface the first dial attempt's failure")
	}
	if elapsed := time.Since(begin); elapsed > time.Second {
		t.Fatalf("Start blocked %v, want a prompt reject ahead of the backoff timer", elapsed)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && s.State() != StateOpenUnsubscribed {
		time.Sleep(time.Millisecond)
	}
	if s.State() != StateOpenUnsubscribed {
		t.Fatalf("State() = %v, want OpenUnsubscribed from the background reconnect", s.State())
	}
}

func TestReconnectResubscribesFullBatch(t *testing.T) {
	conn1 := newFakeConn()
	conn2 := newFakeConn()
	dialer := &fakeDialer{conns: []*fakeConn{conn1, conn2}}

	s := New(testConfig(), dialer, func(wire.Tick, time.Time) {}, nil, zerolog.Nop())
	ctx := context.Background()
	s.Start(ctx)
	s.Subscribe(ctx, []uint32{1, 2})

	conn1.pushClose()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && (conn2.writeCount() < 2 || s.State() != StateOpenSubscribed) {
		time.Sleep(time.Millisecond)
	}
	if s.State() != StateOpenSubscribed {
		t.Fatalf("State() = %v after reconnect, want OpenSubscribed", s.State())
	}
	if conn2.writeCount() != 2 {
		t.Fatalf("conn2.writeCount() = %d, want 2 (resubscribe of full batch)", conn2.writeCount())
	}
}

func TestReconnectExhaustionNotifies(t *testing.T) {
	conn := newFakeConn()
	dialer := &fakeDialer{
		conns: []*fakeConn{conn},
		errs:  []error{nil, fmt.Errorf("refused"), fmt.Errorf("refused"), fmt.Errorf("refused")},
	}

	s := New(testConfig(), dialer, func(wire.Tick, time.Time) {}, nil, zerolog.Nop())
	ctx := context.Background()
	s.Start(ctx)
	conn.pushClose()

	select {
	case <-s.Notify:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Notify to fire after exhausting reconnect attempts")
	}
}
