package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/talkincode/wadesk/internal/domain"
)

type fakeSocket struct {
	events chan TransportEvent

	mu      sync.Mutex
	sent    []string
	sendErr error
	creds   *Credentials
	closed  bool
	logouts int
	sealed  int
	seq     int
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{events: make(chan TransportEvent, 16)}
}

func (s *fakeSocket) Events() <-chan TransportEvent { return s.events }

func (s *fakeSocket) SendText(ctx context.Context, to, text string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return "", s.sendErr
	}
	s.seq++
	s.sent = append(s.sent, to+":"+text)
	return fmt.Sprintf("WAID-%d", s.seq), nil
}

func (s *fakeSocket) SendMedia(ctx context.Context, to string, media Media) (string, error) {
	return s.SendText(ctx, to, "["+media.Type+"]"+media.Caption)
}

func (s *fakeSocket) Credentials() (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds, nil
}

func (s *fakeSocket) Logout(ctx context.Context) error {
	s.mu.Lock()
	s.logouts++
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) Sealed(ctx context.Context) error {
	s.mu.Lock()
	s.sealed++
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) sealCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sealed
}

func (s *fakeSocket) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeTransport struct {
	mu      sync.Mutex
	sockets []*fakeSocket
	seeds   []*Credentials
	forgot  []*Credentials
	openErr error
}

func (t *fakeTransport) Open(ctx context.Context, key InstanceKey, creds *Credentials) (Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openErr != nil {
		return nil, t.openErr
	}
	s := newFakeSocket()
	t.sockets = append(t.sockets, s)
	t.seeds = append(t.seeds, creds)
	return s, nil
}

func (t *fakeTransport) Forget(ctx context.Context, key InstanceKey, creds *Credentials) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forgot = append(t.forgot, creds)
	return nil
}

func (t *fakeTransport) forgotten() []*Credentials {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Credentials(nil), t.forgot...)
}

func (t *fakeTransport) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sockets)
}

func (t *fakeTransport) last() *fakeSocket {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.sockets) == 0 {
		return nil
	}
	return t.sockets[len(t.sockets)-1]
}

type memSessions struct {
	mu      sync.Mutex
	rows    map[InstanceKey]*Credentials
	loadErr error
	// failFor limits loadErr to one instance id when set
	failFor string
}

func newMemSessions() *memSessions {
	return &memSessions{rows: map[InstanceKey]*Credentials{}}
}

func (m *memSessions) Load(ctx context.Context, key InstanceKey) (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil && (m.failFor == "" || m.failFor == key.InstanceID) {
		return nil, m.loadErr
	}
	return m.rows[key], nil
}

func (m *memSessions) Save(ctx context.Context, key InstanceKey, creds *Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key] = creds
	return nil
}

func (m *memSessions) Delete(ctx context.Context, key InstanceKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key)
	return nil
}

func (m *memSessions) has(key InstanceKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.rows[key]
	return ok
}

type memInstances struct {
	mu       sync.Mutex
	statuses map[InstanceKey]string
	rows     []domain.WhatsAppInstance
}

func newMemInstances() *memInstances {
	return &memInstances{statuses: map[InstanceKey]string{}}
}

func (m *memInstances) UpdateStatus(ctx context.Context, key InstanceKey, status, phone string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[key] = status
	return nil
}

func (m *memInstances) ListRestorable(ctx context.Context) ([]domain.WhatsAppInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows, nil
}

func (m *memInstances) status(key InstanceKey) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[key]
}

type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(ev domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *recordingBus) ofType(typ string) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, ev := range b.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// manualClock records reconnect delays and fires them on demand.
type manualClock struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []*manualTimer
}

type manualTimer struct {
	c       *manualClock
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{c: c, f: f}
	c.delays = append(c.delays, d)
	c.pending = append(c.pending, t)
	return t
}

// fire runs the oldest live timer. It reports false when none is pending.
func (c *manualClock) fire() bool {
	c.mu.Lock()
	var next *manualTimer
	for len(c.pending) > 0 {
		t := c.pending[0]
		c.pending = c.pending[1:]
		if !t.stopped {
			t.fired = true
			next = t
			break
		}
	}
	c.mu.Unlock()
	if next == nil {
		return false
	}
	next.f()
	return true
}

func (c *manualClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

var errBoom = errors.New("boom")
