package registry

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agentarena/broker/internal/logging"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func newTestClient(id string, queue int) *Client {
	return NewClient(id, &fakeConn{}, queue)
}

func drain(t *testing.T, c *Client) []byte {
	t.Helper()
	select {
	case msg := <-c.send:
		return msg
	default:
		t.Fatalf("expected a queued message for %s", c.ID)
		return nil
	}
}

func TestRegisterHonoursConnectionCap(t *testing.T) {
	reg := NewRegistry(logging.NewTestLogger(), WithMaxClients(1))
	if err := reg.Register(newTestClient("a", 4)); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := reg.Register(newTestClient("b", 4)); !errors.Is(err, ErrRegistryFull) {
		t.Fatalf("expected ErrRegistryFull, got %v", err)
	}
}

func TestJoinLeaveTracksOccupancy(t *testing.T) {
	reg := NewRegistry(logging.NewTestLogger())
	roomID := uuid.New()
	alpha, bravo := newTestClient("alpha", 4), newTestClient("bravo", 4)
	for _, c := range []*Client{alpha, bravo} {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register %s: %v", c.ID, err)
		}
	}

	if count, _, err := reg.Join(alpha, roomID); err != nil || count != 1 {
		t.Fatalf("expected occupancy 1, got %d (%v)", count, err)
	}
	if count, _, err := reg.Join(bravo, roomID); err != nil || count != 2 {
		t.Fatalf("expected occupancy 2, got %d (%v)", count, err)
	}
	if count := reg.Leave(alpha, roomID); count != 1 {
		t.Fatalf("expected occupancy 1 after leave, got %d", count)
	}
	if count := reg.Leave(bravo, roomID); count != 0 {
		t.Fatalf("expected empty room, got %d", count)
	}
	if _, ok := reg.rooms[roomID]; ok {
		t.Fatalf("expected empty room to be pruned")
	}
}

func TestJoinMovesClientBetweenRooms(t *testing.T) {
	reg := NewRegistry(logging.NewTestLogger())
	first, second := uuid.New(), uuid.New()
	client := newTestClient("mover", 4)
	if err := reg.Register(client); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, previous, err := reg.Join(client, first); err != nil || previous != uuid.Nil {
		t.Fatalf("unexpected initial join result %v %v", previous, err)
	}
	count, previous, err := reg.Join(client, second)
	if err != nil || count != 1 {
		t.Fatalf("expected occupancy 1 in the new room, got %d (%v)", count, err)
	}
	if previous != first {
		t.Fatalf("expected the previous room to be reported, got %v", previous)
	}
	if reg.RoomOccupancy(first) != 0 {
		t.Fatalf("expected the previous room to be vacated")
	}
	if room, ok := reg.Room(client); !ok || room != second {
		t.Fatalf("expected membership in the new room, got %v %v", room, ok)
	}
}

func TestBroadcastExcludesSender(t *testing.T) {
	reg := NewRegistry(logging.NewTestLogger())
	roomID := uuid.New()
	alpha, bravo := newTestClient("alpha", 4), newTestClient("bravo", 4)
	for _, c := range []*Client{alpha, bravo} {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register: %v", err)
		}
		if _, _, err := reg.Join(c, roomID); err != nil {
			t.Fatalf("join: %v", err)
		}
	}

	dropped := reg.Broadcast(roomID, []byte("hello"), map[string]struct{}{"alpha": {}})
	if len(dropped) != 0 {
		t.Fatalf("expected no drops, got %d", len(dropped))
	}
	if got := drain(t, bravo); string(got) != "hello" {
		t.Fatalf("unexpected payload %q", got)
	}
	select {
	case msg := <-alpha.send:
		t.Fatalf("excluded sender received %q", msg)
	default:
	}
}

func TestBroadcastEvictsSaturatedClient(t *testing.T) {
	reg := NewRegistry(logging.NewTestLogger())
	roomID := uuid.New()
	slow := newTestClient("slow", 1)
	if err := reg.Register(slow); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := reg.Join(slow, roomID); err != nil {
		t.Fatalf("join: %v", err)
	}

	reg.Broadcast(roomID, []byte("one"), nil)
	dropped := reg.Broadcast(roomID, []byte("two"), nil)
	if len(dropped) != 1 || dropped[0].ID != "slow" {
		t.Fatalf("expected the saturated client to be dropped, got %v", dropped)
	}
	if reg.Len() != 0 {
		t.Fatalf("expected dropped client to leave the registry")
	}
	if reg.RoomOccupancy(roomID) != 0 {
		t.Fatalf("expected dropped client to leave the room")
	}
}

func TestSendToAgentsReportsMissing(t *testing.T) {
	reg := NewRegistry(logging.NewTestLogger())
	roomID := uuid.New()
	online := newTestClient("online", 4)
	online.AgentID = uuid.New()
	if err := reg.Register(online); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, _, err := reg.Join(online, roomID); err != nil {
		t.Fatalf("join: %v", err)
	}

	offline := uuid.New()
	missing := reg.SendToAgents(roomID, []byte("ping"), []uuid.UUID{online.AgentID, offline})
	if len(missing) != 1 || missing[0] != offline {
		t.Fatalf("expected only the offline agent reported, got %v", missing)
	}
	if got := drain(t, online); string(got) != "ping" {
		t.Fatalf("unexpected payload %q", got)
	}
}

func TestStaleClientsUseHeartbeatClock(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(logging.NewTestLogger(), WithRegistryClock(func() time.Time { return now }))
	fresh, idle := newTestClient("fresh", 4), newTestClient("idle", 4)
	for _, c := range []*Client{fresh, idle} {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	now = now.Add(45 * time.Second)
	reg.Touch(fresh)

	stale := reg.StaleClients(40 * time.Second)
	if len(stale) != 1 || stale[0].ID != "idle" {
		t.Fatalf("expected only the idle client to be stale, got %v", stale)
	}
}

// serialConn records every frame and counts writes that arrive while another
// write is still in progress.
type serialConn struct {
	mu       sync.Mutex
	inFlight atomic.Int32
	overlaps atomic.Int32
	types    []int
	frames   [][]byte
	done     chan struct{}
	once     sync.Once
}

func newSerialConn() *serialConn {
	return &serialConn{done: make(chan struct{})}
}

func (c *serialConn) WriteMessage(messageType int, data []byte) error {
	if c.inFlight.Add(1) > 1 {
		c.overlaps.Add(1)
	}
	time.Sleep(time.Millisecond)
	c.mu.Lock()
	c.types = append(c.types, messageType)
	c.frames = append(c.frames, append([]byte(nil), data...))
	c.mu.Unlock()
	c.inFlight.Add(-1)
	return nil
}

func (c *serialConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func TestCloseWithReasonDefersFrameToWritePump(t *testing.T) {
	conn := newSerialConn()
	client := NewClient("evicted", conn, 8)
	for i := 0; i < 8; i++ {
		client.send <- []byte("payload")
	}

	go client.WritePump(time.Hour)
	client.CloseWithReason(websocket.ClosePolicyViolation, "heartbeat missed")

	select {
	case <-conn.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("write pump did not exit after the queue closed")
	}

	if n := conn.overlaps.Load(); n != 0 {
		t.Fatalf("expected a single connection writer, got %d overlapping writes", n)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	last := len(conn.frames) - 1
	if conn.types[last] != websocket.CloseMessage {
		t.Fatalf("expected the final frame to be the close frame, got type %d", conn.types[last])
	}
	want := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "heartbeat missed")
	if !bytes.Equal(conn.frames[last], want) {
		t.Fatalf("unexpected close payload %q", conn.frames[last])
	}
}

func TestMonitorEvictsAndProbes(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	reg := NewRegistry(logging.NewTestLogger(), WithRegistryClock(func() time.Time { return now }))
	fresh, idle := newTestClient("fresh", 4), newTestClient("idle", 4)
	for _, c := range []*Client{fresh, idle} {
		if err := reg.Register(c); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	var evicted []string
	monitor := NewMonitor(reg, 30*time.Second, 10*time.Second,
		func() []byte { return []byte("probe") },
		func(c *Client, _ uuid.UUID, _ bool) { evicted = append(evicted, c.ID) },
		logging.NewTestLogger(),
	)

	now = now.Add(time.Minute)
	reg.Touch(fresh)
	monitor.tick()

	if len(evicted) != 1 || evicted[0] != "idle" {
		t.Fatalf("expected the idle client evicted, got %v", evicted)
	}
	if got := drain(t, fresh); string(got) != "probe" {
		t.Fatalf("expected the survivor to receive the probe, got %q", got)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected one registered client, got %d", reg.Len())
	}
}
