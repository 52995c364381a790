package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agentarena/broker/internal/logging"
)

// ErrRegistryFull is returned when the configured connection cap is reached.
var ErrRegistryFull = errors.New("connection limit reached")

// Conn is the subset of *websocket.Conn the registry needs; tests substitute
// in-memory fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Client is one live websocket subscriber. Humans carry a UserID, agents an
// AgentID and wallet address; either may be blank for the other population.
type Client struct {
	ID      string
	UserID  string
	AgentID uuid.UUID
	Wallet  string

	conn Conn
	send chan []byte

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

// NewClient wraps an accepted connection with its buffered send queue.
func NewClient(id string, conn Conn, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Client{ID: id, conn: conn, send: make(chan []byte, queueSize)}
}

// IsAgent reports whether the client authenticated as a wallet-backed agent.
func (c *Client) IsAgent() bool {
	return c != nil && c.AgentID != uuid.Nil
}

// Outbox exposes the pending send queue. The write pump normally drains it;
// tests read it directly.
func (c *Client) Outbox() <-chan []byte {
	if c == nil {
		return nil
	}
	return c.send
}

// WritePump drains the send queue onto the wire and keeps the transport alive
// with periodic pings. It owns the connection: when the queue closes or a
// write fails the socket is torn down.
func (c *Client) WritePump(pingInterval time.Duration) {
	if c == nil || c.conn == nil {
		return
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				// Queue closed: emit the recorded close frame. The fields were
				// written before close(send), so this read is ordered after them.
				code := c.closeCode
				if code == 0 {
					code = websocket.CloseNormalClosure
				}
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, c.closeReason))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// CloseWithReason records the close frame to emit and shuts the send queue.
// The write pump is the only goroutine allowed to touch the connection, so
// the frame itself goes out there once the queue drains.
func (c *Client) CloseWithReason(code int, reason string) {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.send)
	})
}

type clientState struct {
	client   *Client
	room     uuid.UUID
	lastBeat time.Time
}

// Registry tracks live connections and their room subscriptions, and fans
// serialized payloads out to per-connection send queues.
type Registry struct {
	mu         sync.Mutex
	clients    map[string]*clientState
	rooms      map[uuid.UUID]map[*Client]struct{}
	maxClients int
	log        *logging.Logger
	now        func() time.Time
}

// RegistryOption configures optional Registry behaviour at construction time.
type RegistryOption func(*Registry)

// WithMaxClients caps the number of simultaneous connections.
func WithMaxClients(limit int) RegistryOption {
	return func(r *Registry) {
		if limit > 0 {
			r.maxClients = limit
		}
	}
}

// WithRegistryClock overrides the liveness time source; primarily used in tests.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// NewRegistry constructs an empty connection registry.
func NewRegistry(logger *logging.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = logging.L()
	}
	reg := &Registry{
		clients: make(map[string]*clientState),
		rooms:   make(map[uuid.UUID]map[*Client]struct{}),
		log:     logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(reg)
		}
	}
	return reg
}

// Register admits the client, rejecting it when the connection cap is hit.
func (r *Registry) Register(client *Client) error {
	if r == nil || client == nil {
		return errors.New("registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxClients > 0 && len(r.clients) >= r.maxClients {
		return ErrRegistryFull
	}
	r.clients[client.ID] = &clientState{
		client:   client,
		lastBeat: r.now(),
	}
	return nil
}

// Unregister removes the client from its room and from the registry,
// returning the room it was subscribed to, if any.
func (r *Registry) Unregister(client *Client) (uuid.UUID, bool) {
	if r == nil || client == nil {
		return uuid.Nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.clients[client.ID]
	if !ok {
		return uuid.Nil, false
	}
	roomID := state.room
	if roomID != uuid.Nil {
		r.detachLocked(client, roomID)
	}
	delete(r.clients, client.ID)
	return roomID, roomID != uuid.Nil
}

// Join subscribes the client to the room and returns the new occupancy. A
// connection belongs to at most one room: joining a new room implicitly
// leaves the previous one, whose identifier is returned for cleanup.
func (r *Registry) Join(client *Client, roomID uuid.UUID) (int, uuid.UUID, error) {
	if r == nil || client == nil {
		return 0, uuid.Nil, errors.New("registry not initialised")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.clients[client.ID]
	if !ok {
		return 0, uuid.Nil, errors.New("client is not registered")
	}
	previous := uuid.Nil
	if state.room != uuid.Nil && state.room != roomID {
		previous = state.room
		r.detachLocked(client, previous)
	}
	state.room = roomID
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[*Client]struct{})
		r.rooms[roomID] = members
	}
	members[client] = struct{}{}
	return len(members), previous, nil
}

// Leave unsubscribes the client from the room and returns the new occupancy.
func (r *Registry) Leave(client *Client, roomID uuid.UUID) int {
	if r == nil || client == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.clients[client.ID]; ok && state.room == roomID {
		state.room = uuid.Nil
	}
	r.detachLocked(client, roomID)
	return len(r.rooms[roomID])
}

// Room returns the room the client is currently subscribed to, if any.
func (r *Registry) Room(client *Client) (uuid.UUID, bool) {
	if r == nil || client == nil {
		return uuid.Nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.clients[client.ID]
	if !ok || state.room == uuid.Nil {
		return uuid.Nil, false
	}
	return state.room, true
}

func (r *Registry) detachLocked(client *Client, roomID uuid.UUID) {
	members, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// Broadcast enqueues the already-serialized payload for every room member not
// named in exclude. A member whose queue is full is dropped on the spot; the
// dropped clients are returned so the caller can finish their cleanup.
func (r *Registry) Broadcast(roomID uuid.UUID, payload []byte, exclude map[string]struct{}) []*Client {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var dropped []*Client
	for member := range r.rooms[roomID] {
		if _, skip := exclude[member.ID]; skip {
			continue
		}
		if !r.enqueueLocked(member, payload) {
			dropped = append(dropped, member)
		}
	}
	return dropped
}

// SendToAgents delivers the payload only to room members with the given agent
// identities, returning the agent ids that had no live connection.
func (r *Registry) SendToAgents(roomID uuid.UUID, payload []byte, agentIDs []uuid.UUID) []uuid.UUID {
	if r == nil {
		return agentIDs
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	//1.- Index the room's live agent connections once per call.
	live := make(map[uuid.UUID]*Client, len(r.rooms[roomID]))
	for member := range r.rooms[roomID] {
		if member.AgentID != uuid.Nil {
			live[member.AgentID] = member
		}
	}
	var missing []uuid.UUID
	for _, agentID := range agentIDs {
		member, ok := live[agentID]
		if !ok {
			missing = append(missing, agentID)
			continue
		}
		if !r.enqueueLocked(member, payload) {
			missing = append(missing, agentID)
		}
	}
	return missing
}

// Send enqueues the payload for a single client.
func (r *Registry) Send(client *Client, payload []byte) bool {
	if r == nil || client == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enqueueLocked(client, payload)
}

// enqueueLocked performs a non-blocking send. A saturated queue evicts the
// client immediately rather than stalling the whole room.
func (r *Registry) enqueueLocked(client *Client, payload []byte) bool {
	state, ok := r.clients[client.ID]
	if !ok {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		r.log.Warn("dropping slow client", logging.String("client_id", client.ID))
		if state.room != uuid.Nil {
			r.detachLocked(client, state.room)
		}
		delete(r.clients, client.ID)
		client.CloseWithReason(websocket.CloseGoingAway, "send queue overflow")
		return false
	}
}

// RoomOccupancy returns the number of live connections in the room.
func (r *Registry) RoomOccupancy(roomID uuid.UUID) int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomID])
}

// Occupancies snapshots every room's live connection count; the
// reconciliation sweep feeds these into the persisted counters.
func (r *Registry) Occupancies() map[uuid.UUID]int {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[uuid.UUID]int, len(r.rooms))
	for roomID, members := range r.rooms {
		counts[roomID] = len(members)
	}
	return counts
}

// RoomMembers lists the room's members for participant roster broadcasts.
func (r *Registry) RoomMembers(roomID uuid.UUID) []*Client {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]*Client, 0, len(r.rooms[roomID]))
	for member := range r.rooms[roomID] {
		members = append(members, member)
	}
	return members
}

// Touch records a heartbeat acknowledgement from the client.
func (r *Registry) Touch(client *Client) {
	if r == nil || client == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.clients[client.ID]; ok {
		state.lastBeat = r.now()
	}
}

// StaleClients returns every client whose last heartbeat is older than the
// deadline. The registry is not mutated; callers disconnect explicitly.
func (r *Registry) StaleClients(deadline time.Duration) []*Client {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-deadline)
	var stale []*Client
	for _, state := range r.clients {
		if state.lastBeat.Before(cutoff) {
			stale = append(stale, state.client)
		}
	}
	return stale
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
