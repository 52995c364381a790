package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agentarena/broker/internal/logging"
	"agentarena/broker/internal/protocol"
	"agentarena/broker/internal/registry"
	"agentarena/broker/internal/router"
)

const dispatchQueueSize = 512

var errBrokerClosed = errors.New("broker closed")

// Broker owns the websocket accept path and one dispatch loop per room. All
// room-scoped traffic is funnelled through that loop, which is what lets the
// round tracker run without locks.
type Broker struct {
	log      *logging.Logger
	registry *registry.Registry
	router   *router.Router
	auth     websocketAuthenticator
	upgrader websocket.Upgrader

	maxPayloadBytes int64
	pingInterval    time.Duration

	mu     sync.Mutex
	rooms  map[uuid.UUID]chan func()
	closed bool

	done    chan struct{}
	drained chan struct{}
	wg      sync.WaitGroup
}

// BrokerOption customises broker construction.
type BrokerOption func(*Broker)

// WithMaxPayloadBytes caps the size of inbound websocket frames.
func WithMaxPayloadBytes(limit int64) BrokerOption {
	return func(b *Broker) {
		if limit > 0 {
			b.maxPayloadBytes = limit
		}
	}
}

// WithPingInterval overrides how often the write pump pings idle sockets.
func WithPingInterval(interval time.Duration) BrokerOption {
	return func(b *Broker) {
		if interval > 0 {
			b.pingInterval = interval
		}
	}
}

// WithAllowedOrigins restricts websocket upgrades to the listed origins. An
// empty list, or a "*" entry, accepts any origin.
func WithAllowedOrigins(origins []string) BrokerOption {
	return func(b *Broker) {
		b.upgrader.CheckOrigin = originChecker(origins)
	}
}

// NewBroker wires the websocket surface on top of the routing pipeline.
func NewBroker(rt *router.Router, reg *registry.Registry, logger *logging.Logger, opts ...BrokerOption) *Broker {
	if logger == nil {
		logger = logging.L()
	}
	b := &Broker{
		log:          logger,
		registry:     reg,
		router:       rt,
		auth:         allowAllAuthenticator{},
		pingInterval: 30 * time.Second,
		rooms:        make(map[uuid.UUID]chan func()),
		done:         make(chan struct{}),
		drained:      make(chan struct{}),
	}
	b.upgrader = websocket.Upgrader{CheckOrigin: originChecker(nil)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(origin, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(strings.TrimRight(r.Header.Get("Origin"), "/"))
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ServeWS upgrades the request and starts the connection's pumps.
func (b *Broker) ServeWS(w http.ResponseWriter, r *http.Request) {
	ident, err := b.auth.Authenticate(r)
	if err != nil {
		b.log.Warn("websocket auth rejected", logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	clientID := ident.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	client := registry.NewClient(clientID, conn, 0)
	client.UserID = ident.UserID
	client.AgentID = ident.AgentID
	client.Wallet = ident.Wallet

	if err := b.registry.Register(client); err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
		_ = conn.Close()
		return
	}
	if b.maxPayloadBytes > 0 {
		conn.SetReadLimit(b.maxPayloadBytes)
	}
	conn.SetPongHandler(func(string) error {
		b.registry.Touch(client)
		return nil
	})
	b.log.Info("websocket connected",
		logging.String("client_id", client.ID),
		logging.Bool("agent", client.IsAgent()),
	)

	go client.WritePump(b.pingInterval)
	go b.readLoop(client, conn)
}

func (b *Broker) readLoop(client *registry.Client, conn *websocket.Conn) {
	defer b.disconnect(client, conn)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.log.Debug("websocket read failed",
					logging.String("client_id", client.ID), logging.Error(err))
			}
			return
		}
		// Any inbound frame counts as liveness.
		b.registry.Touch(client)

		message, perr := b.router.Decode(raw)
		if perr != nil {
			b.router.Notify(client, "", perr)
			continue
		}
		b.dispatchMessage(client, message)
	}
}

// dispatchMessage routes room-scoped kinds through the owning room's loop and
// runs the rest inline on the reader goroutine.
func (b *Broker) dispatchMessage(client *registry.Client, message *protocol.Message) {
	roomID, scoped := router.RoomOf(message)
	if !scoped {
		if perr := b.router.Handle(context.Background(), client, message); perr != nil {
			b.router.Notify(client, "", perr)
		}
		return
	}
	room := roomID.String()
	err := b.enqueue(roomID, func() {
		if perr := b.router.Handle(context.Background(), client, message); perr != nil {
			b.router.Notify(client, room, perr)
		}
	})
	if err != nil {
		b.log.Warn("message dropped during shutdown", logging.String("client_id", client.ID))
	}
}

func (b *Broker) disconnect(client *registry.Client, conn *websocket.Conn) {
	roomID, subscribed := b.registry.Unregister(client)
	client.CloseWithReason(websocket.CloseNormalClosure, "")
	_ = conn.Close()
	b.log.Info("websocket disconnected", logging.String("client_id", client.ID))
	if subscribed {
		_ = b.enqueue(roomID, func() {
			b.router.HandleDeparture(context.Background(), roomID)
		})
	}
}

// OnEvict is the heartbeat monitor callback: the registry entry is already
// gone, the room bookkeeping still needs to catch up.
func (b *Broker) OnEvict(client *registry.Client, roomID uuid.UUID, subscribed bool) {
	b.log.Warn("client evicted for missed heartbeats", logging.String("client_id", client.ID))
	if subscribed {
		_ = b.enqueue(roomID, func() {
			b.router.HandleDeparture(context.Background(), roomID)
		})
	}
}

// RunInRoom executes fn on roomID's dispatch loop and waits for completion.
// Used by the HTTP fallback endpoints so both transports share ordering.
func (b *Broker) RunInRoom(ctx context.Context, roomID uuid.UUID, fn func()) error {
	finished := make(chan struct{})
	err := b.enqueueContext(ctx, roomID, func() {
		defer close(finished)
		fn()
	})
	if err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-b.drained:
		// Shutdown drained the queues; a job that never ran will not run.
		select {
		case <-finished:
			return nil
		default:
			return errBrokerClosed
		}
	}
}

func (b *Broker) enqueue(roomID uuid.UUID, job func()) error {
	return b.enqueueContext(context.Background(), roomID, job)
}

func (b *Broker) enqueueContext(ctx context.Context, roomID uuid.UUID, job func()) error {
	queue, err := b.roomQueue(roomID)
	if err != nil {
		return err
	}
	select {
	case queue <- job:
		return nil
	case <-b.done:
		return errBrokerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) roomQueue(roomID uuid.UUID) (chan func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errBrokerClosed
	}
	queue, ok := b.rooms[roomID]
	if !ok {
		queue = make(chan func(), dispatchQueueSize)
		b.rooms[roomID] = queue
		b.wg.Add(1)
		go b.dispatchLoop(queue)
	}
	return queue, nil
}

func (b *Broker) dispatchLoop(queue chan func()) {
	defer b.wg.Done()
	for {
		select {
		case job := <-queue:
			job()
		case <-b.done:
			// Run whatever was accepted before shutdown, then exit.
			for {
				select {
				case job := <-queue:
					job()
				default:
					return
				}
			}
		}
	}
}

// Close stops accepting new work, drains the room queues and waits for the
// dispatch loops to exit.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	close(b.drained)
}
