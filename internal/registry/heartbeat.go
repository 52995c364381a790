package registry

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"agentarena/broker/internal/logging"
)

// Monitor drives application-level liveness: it emits heartbeat probes on a
// fixed cadence and evicts clients that fail to acknowledge within the
// configured grace period.
type Monitor struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	probe    func() []byte
	onEvict  func(client *Client, roomID uuid.UUID, subscribed bool)
	log      *logging.Logger
}

// NewMonitor wires a heartbeat monitor over the registry. The probe callback
// builds the serialized heartbeat message; onEvict runs after a stale client
// has been closed so the owner can finish room cleanup.
func NewMonitor(reg *Registry, interval, timeout time.Duration, probe func() []byte, onEvict func(*Client, uuid.UUID, bool), logger *logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.L()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Monitor{
		registry: reg,
		interval: interval,
		timeout:  timeout,
		probe:    probe,
		onEvict:  onEvict,
		log:      logger,
	}
}

// Run blocks until the context is cancelled, probing every interval.
func (m *Monitor) Run(ctx context.Context) {
	if m == nil || m.registry == nil {
		return
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick evicts clients that missed the previous probe window, then emits the
// next probe to everyone still registered.
func (m *Monitor) tick() {
	//1.- A client is stale once a full interval plus the grace period has
	// elapsed since its last acknowledgement.
	for _, client := range m.registry.StaleClients(m.interval + m.timeout) {
		m.log.Info("evicting unresponsive client", logging.String("client_id", client.ID))
		roomID, subscribed := m.registry.Unregister(client)
		client.CloseWithReason(websocket.ClosePolicyViolation, "heartbeat missed")
		if m.onEvict != nil {
			m.onEvict(client, roomID, subscribed)
		}
	}
	//2.- Probe the survivors.
	if m.probe == nil {
		return
	}
	payload := m.probe()
	if len(payload) == 0 {
		return
	}
	m.registry.mu.Lock()
	clients := make([]*Client, 0, len(m.registry.clients))
	for _, state := range m.registry.clients {
		clients = append(clients, state.client)
	}
	m.registry.mu.Unlock()
	for _, client := range clients {
		m.registry.Send(client, payload)
	}
}
