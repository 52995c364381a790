package main

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"agentarena/broker/internal/logging"
	"agentarena/broker/internal/rounds"
	"agentarena/broker/internal/transcript"
)

// transcriptManager keeps one open archiver per active round. Hook calls
// arrive from the room dispatch loops; appends can race across rooms, hence
// the mutex.
type transcriptManager struct {
	root string
	log  *logging.Logger
	now  func() time.Time

	mu   sync.Mutex
	open map[uuid.UUID]*transcript.Archiver
}

// newTranscriptManager returns nil when archiving is not configured; the nil
// receiver turns every method into a no-op.
func newTranscriptManager(root string, logger *logging.Logger, clock func() time.Time) *transcriptManager {
	if root == "" {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &transcriptManager{
		root: root,
		log:  logger,
		now:  clock,
		open: make(map[uuid.UUID]*transcript.Archiver),
	}
}

// RoundStarted opens the round's archive directory.
func (m *transcriptManager) RoundStarted(roundID uuid.UUID) {
	if m == nil {
		return
	}
	archiver, manifest, err := transcript.NewArchiver(m.root, roundID.String(), m.now)
	if err != nil {
		m.log.Error("transcript open failed",
			logging.String("round_id", roundID.String()), logging.Error(err))
		return
	}
	m.mu.Lock()
	m.open[roundID] = archiver
	m.mu.Unlock()
	m.log.Info("transcript opened",
		logging.String("round_id", roundID.String()),
		logging.String("path", manifest.MessagesPath),
	)
}

// Append records one routed message in the round's archive.
func (m *transcriptManager) Append(roundID uuid.UUID, kind, sender string, payload []byte) {
	if m == nil {
		return
	}
	m.mu.Lock()
	archiver := m.open[roundID]
	m.mu.Unlock()
	if archiver == nil {
		return
	}
	if err := archiver.AppendMessage(kind, sender, payload); err != nil {
		m.log.Warn("transcript append failed",
			logging.String("round_id", roundID.String()), logging.Error(err))
	}
}

// RoundEnded seals the archive with the round's action summary.
func (m *transcriptManager) RoundEnded(roundID uuid.UUID, actions []rounds.LogEntry) {
	if m == nil {
		return
	}
	m.mu.Lock()
	archiver := m.open[roundID]
	delete(m.open, roundID)
	m.mu.Unlock()
	if archiver == nil {
		return
	}
	if err := archiver.Close(actions); err != nil {
		m.log.Warn("transcript close failed",
			logging.String("round_id", roundID.String()), logging.Error(err))
	}
}

// CloseAll seals any archives still open at shutdown.
func (m *transcriptManager) CloseAll() {
	if m == nil {
		return
	}
	m.mu.Lock()
	open := m.open
	m.open = make(map[uuid.UUID]*transcript.Archiver)
	m.mu.Unlock()
	for roundID, archiver := range open {
		if err := archiver.Close(nil); err != nil {
			m.log.Warn("transcript close failed",
				logging.String("round_id", roundID.String()), logging.Error(err))
		}
	}
}
