package rounds

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRoundInactive is returned when an effect targets a round that is not running.
	ErrRoundInactive = errors.New("round is not active")
	// ErrEffectNotFound is returned when removal targets an unknown effect.
	ErrEffectNotFound = errors.New("effect not found")
	// ErrUnknownAction is returned for action kinds outside the closed enum.
	ErrUnknownAction = errors.New("unknown pvp action type")
)

// ActionType enumerates the supported player-versus-player actions.
type ActionType string

const (
	ActionAttack       ActionType = "attack"
	ActionDefend       ActionType = "defend"
	ActionSilence      ActionType = "silence"
	ActionDeafen       ActionType = "deafen"
	ActionPoison       ActionType = "poison"
	ActionRemoveEffect ActionType = "remove_effect"
)

// Valid reports whether the action kind is part of the closed enumeration.
func (a ActionType) Valid() bool {
	switch a {
	case ActionAttack, ActionDefend, ActionSilence, ActionDeafen, ActionPoison, ActionRemoveEffect:
		return true
	default:
		return false
	}
}

// Effect is a time-bounded modifier applied to an agent during a round.
type Effect struct {
	ID        uuid.UUID       `json:"effectId"`
	Action    ActionType      `json:"actionType"`
	SourceID  uuid.UUID       `json:"sourceId"`
	TargetID  uuid.UUID       `json:"targetId"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Transform json.RawMessage `json:"transform,omitempty"`
}

// LogEntry records one action in the round's append-only action log.
type LogEntry struct {
	At       time.Time  `json:"at"`
	Action   ActionType `json:"actionType"`
	SourceID uuid.UUID  `json:"sourceId"`
	TargetID uuid.UUID  `json:"targetId"`
	EffectID uuid.UUID  `json:"effectId,omitempty"`
}

// poisonTransform describes the text substitution a poison effect applies.
type poisonTransform struct {
	Find    string `json:"find"`
	Replace string `json:"replace"`
}

type roundState struct {
	active  bool
	effects []*Effect
	log     []LogEntry
}

// Tracker is the in-memory table of per-round combat state. It performs no
// internal locking: every mutation happens on the owning room's dispatch
// loop, so append, remove and sweep are serialized by scheduling order.
type Tracker struct {
	now    func() time.Time
	rounds map[uuid.UUID]*roundState
}

// TrackerOption configures optional Tracker behaviour at construction time.
type TrackerOption func(*Tracker)

// WithTrackerClock overrides the expiry time source; primarily used in tests.
func WithTrackerClock(clock func() time.Time) TrackerOption {
	return func(t *Tracker) {
		if clock != nil {
			t.now = clock
		}
	}
}

// NewTracker constructs an empty tracker ready to service round timelines.
func NewTracker(opts ...TrackerOption) *Tracker {
	tracker := &Tracker{now: time.Now, rounds: make(map[uuid.UUID]*roundState)}
	for _, opt := range opts {
		if opt != nil {
			opt(tracker)
		}
	}
	return tracker
}

// StartRound registers the round as active, creating its state lazily.
func (t *Tracker) StartRound(roundID uuid.UUID) {
	if t == nil {
		return
	}
	//1.- Reuse existing state on restart so reconnect storms cannot drop the log.
	state, ok := t.rounds[roundID]
	if !ok {
		state = &roundState{}
		t.rounds[roundID] = state
	}
	state.active = true
}

// EndRound marks the round inactive. The action log is retained until the
// state is discarded so late reports can still read it.
func (t *Tracker) EndRound(roundID uuid.UUID) {
	if t == nil {
		return
	}
	if state, ok := t.rounds[roundID]; ok {
		state.active = false
	}
}

// Discard drops all state for the round once its room is torn down.
func (t *Tracker) Discard(roundID uuid.UUID) {
	if t == nil {
		return
	}
	delete(t.rounds, roundID)
}

// IsActive reports whether the round currently accepts effects.
func (t *Tracker) IsActive(roundID uuid.UUID) bool {
	if t == nil {
		return false
	}
	state, ok := t.rounds[roundID]
	return ok && state.active
}

// ApplyEffect validates and appends the effect, recording it in the action
// log. The caller persists the write-behind copy and broadcasts notification.
func (t *Tracker) ApplyEffect(roundID uuid.UUID, effect *Effect) error {
	if t == nil || effect == nil {
		return errors.New("tracker not initialised")
	}
	if !effect.Action.Valid() {
		return ErrUnknownAction
	}
	state, ok := t.rounds[roundID]
	if !ok || !state.active {
		return ErrRoundInactive
	}
	//1.- Stamp lifecycle fields so every stored effect satisfies ExpiresAt > CreatedAt.
	if effect.ID == uuid.Nil {
		effect.ID = uuid.New()
	}
	if effect.CreatedAt.IsZero() {
		effect.CreatedAt = t.now()
	}
	if !effect.ExpiresAt.After(effect.CreatedAt) {
		return errors.New("effect must expire after creation")
	}
	//2.- Append to both the live table and the append-only action log.
	state.effects = append(state.effects, effect)
	state.log = append(state.log, LogEntry{
		At:       effect.CreatedAt,
		Action:   effect.Action,
		SourceID: effect.SourceID,
		TargetID: effect.TargetID,
		EffectID: effect.ID,
	})
	return nil
}

// RemoveEffect deletes the effect by identifier, returning the removed entry
// so callers can persist and broadcast the removal.
func (t *Tracker) RemoveEffect(roundID, effectID uuid.UUID) (*Effect, error) {
	if t == nil {
		return nil, errors.New("tracker not initialised")
	}
	state, ok := t.rounds[roundID]
	if !ok {
		return nil, ErrEffectNotFound
	}
	for i, effect := range state.effects {
		if effect.ID != effectID {
			continue
		}
		//1.- Splice the effect out while preserving the order of the remainder.
		state.effects = append(state.effects[:i], state.effects[i+1:]...)
		state.log = append(state.log, LogEntry{
			At:       t.now(),
			Action:   ActionRemoveEffect,
			SourceID: effect.SourceID,
			TargetID: effect.TargetID,
			EffectID: effect.ID,
		})
		return effect, nil
	}
	return nil, ErrEffectNotFound
}

// ActiveEffects sweeps expired entries and returns the remainder in apply
// order. Expiry is evaluated on read, so no per-effect timers accumulate.
func (t *Tracker) ActiveEffects(roundID uuid.UUID) []*Effect {
	if t == nil {
		return nil
	}
	state, ok := t.rounds[roundID]
	if !ok {
		return nil
	}
	now := t.now()
	//1.- Compact in place, discarding any effect whose expiry has passed.
	kept := state.effects[:0]
	for _, effect := range state.effects {
		if effect.ExpiresAt.After(now) {
			kept = append(kept, effect)
		}
	}
	state.effects = kept
	if len(kept) == 0 {
		return nil
	}
	//2.- Return a defensive copy so callers cannot mutate tracker internals.
	return append([]*Effect(nil), kept...)
}

// ActionLog returns a copy of the round's append-only action history.
func (t *Tracker) ActionLog(roundID uuid.UUID) []LogEntry {
	if t == nil {
		return nil
	}
	state, ok := t.rounds[roundID]
	if !ok || len(state.log) == 0 {
		return nil
	}
	return append([]LogEntry(nil), state.log...)
}

// HasEffect reports whether an unexpired effect of the given kind targets the agent.
func (t *Tracker) HasEffect(roundID, targetID uuid.UUID, action ActionType) bool {
	for _, effect := range t.ActiveEffects(roundID) {
		if effect.TargetID == targetID && effect.Action == action {
			return true
		}
	}
	return false
}

// TransformText applies the active poison transforms targeting the recipient
// to a per-recipient message copy, returning the altered text.
func (t *Tracker) TransformText(roundID, recipientID uuid.UUID, text string) string {
	for _, effect := range t.ActiveEffects(roundID) {
		if effect.TargetID != recipientID || effect.Action != ActionPoison {
			continue
		}
		var transform poisonTransform
		if err := json.Unmarshal(effect.Transform, &transform); err != nil || transform.Find == "" {
			continue
		}
		text = strings.ReplaceAll(text, transform.Find, transform.Replace)
	}
	return text
}
