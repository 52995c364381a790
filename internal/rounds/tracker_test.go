package rounds

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestApplyEffectRequiresActiveRound(t *testing.T) {
	tracker := NewTracker()
	roundID := uuid.New()

	effect := &Effect{Action: ActionAttack, SourceID: uuid.New(), TargetID: uuid.New(), ExpiresAt: time.Now().Add(time.Minute)}
	if err := tracker.ApplyEffect(roundID, effect); !errors.Is(err, ErrRoundInactive) {
		t.Fatalf("expected ErrRoundInactive, got %v", err)
	}

	tracker.StartRound(roundID)
	tracker.EndRound(roundID)
	if err := tracker.ApplyEffect(roundID, effect); !errors.Is(err, ErrRoundInactive) {
		t.Fatalf("expected ErrRoundInactive after round ended, got %v", err)
	}
}

func TestApplyEffectRejectsUnknownAction(t *testing.T) {
	tracker := NewTracker()
	roundID := uuid.New()
	tracker.StartRound(roundID)

	effect := &Effect{Action: ActionType("teleport"), ExpiresAt: time.Now().Add(time.Minute)}
	if err := tracker.ApplyEffect(roundID, effect); !errors.Is(err, ErrUnknownAction) {
		t.Fatalf("expected ErrUnknownAction, got %v", err)
	}
}

func TestApplyEffectStampsIdentifiersAndLogs(t *testing.T) {
	base := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(WithTrackerClock(fixedClock(base)))
	roundID := uuid.New()
	tracker.StartRound(roundID)

	effect := &Effect{Action: ActionSilence, SourceID: uuid.New(), TargetID: uuid.New(), ExpiresAt: base.Add(30 * time.Second)}
	if err := tracker.ApplyEffect(roundID, effect); err != nil {
		t.Fatalf("apply effect: %v", err)
	}
	if effect.ID == uuid.Nil {
		t.Fatalf("expected an effect id to be assigned")
	}
	if !effect.CreatedAt.Equal(base) {
		t.Fatalf("expected creation stamped from the clock, got %v", effect.CreatedAt)
	}

	log := tracker.ActionLog(roundID)
	if len(log) != 1 {
		t.Fatalf("expected one log entry, got %d", len(log))
	}
	if log[0].Action != ActionSilence || log[0].EffectID != effect.ID {
		t.Fatalf("unexpected log entry %+v", log[0])
	}
}

func TestActiveEffectsSweepsExpiredOnRead(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	tracker := NewTracker(WithTrackerClock(func() time.Time { return now }))
	roundID := uuid.New()
	tracker.StartRound(roundID)

	short := &Effect{Action: ActionPoison, TargetID: uuid.New(), ExpiresAt: now.Add(10 * time.Second)}
	long := &Effect{Action: ActionDefend, TargetID: uuid.New(), ExpiresAt: now.Add(time.Hour)}
	if err := tracker.ApplyEffect(roundID, short); err != nil {
		t.Fatalf("apply short: %v", err)
	}
	if err := tracker.ApplyEffect(roundID, long); err != nil {
		t.Fatalf("apply long: %v", err)
	}

	if got := len(tracker.ActiveEffects(roundID)); got != 2 {
		t.Fatalf("expected both effects live, got %d", got)
	}

	now = now.Add(30 * time.Second)
	active := tracker.ActiveEffects(roundID)
	if len(active) != 1 {
		t.Fatalf("expected one surviving effect, got %d", len(active))
	}
	if active[0].ID != long.ID {
		t.Fatalf("expected the long-lived effect to survive the sweep")
	}
}

func TestRemoveEffect(t *testing.T) {
	tracker := NewTracker()
	roundID := uuid.New()
	tracker.StartRound(roundID)

	effect := &Effect{Action: ActionDeafen, TargetID: uuid.New(), ExpiresAt: time.Now().Add(time.Minute)}
	if err := tracker.ApplyEffect(roundID, effect); err != nil {
		t.Fatalf("apply effect: %v", err)
	}

	removed, err := tracker.RemoveEffect(roundID, effect.ID)
	if err != nil {
		t.Fatalf("remove effect: %v", err)
	}
	if removed.ID != effect.ID {
		t.Fatalf("expected the removed effect back")
	}
	if len(tracker.ActiveEffects(roundID)) != 0 {
		t.Fatalf("expected no live effects after removal")
	}

	if _, err := tracker.RemoveEffect(roundID, effect.ID); !errors.Is(err, ErrEffectNotFound) {
		t.Fatalf("expected ErrEffectNotFound, got %v", err)
	}

	log := tracker.ActionLog(roundID)
	if len(log) != 2 || log[1].Action != ActionRemoveEffect {
		t.Fatalf("expected the removal to be logged, got %+v", log)
	}
}

func TestHasEffectMatchesTargetAndKind(t *testing.T) {
	tracker := NewTracker()
	roundID := uuid.New()
	tracker.StartRound(roundID)
	target := uuid.New()

	effect := &Effect{Action: ActionSilence, TargetID: target, ExpiresAt: time.Now().Add(time.Minute)}
	if err := tracker.ApplyEffect(roundID, effect); err != nil {
		t.Fatalf("apply effect: %v", err)
	}

	if !tracker.HasEffect(roundID, target, ActionSilence) {
		t.Fatalf("expected silence on the target")
	}
	if tracker.HasEffect(roundID, target, ActionDeafen) {
		t.Fatalf("did not expect a deafen effect")
	}
	if tracker.HasEffect(roundID, uuid.New(), ActionSilence) {
		t.Fatalf("did not expect silence on another agent")
	}
}

func TestTransformTextAppliesPoison(t *testing.T) {
	tracker := NewTracker()
	roundID := uuid.New()
	tracker.StartRound(roundID)
	target := uuid.New()

	transform, _ := json.Marshal(map[string]string{"find": "advance", "replace": "retreat"})
	effect := &Effect{Action: ActionPoison, TargetID: target, ExpiresAt: time.Now().Add(time.Minute), Transform: transform}
	if err := tracker.ApplyEffect(roundID, effect); err != nil {
		t.Fatalf("apply effect: %v", err)
	}

	got := tracker.TransformText(roundID, target, "advance north then advance east")
	if got != "retreat north then retreat east" {
		t.Fatalf("unexpected transform output %q", got)
	}
	if other := tracker.TransformText(roundID, uuid.New(), "advance north"); other != "advance north" {
		t.Fatalf("transform leaked to an unaffected recipient: %q", other)
	}
}

func TestEndRoundRetainsActionLog(t *testing.T) {
	tracker := NewTracker()
	roundID := uuid.New()
	tracker.StartRound(roundID)

	effect := &Effect{Action: ActionAttack, TargetID: uuid.New(), ExpiresAt: time.Now().Add(time.Minute)}
	if err := tracker.ApplyEffect(roundID, effect); err != nil {
		t.Fatalf("apply effect: %v", err)
	}
	tracker.EndRound(roundID)

	if len(tracker.ActionLog(roundID)) != 1 {
		t.Fatalf("expected the log to survive round end")
	}
	tracker.Discard(roundID)
	if tracker.ActionLog(roundID) != nil {
		t.Fatalf("expected no log after discard")
	}
}
