package alerting

import (
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type Phase string

const (
	PhaseQuiet      Phase = "quiet"
	PhaseTriggered  Phase = "triggered"
	PhaseSuppressed Phase = "suppressed"
	PhaseResolved   Phase = "resolved"
)

// RuleState is the lifecycle of one (ruleId, subject) pair
type RuleState struct {
	Phase   Phase     `json:"phase"`
	AlertID string    `json:"alertId,omitempty"`
	Since   time.Time `json:"since"`
	Until   time.Time `json:"until"` // end of the cool-down
}

// stateTable keeps phases per ruleId|subject.
// Triggered and Suppressed fall back to Quiet once the cool-down has passed.
type stateTable struct {
	m *xsync.Map[string, RuleState]
}

func newStateTable() *stateTable {
	return &stateTable{m: xsync.NewMap[string, RuleState]()}
}

func stateKey(ruleID, subject string) string {
	return ruleID + "|" + subject
}

func (t *stateTable) triggered(ruleID, subject, alertID string, at time.Time, cooldown time.Duration) {
	t.m.Store(stateKey(ruleID, subject), RuleState{
		Phase:   PhaseTriggered,
		AlertID: alertID,
		Since:   at,
		Until:   at.Add(cooldown),
	})
}

func (t *stateTable) suppressed(ruleID, subject string, at time.Time, cooldown time.Duration) {
	t.m.Compute(stateKey(ruleID, subject), func(old RuleState, loaded bool) (RuleState, xsync.ComputeOp) {
		if loaded && old.Phase == PhaseSuppressed && at.Before(old.Until) {
			return old, xsync.CancelOp
		}
		next := RuleState{Phase: PhaseSuppressed, Since: at, Until: at.Add(cooldown)}
		if loaded && old.Phase == PhaseTriggered {
			next.AlertID, next.Until = old.AlertID, old.Until
		}
		return next, xsync.UpdateOp
	})
}

func (t *stateTable) resolved(ruleID, subject, alertID string, at time.Time) {
	t.m.Compute(stateKey(ruleID, subject), func(old RuleState, loaded bool) (RuleState, xsync.ComputeOp) {
		// a newer alert of the same pair already took over
		if loaded && old.AlertID != "" && old.AlertID != alertID {
			return old, xsync.CancelOp
		}
		return RuleState{Phase: PhaseResolved, AlertID: alertID, Since: at}, xsync.UpdateOp
	})
}

func (t *stateTable) get(ruleID, subject string, now time.Time) RuleState {
	st, ok := t.m.Load(stateKey(ruleID, subject))
	if !ok {
		return RuleState{Phase: PhaseQuiet}
	}
	if (st.Phase == PhaseTriggered || st.Phase == PhaseSuppressed) && !now.Before(st.Until) {
		return RuleState{Phase: PhaseQuiet, Since: st.Until}
	}
	return st
}
