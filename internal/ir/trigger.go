package ir

import "time"

// TriggerStatus reports trigger health.
type TriggerStatus string

const (
	TriggerActive   TriggerStatus = "active"
	TriggerDegraded TriggerStatus = "degraded"
)

// Trigger fires its action when its condition goes from empty to
// non-empty. LastBoolean is the persisted edge state.
type Trigger struct {
	Name                string        `json:"name"`
	Condition           Condition     `json:"condition"`
	Action              Action        `json:"action"`
	Enabled             bool          `json:"enabled"`
	LastBoolean         bool          `json:"last_boolean"`
	LastFiredAt         time.Time     `json:"last_fired_at,omitzero"`
	LastEvaluatedAt     time.Time     `json:"last_evaluated_at,omitzero"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Status              TriggerStatus `json:"status"`
	LastError           string        `json:"last_error,omitempty"`
	CreatedAt           time.Time     `json:"created_at,omitzero"`
	UpdatedAt           time.Time     `json:"updated_at,omitzero"`

	Revision int64 `json:"-"`
}

// FireStatus is the state of a fire decision.
type FireStatus string

const (
	FirePending   FireStatus = "pending"
	FireCompleted FireStatus = "completed"
	FireFailed    FireStatus = "failed"
)

// FireDecision records the decision to fire a trigger. It is written
// before the action is invoked and completed afterwards, so a crash in
// between is visible on restart.
type FireDecision struct {
	Token       string     `json:"token"`
	Trigger     string     `json:"trigger"`
	SnapshotAt  time.Time  `json:"snapshot_at"`
	TickSeq     int64      `json:"tick_seq"`
	Action      Action     `json:"action"`
	ActionHash  string     `json:"action_hash"`
	Status      FireStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	Result      string     `json:"result,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt time.Time  `json:"completed_at,omitzero"`

	Revision int64 `json:"-"`
}
