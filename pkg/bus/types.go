package bus

// EventKind names a change to a conversation view.
type EventKind string

const (
	EventTurnAppended   EventKind = "turn_appended"
	EventTurnUpdated    EventKind = "turn_updated"
	EventTurnConfirmed  EventKind = "turn_confirmed"
	EventTurnsPrepended EventKind = "turns_prepended"
	EventTurnsCleared   EventKind = "turns_cleared"
	EventPhaseChanged   EventKind = "phase_changed"
)

// EventKinds lists every kind a controller publishes.
func EventKinds() []EventKind {
	return []EventKind{
		EventTurnAppended,
		EventTurnUpdated,
		EventTurnConfirmed,
		EventTurnsPrepended,
		EventTurnsCleared,
		EventPhaseChanged,
	}
}

// TurnView is the render model of one turn. LocalID is stable from the
// moment the turn is shown; ID is zero until the store confirms it.
type TurnView struct {
	LocalID string `json:"local_id"`
	ID      int64  `json:"id,omitempty"`
	Sender  string `json:"sender"`
	Text    string `json:"text"`
	Pending bool   `json:"pending,omitempty"`
	Error   bool   `json:"error,omitempty"`
}

// Event is published by a conversation controller after every state change.
type Event struct {
	Kind      EventKind  `json:"kind"`
	SessionID string     `json:"session_id"`
	Turns     []TurnView `json:"turns,omitempty"`
	Phase     string     `json:"phase,omitempty"`
	HasMore   bool       `json:"has_more"`
}
