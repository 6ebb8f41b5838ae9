package domain

import "time"

// CallMode selects the conversational engine behind a call.
type CallMode string

const (
	// ModeUnified drives a single bidirectional speech-to-speech model.
	ModeUnified CallMode = "unified"
	// ModeSplit composes STT, an optional LLM brain, and TTS.
	ModeSplit CallMode = "split"
)

// Speaker identifies who produced a transcript entry.
type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerUser  Speaker = "user"
)

// TurnEntry is a single entry in a call transcript.
type TurnEntry struct {
	Speaker   Speaker   `json:"speaker"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// CallState represents the lifecycle state of a call session.
type CallState string

const (
	StateNew             CallState = "new"
	StatePlacing         CallState = "placing"
	StateRinging         CallState = "ringing"
	StateConnectingMedia CallState = "connecting_media"
	StateReady           CallState = "ready"
	StateSpeakingAgent   CallState = "speaking_agent"
	StateListeningUser   CallState = "listening_user"
	StateToolCall        CallState = "tool_call"
	StateEnding          CallState = "ending"
	StateEnded           CallState = "ended"
	StateFailed          CallState = "failed"
)

// setupOrder defines the monotonic ordering for call-setup states.
var setupOrder = map[CallState]int{
	StateNew:             0,
	StatePlacing:         1,
	StateRinging:         2,
	StateConnectingMedia: 3,
	StateReady:           4,
}

// conversationalStates are READY and its substates; Driver commands
// continue/speak/end are accepted only while the session is in one of these.
var conversationalStates = map[CallState]bool{
	StateReady:         true,
	StateSpeakingAgent: true,
	StateListeningUser: true,
	StateToolCall:      true,
}

// IsTerminal reports whether the state is absorbing.
func (s CallState) IsTerminal() bool {
	return s == StateEnded
}

// IsConversational reports whether the session accepts Driver commands.
func (s CallState) IsConversational() bool {
	return conversationalStates[s]
}

// CanTransitionTo checks whether a transition from s to next is valid.
//
// Setup states advance monotonically (skips allowed: carrier B can report
// answered without a prior ringing event). READY and its substates cycle
// freely among themselves. Any non-terminal state may enter ENDING; only
// ENDING reaches ENDED, except FAILED which collapses straight to ENDED.
func (s CallState) CanTransitionTo(next CallState) bool {
	if s.IsTerminal() || s == next {
		return false
	}
	switch next {
	case StateEnding:
		return s != StateFailed
	case StateEnded:
		return s == StateEnding || s == StateFailed
	case StateFailed:
		return s == StatePlacing || s == StateRinging || s == StateConnectingMedia
	}
	if s == StateEnding || s == StateFailed {
		return false
	}
	// Cycle within the conversational set.
	if conversationalStates[s] && conversationalStates[next] {
		return true
	}
	// Otherwise monotonically forward through setup.
	cur, curOK := setupOrder[s]
	nxt, nxtOK := setupOrder[next]
	if !curOK || !nxtOK {
		return false
	}
	return nxt > cur
}

// CallRecord is the Driver-visible snapshot of a call session.
type CallRecord struct {
	ID             string      `json:"id"`
	CarrierCallRef string      `json:"carrier_call_ref,omitempty"`
	UserNumber     string      `json:"user_number"`
	CallerNumber   string      `json:"caller_number"`
	Mode           CallMode    `json:"mode"`
	State          CallState   `json:"state"`
	Transcript     []TurnEntry `json:"transcript,omitempty"`
	StartedAt      time.Time   `json:"started_at"`
	EndedAt        *time.Time  `json:"ended_at,omitempty"`
	HungUp         bool        `json:"hung_up"`
}

// LastUserText returns the most recent user transcript entry, or "".
func (r *CallRecord) LastUserText() string {
	for i := len(r.Transcript) - 1; i >= 0; i-- {
		if r.Transcript[i].Speaker == SpeakerUser {
			return r.Transcript[i].Text
		}
	}
	return ""
}
