package call

import (
	"errors"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/voice"
)

// State is a call session's position in the conversation.
type State string

const (
	StateInitiated    State = "initiated"
	StateGreetingSent State = "greeting_sent"
	StateAwaiting     State = "awaiting_user_turn"
	StateProcessing   State = "processing_turn"
	StateRetryPrompt  State = "retry_prompt"
	StateTerminated   State = "terminated"
)

// EventType is the kind of telephony webhook received.
type EventType string

const (
	EventRinging   EventType = "ringing"
	EventAnswered  EventType = "answered"
	EventUserSpoke EventType = "user_spoke"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	// EventStatus is a provider progress callback (queued, initiated...)
	// that carries no conversational meaning.
	EventStatus    EventType = "status"
)

func (t EventType) Valid() bool {
	switch t {
	case EventRinging, EventAnswered, EventUserSpoke, EventCompleted, EventFailed, EventStatus:
		return true
	}
	return false
}

// ErrMissingCallID is returned by Validate for events without a call id.
var ErrMissingCallID = errors.New("call: event has no call id")

// Event is one telephony webhook delivery.
type Event struct {
	CallID       string
	CampaignID   string
	Type         EventType
	RecordingURL string
	// Transcript is set when the provider transcribed the turn itself.
	Transcript string
	Duration   float64 // seconds of caller speech
	CutOff     bool    // recording stopped by the listen window
	Timestamp  time.Time
}

func (e Event) Validate() error {
	if strings.TrimSpace(e.CallID) == "" {
		return ErrMissingCallID
	}
	if !e.Type.Valid() {
		return errors.New("call: unknown event type " + string(e.Type))
	}
	return nil
}

// Action tells the telephony provider what to do next.
type Action string

const (
	ActionPlayListen Action = "play_listen"
	ActionHangup     Action = "hangup"
	ActionWait       Action = "wait"
)

// MaxListenSeconds caps a single caller recording.
const MaxListenSeconds = 10

// Instruction is the response to a webhook: what to say, then whether and
// how long to listen.
type Instruction struct {
	Action    Action      `json:"action"`
	Say       string      `json:"say,omitempty"`
	Audio     voice.Audio `json:"audio"`
	Timeout   float64     `json:"timeout,omitempty"`
	MaxLength int         `json:"max_length,omitempty"`
	Language  string      `json:"language"`
}

// Key identifies a session: one call within one campaign.
type Key struct {
	CallID     string
	CampaignID string
}

func (k Key) String() string {
	if k.CampaignID == "" {
		return k.CallID
	}
	return k.CampaignID + "/" + k.CallID
}

// TranscriptEntry is one persisted exchange. UserText is empty for turns the
// agent opened (greeting) or for rejected caller turns.
type TranscriptEntry struct {
	ID            string    `json:"id"`
	CallID        string    `json:"call_id"`
	CampaignID    string    `json:"campaign_id"`
	Turn          int       `json:"turn"`
	UserText      string    `json:"user_text,omitempty"`
	AssistantText string    `json:"assistant_text"`
	Source        string    `json:"source"`
	State         State     `json:"state"`
	CreatedAt     time.Time `json:"created_at"`
}

// Reply sources beyond those produced by the dialogue generator.
const (
	sourceRetry   = "retry"
	sourceClosing = "closing"
	sourceConfirm = "confirm"
)

// IsValidUtterance reports whether a transcribed caller turn is substantive:
// non-empty, not the provider's no-transcription sentinel and at least one word.
func IsValidUtterance(text string) bool {
	t := strings.ToLower(strings.TrimSpace(text))
	t = strings.TrimRight(t, ".")
	if t == "" || t == voice.NoTranscription {
		return false
	}
	return WordCount(t) >= 1
}

func WordCount(text string) int {
	return len(strings.Fields(text))
}
