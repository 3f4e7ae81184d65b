package call

import (
	"sync"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/behavior"
	"github.com/MikeSquared-Agency/herald/internal/dialogue"
	"github.com/MikeSquared-Agency/herald/internal/ledger"
)

// session is the live state of one call. All fields except key and campaign
// are guarded by mu. busy is set while a slow collaborator call is in flight
// for this session with mu released.
type session struct {
	key      Key
	campaign dialogue.Campaign

	mu           sync.Mutex
	state        State
	failures     int
	turns        int
	busy         bool
	removed      bool
	ledger       *ledger.Ledger
	profile      *behavior.Profile
	createdAt    time.Time
	lastActivity time.Time
}

func newSession(key Key, c dialogue.Campaign, now time.Time) *session {
	return &session{
		key:          key,
		campaign:     c,
		state:        StateInitiated,
		ledger:       ledger.New(),
		profile:      behavior.NewProfile(),
		createdAt:    now,
		lastActivity: now,
	}
}

// acceptsTurn reports whether a caller turn can be processed in the current state.
func (s *session) acceptsTurn() bool {
	switch s.state {
	case StateGreetingSent, StateAwaiting, StateRetryPrompt:
		return true
	}
	return false
}

// terminate moves the session to its absorbing state. Caller holds mu.
func (s *session) terminate() {
	s.state = StateTerminated
	s.removed = true
}

// Snapshot is a read-only view of a session.
type Snapshot struct {
	Key          Key             `json:"-"`
	CallID       string          `json:"call_id"`
	CampaignID   string          `json:"campaign_id"`
	State        State           `json:"state"`
	Failures     int             `json:"consecutive_failures"`
	UserTurns    int             `json:"user_turns"`
	Turns        []ledger.Turn   `json:"turns,omitempty"`
	Behavior     behavior.Counts `json:"behavior"`
	NextTimeout  float64         `json:"next_timeout"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
	Reason       string          `json:"reason,omitempty"`
}

func (s *session) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Key:          s.key,
		CallID:       s.key.CallID,
		CampaignID:   s.key.CampaignID,
		State:        s.state,
		Failures:     s.failures,
		UserTurns:    s.turns,
		Turns:        s.ledger.All(),
		Behavior:     s.profile.Counts(),
		NextTimeout:  s.profile.NextTimeout(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}
}

// ended is what remains of a session after it terminates: enough to answer
// late webhooks and report on the call, without its ledger.
type ended struct {
	at             time.Time
	reason         string
	userTurns      int
	assistantTurns int
	failures       int
}
