package call

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/herald/internal/hermes"
)

type counters struct {
	events            atomic.Int64
	created           atomic.Int64
	terminated        atomic.Int64
	evicted           atomic.Int64
	turns             atomic.Int64
	invalidTurns      atomic.Int64
	synthesisFailures atomic.Int64
	persistFailures   atomic.Int64
}

// Stats summarises the machine for observability.
type Stats struct {
	ActiveSessions    int           `json:"active_sessions"`
	ByState           map[State]int `json:"by_state"`
	EndedRetained     int           `json:"ended_retained"`
	Events            int64         `json:"events"`
	Created           int64         `json:"created"`
	Terminated        int64         `json:"terminated"`
	Evicted           int64         `json:"evicted"`
	Turns             int64         `json:"turns"`
	InvalidTurns      int64         `json:"invalid_turns"`
	SynthesisFailures int64         `json:"synthesis_failures"`
	PersistFailures   int64         `json:"persist_failures"`
	LastActivity      time.Time     `json:"last_activity,omitempty"`
}

func (m *Machine) Stats() Stats {
	m.mu.Lock()
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	retained := len(m.ended)
	m.mu.Unlock()

	st := Stats{
		ActiveSessions:    len(live),
		ByState:           make(map[State]int),
		EndedRetained:     retained,
		Events:            m.stats.events.Load(),
		Created:           m.stats.created.Load(),
		Terminated:        m.stats.terminated.Load(),
		Evicted:           m.stats.evicted.Load(),
		Turns:             m.stats.turns.Load(),
		InvalidTurns:      m.stats.invalidTurns.Load(),
		SynthesisFailures: m.stats.synthesisFailures.Load(),
		PersistFailures:   m.stats.persistFailures.Load(),
	}
	for _, s := range live {
		s.mu.Lock()
		st.ByState[s.state]++
		if s.lastActivity.After(st.LastActivity) {
			st.LastActivity = s.lastActivity
		}
		s.mu.Unlock()
	}
	return st
}

// Snapshot returns the session for key. Ended sessions are reported as
// terminated without their turns.
func (m *Machine) Snapshot(key Key) (Snapshot, bool) {
	m.mu.Lock()
	s, ok := m.sessions[key]
	e, done := m.ended[key]
	m.mu.Unlock()

	if ok {
		return s.snapshot(), true
	}
	if done {
		return Snapshot{
			Key:          key,
			CallID:       key.CallID,
			CampaignID:   key.CampaignID,
			State:        StateTerminated,
			Failures:     e.failures,
			UserTurns:    e.userTurns,
			LastActivity: e.at,
			Reason:       e.reason,
		}, true
	}
	return Snapshot{}, false
}

// AssistantTurns reports how many agent utterances an ended call produced.
func (m *Machine) AssistantTurns(key Key) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.ended[key]
	return e.assistantTurns, ok
}

// Evict terminates sessions idle for longer than the idle timeout as of now
// and forgets ended calls older than that. It returns the number of sessions
// evicted.
func (m *Machine) Evict(now time.Time) int {
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	live := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	for k, e := range m.ended {
		if e.at.Before(cutoff) {
			delete(m.ended, k)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, s := range live {
		s.mu.Lock()
		stale := !s.removed && s.lastActivity.Before(cutoff)
		if stale {
			s.terminate()
		}
		s.mu.Unlock()
		if stale {
			m.stats.evicted.Add(1)
			m.finish(s, "idle_timeout")
			n++
		}
	}
	return n
}

// RunEviction calls Evict every interval until ctx is cancelled.
func (m *Machine) RunEviction(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Evict(m.cfg.Now()); n > 0 {
				m.logger.Info("evicted idle call sessions", "count", n)
			}
		}
	}
}

// Close waits for detached transcript writes to finish or ctx to expire.
func (m *Machine) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// persist writes one exchange in the background. The response path never
// waits on it; a failed write is retried once and then logged.
func (m *Machine) persist(s *session, turn int, userText, assistantText, source string, state State) {
	if m.cfg.Transcripts == nil {
		return
	}
	entry := TranscriptEntry{
		ID:            uuid.New().String(),
		CallID:        s.key.CallID,
		CampaignID:    s.key.CampaignID,
		Turn:          turn,
		UserText:      userText,
		AssistantText: assistantText,
		Source:        source,
		State:         state,
		CreatedAt:     m.cfg.Now().UTC(),
	}

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
		defer cancel()

		var err error
		for attempt := 0; attempt < 2; attempt++ {
			if err = m.cfg.Transcripts.AppendTranscript(ctx, entry); err == nil {
				return
			}
		}
		m.stats.persistFailures.Add(1)
		m.logger.Error("failed to persist transcript entry",
			"call_id", entry.CallID,
			"turn", entry.Turn,
			"error", err,
		)
	}()
}

func (m *Machine) publish(subject string, data any) {
	if m.cfg.Events == nil {
		return
	}
	if err := m.cfg.Events.Publish(subject, data); err != nil {
		m.logger.Error("failed to publish call event", "subject", subject, "error", err)
	}
}

func (m *Machine) publishTurn(s *session, turn int, valid bool, category, reply, source string, timeout float64) {
	m.publish(hermes.SubjectCallTurn, hermes.CallTurn{
		CallID:    s.key.CallID,
		Turn:      turn,
		Valid:     valid,
		Category:  category,
		Reply:     reply,
		Source:    source,
		Timeout:   timeout,
		Timestamp: m.cfg.Now().UTC(),
	})
}
