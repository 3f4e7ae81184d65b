package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/dialogue"
	"github.com/MikeSquared-Agency/herald/internal/hermes"
	"github.com/MikeSquared-Agency/herald/internal/lang"
	"github.com/MikeSquared-Agency/herald/internal/ledger"
	"github.com/MikeSquared-Agency/herald/internal/voice"
)

// ErrUnknownCampaign is returned by a CampaignSource when no campaign matches.
var ErrUnknownCampaign = errors.New("call: unknown campaign")

type CampaignSource interface {
	Campaign(ctx context.Context, id string) (dialogue.Campaign, error)
}

type TranscriptSink interface {
	AppendTranscript(ctx context.Context, entry TranscriptEntry) error
}

type EventPublisher interface {
	Publish(subject string, data any) error
}

// Generator produces agent speech. *dialogue.Generator satisfies it.
type Generator interface {
	Greeting(ctx context.Context, c dialogue.Campaign) dialogue.Reply
	Reply(ctx context.Context, c dialogue.Campaign, history []ledger.Turn, utterance string) dialogue.Reply
}

// Config wires a Machine. Generator is required; every other collaborator is
// optional and skipped when nil.
type Config struct {
	Generator   Generator
	Campaigns   CampaignSource
	Transcriber voice.Transcriber
	Synthesizer voice.Synthesizer
	Transcripts TranscriptSink
	Events      EventPublisher
	Logger      *slog.Logger

	DefaultLanguage lang.Tag
	Voice           string
	// ConfirmWords is the largest valid utterance answered with an echo-back
	// confirmation instead of a generated reply.
	ConfirmWords int
	MaxFailures  int
	HistoryTurns int
	// RetryEscalation is added to the listen timeout per consecutive failure.
	RetryEscalation      float64
	IdleTimeout          time.Duration
	SynthesisTimeout     time.Duration
	TranscriptionTimeout time.Duration
	PersistTimeout       time.Duration

	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.DefaultLanguage = lang.ParseOr(string(c.DefaultLanguage), lang.Default)
	if c.ConfirmWords <= 0 {
		c.ConfirmWords = 2
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 3
	}
	if c.HistoryTurns <= 0 {
		c.HistoryTurns = 6
	}
	if c.RetryEscalation <= 0 {
		c.RetryEscalation = 1.0
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 5 * time.Second
	}
	if c.TranscriptionTimeout <= 0 {
		c.TranscriptionTimeout = 8 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = 10 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Machine owns every live call session and advances them in response to
// telephony events. Sessions are independent: each has its own lock, and the
// registry lock is never held while a session lock is.
type Machine struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[Key]*session
	ended    map[Key]ended

	pending sync.WaitGroup
	stats   counters
}

func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Generator == nil {
		return nil, errors.New("call: generator is required")
	}
	cfg.setDefaults()
	return &Machine{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[Key]*session),
		ended:    make(map[Key]ended),
	}, nil
}

// Handle advances the session for ev and returns the next instruction. It
// always returns a well-formed instruction, whatever fails underneath.
func (m *Machine) Handle(ctx context.Context, ev Event) (inst Instruction) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("panic handling call event", "call_id", ev.CallID, "event", ev.Type, "panic", r)
			inst = m.apology(m.cfg.DefaultLanguage)
		}
	}()

	if err := ev.Validate(); err != nil {
		m.logger.Warn("rejecting malformed call event", "call_id", ev.CallID, "event", ev.Type, "error", err)
		return m.apology(m.cfg.DefaultLanguage)
	}
	m.stats.events.Add(1)
	key := Key{CallID: ev.CallID, CampaignID: ev.CampaignID}

	switch ev.Type {
	case EventRinging, EventStatus:
		return m.progress(key, ev.Type)
	case EventCompleted, EventFailed:
		return m.complete(key, string(ev.Type))
	}

	s, created := m.session(ctx, key)
	if s == nil {
		return hangup(m.cfg.DefaultLanguage)
	}
	if created {
		if ev.Type == EventUserSpoke {
			m.logger.Info("caller turn for unknown session, starting fresh", "call_id", key.CallID, "campaign_id", key.CampaignID)
		}
		return m.greet(ctx, s)
	}
	if ev.Type == EventAnswered {
		return m.listen(s)
	}
	return m.turn(ctx, s, ev)
}

// progress handles ringing and status callbacks. Neither creates a session;
// a status callback for a live call re-issues its listen window.
func (m *Machine) progress(key Key, t EventType) Instruction {
	m.mu.Lock()
	s, ok := m.sessions[key]
	_, done := m.ended[key]
	m.mu.Unlock()

	if done {
		return hangup(m.cfg.DefaultLanguage)
	}
	if ok && t == EventStatus {
		return m.listen(s)
	}
	if ok {
		s.mu.Lock()
		s.lastActivity = m.cfg.Now()
		s.mu.Unlock()
	}
	return Instruction{Action: ActionWait, Language: m.cfg.DefaultLanguage.Code()}
}

// session returns the live session for key, creating it if absent. It returns
// nil for calls that have already ended.
func (m *Machine) session(ctx context.Context, key Key) (*session, bool) {
	m.mu.Lock()
	_, done := m.ended[key]
	s, ok := m.sessions[key]
	m.mu.Unlock()
	if done {
		return nil, false
	}
	if ok {
		return s, false
	}

	c := m.campaign(ctx, key.CampaignID)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.ended[key]; done {
		return nil, false
	}
	if s, ok := m.sessions[key]; ok {
		return s, false
	}
	s = newSession(key, c, m.cfg.Now())
	m.sessions[key] = s
	m.stats.created.Add(1)
	m.logger.Info("call session created", "call_id", key.CallID, "campaign_id", key.CampaignID, "language", c.Language)
	return s, true
}

func (m *Machine) campaign(ctx context.Context, id string) dialogue.Campaign {
	fallback := dialogue.Campaign{ID: id, Language: m.cfg.DefaultLanguage}
	if m.cfg.Campaigns == nil || id == "" {
		return fallback
	}
	c, err := m.cfg.Campaigns.Campaign(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnknownCampaign) {
			m.logger.Warn("unknown campaign, using defaults", "campaign_id", id)
		} else {
			m.logger.Error("campaign lookup failed, using defaults", "campaign_id", id, "error", err)
		}
		return fallback
	}
	c.Language = lang.ParseOr(string(c.Language), m.cfg.DefaultLanguage)
	return c
}

func (m *Machine) greet(ctx context.Context, s *session) Instruction {
	s.mu.Lock()
	if s.state != StateInitiated || s.busy {
		s.mu.Unlock()
		return m.listen(s)
	}
	s.busy = true
	s.mu.Unlock()

	reply := m.cfg.Generator.Greeting(ctx, s.campaign)

	s.mu.Lock()
	s.busy = false
	if s.removed {
		s.mu.Unlock()
		return hangup(s.campaign.Language)
	}
	s.ledger.Append(ledger.RoleAssistant, reply.Text)
	s.state = StateGreetingSent
	s.lastActivity = m.cfg.Now()
	timeout := s.profile.NextTimeout()
	s.mu.Unlock()

	m.persist(s, 0, "", reply.Text, string(reply.Source), StateGreetingSent)
	m.publish(hermes.SubjectCallStarted, hermes.CallStarted{
		CallID:     s.key.CallID,
		CampaignID: s.key.CampaignID,
		Language:   string(s.campaign.Language),
		Timestamp:  m.cfg.Now().UTC(),
	})
	return m.speak(ctx, s.campaign.Language, reply.Text, ActionPlayListen, timeout)
}

// listen re-issues a listen window without speaking, for duplicate or
// concurrent deliveries.
func (m *Machine) listen(s *session) Instruction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return hangup(s.campaign.Language)
	}
	s.lastActivity = m.cfg.Now()
	return Instruction{
		Action:    ActionPlayListen,
		Timeout:   s.profile.NextTimeout(),
		MaxLength: MaxListenSeconds,
		Language:  s.campaign.Language.Code(),
	}
}

func (m *Machine) turn(ctx context.Context, s *session, ev Event) Instruction {
	utterance, duration := m.transcribe(ctx, s, ev)
	phrases := lang.Strings(s.campaign.Language)

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return hangup(s.campaign.Language)
	}
	if s.busy || !s.acceptsTurn() {
		s.mu.Unlock()
		m.logger.Debug("ignoring overlapping caller turn", "call_id", s.key.CallID)
		return m.listen(s)
	}
	s.state = StateProcessing
	s.lastActivity = m.cfg.Now()
	s.turns++
	turnNo := s.turns

	if !IsValidUtterance(utterance) {
		s.failures++
		failures := s.failures
		m.stats.invalidTurns.Add(1)

		var text, source string
		var action Action
		var timeout float64
		if failures >= m.cfg.MaxFailures {
			text, source, action = phrases.Closing, sourceClosing, ActionHangup
			s.ledger.Append(ledger.RoleAssistant, text)
			s.terminate()
		} else {
			text, source, action = phrases.Repeat, sourceRetry, ActionPlayListen
			s.ledger.Append(ledger.RoleAssistant, text)
			s.state = StateRetryPrompt
			timeout = s.profile.NextTimeout() + m.cfg.RetryEscalation*float64(failures)
		}
		state := s.state
		s.mu.Unlock()

		m.logger.Info("caller turn rejected", "call_id", s.key.CallID, "failures", failures)
		m.persist(s, turnNo, "", text, source, state)
		m.publishTurn(s, turnNo, false, "", text, source, timeout)
		if state == StateTerminated {
			m.finish(s, "max_failures")
		}
		return m.speak(ctx, s.campaign.Language, text, action, timeout)
	}

	utterance = strings.TrimSpace(utterance)
	words := WordCount(utterance)
	s.failures = 0
	category := s.profile.Observe(duration, words, ev.CutOff)
	history := s.ledger.Recent(m.cfg.HistoryTurns)
	s.ledger.Append(ledger.RoleUser, utterance)
	m.stats.turns.Add(1)

	if words <= m.cfg.ConfirmWords {
		text := fmt.Sprintf(phrases.Confirm, utterance)
		s.ledger.Append(ledger.RoleAssistant, text)
		s.state = StateAwaiting
		timeout := s.profile.NextTimeout()
		s.mu.Unlock()

		m.persist(s, turnNo, utterance, text, sourceConfirm, StateAwaiting)
		m.publishTurn(s, turnNo, true, string(category), text, sourceConfirm, timeout)
		return m.speak(ctx, s.campaign.Language, text, ActionPlayListen, timeout)
	}

	s.busy = true
	s.mu.Unlock()

	reply := m.cfg.Generator.Reply(ctx, s.campaign, history, utterance)

	s.mu.Lock()
	s.busy = false
	if s.removed {
		s.mu.Unlock()
		return hangup(s.campaign.Language)
	}
	s.ledger.Append(ledger.RoleAssistant, reply.Text)
	action := ActionPlayListen
	var timeout float64
	if reply.Source == dialogue.SourceFallback {
		action = ActionHangup
		s.terminate()
	} else {
		s.state = StateAwaiting
		timeout = s.profile.NextTimeout()
	}
	state := s.state
	s.lastActivity = m.cfg.Now()
	s.mu.Unlock()

	m.persist(s, turnNo, utterance, reply.Text, string(reply.Source), state)
	m.publishTurn(s, turnNo, true, string(category), reply.Text, string(reply.Source), timeout)
	if state == StateTerminated {
		m.finish(s, "generation_failed")
	}
	return m.speak(ctx, s.campaign.Language, reply.Text, action, timeout)
}

// transcribe returns the caller's words and speech duration. A recording
// that cannot be transcribed yields the no-transcription sentinel.
func (m *Machine) transcribe(ctx context.Context, s *session, ev Event) (string, float64) {
	text := strings.TrimSpace(ev.Transcript)
	if text != "" || ev.RecordingURL == "" || m.cfg.Transcriber == nil {
		return text, ev.Duration
	}

	tctx, cancel := context.WithTimeout(ctx, m.cfg.TranscriptionTimeout)
	defer cancel()
	tr, err := m.cfg.Transcriber.Transcribe(tctx, ev.RecordingURL, s.campaign.Language)
	if err != nil {
		if !errors.Is(err, voice.ErrNoSpeech) {
			m.logger.Warn("transcription failed", "call_id", s.key.CallID, "error", err)
		}
		return voice.NoTranscription, ev.Duration
	}
	duration := ev.Duration
	if duration <= 0 {
		duration = tr.Duration
	}
	return tr.Text, duration
}

func (m *Machine) complete(key Key, reason string) Instruction {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if !ok {
		if _, done := m.ended[key]; !done {
			m.ended[key] = ended{at: m.cfg.Now(), reason: reason}
		}
	}
	m.mu.Unlock()
	if !ok {
		return hangup(m.cfg.DefaultLanguage)
	}

	s.mu.Lock()
	already := s.removed
	s.terminate()
	s.mu.Unlock()
	if !already {
		m.finish(s, reason)
	}
	return hangup(s.campaign.Language)
}

// finish moves a terminated session from the registry to the ended set.
func (m *Machine) finish(s *session, reason string) {
	s.mu.Lock()
	summary := ended{
		at:             m.cfg.Now(),
		reason:         reason,
		userTurns:      s.turns,
		assistantTurns: s.ledger.Count(ledger.RoleAssistant),
		failures:       s.failures,
	}
	s.mu.Unlock()

	m.mu.Lock()
	if cur, ok := m.sessions[s.key]; ok && cur == s {
		delete(m.sessions, s.key)
	}
	m.ended[s.key] = summary
	m.mu.Unlock()

	m.stats.terminated.Add(1)
	m.logger.Info("call session ended",
		"call_id", s.key.CallID,
		"campaign_id", s.key.CampaignID,
		"reason", reason,
		"turns", summary.userTurns,
	)
	m.publish(hermes.SubjectCallTerminated, hermes.CallTerminated{
		CallID:    s.key.CallID,
		Reason:    reason,
		Turns:     summary.userTurns,
		Failures:  summary.failures,
		Timestamp: summary.at.UTC(),
	})
}

// speak renders text for the caller. Synthesis is bounded by the synthesis
// timeout; on failure the provider speaks the text itself.
func (m *Machine) speak(ctx context.Context, tag lang.Tag, text string, action Action, timeout float64) Instruction {
	inst := Instruction{Action: action, Say: text, Language: tag.Code()}
	if action == ActionPlayListen {
		inst.Timeout = timeout
		inst.MaxLength = MaxListenSeconds
	}
	if m.cfg.Synthesizer == nil || text == "" {
		return inst
	}

	sctx, cancel := context.WithTimeout(ctx, m.cfg.SynthesisTimeout)
	defer cancel()
	audio, err := m.cfg.Synthesizer.Synthesize(sctx, text, voice.Options{Language: tag, Voice: m.cfg.Voice})
	if err != nil {
		m.stats.synthesisFailures.Add(1)
		m.logger.Warn("synthesis failed, falling back to provider speech", "error", err)
		return inst
	}
	inst.Audio = audio
	return inst
}

func (m *Machine) apology(tag lang.Tag) Instruction {
	return Instruction{Action: ActionHangup, Say: lang.Strings(tag).Apology, Language: tag.Code()}
}

func hangup(tag lang.Tag) Instruction {
	return Instruction{Action: ActionHangup, Language: tag.Code()}
}
