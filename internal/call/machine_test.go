package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/MikeSquared-Agency/herald/internal/dialogue"
	"github.com/MikeSquared-Agency/herald/internal/hermes"
	"github.com/MikeSquared-Agency/herald/internal/lang"
	"github.com/MikeSquared-Agency/herald/internal/ledger"
	"github.com/MikeSquared-Agency/herald/internal/voice"
)

// --- fakes ---

type fakeGenerator struct {
	mu         sync.Mutex
	reply      func(utterance string) dialogue.Reply
	entered    chan struct{}
	release    chan struct{}
	panics     bool
	greetings  int
	replies    int
	languages  []lang.Tag
	histories  [][]ledger.Turn
	utterances []string
}

func (g *fakeGenerator) Greeting(_ context.Context, c dialogue.Campaign) dialogue.Reply {
	g.mu.Lock()
	g.greetings++
	g.languages = append(g.languages, c.Language)
	g.mu.Unlock()
	if g.panics {
		panic("greeting exploded")
	}
	return dialogue.Reply{Text: "Hi, this is Alex from Acme. Do you have a minute?", Source: dialogue.SourceNoContext}
}

func (g *fakeGenerator) Reply(_ context.Context, _ dialogue.Campaign, history []ledger.Turn, utterance string) dialogue.Reply {
	g.mu.Lock()
	g.replies++
	g.histories = append(g.histories, history)
	g.utterances = append(g.utterances, utterance)
	fn := g.reply
	g.mu.Unlock()

	if g.entered != nil {
		g.entered <- struct{}{}
	}
	if g.release != nil {
		<-g.release
	}
	if fn != nil {
		return fn(utterance)
	}
	return dialogue.Reply{Text: "Our premium plan includes priority support.", Source: dialogue.SourceRetrieved}
}

func (g *fakeGenerator) counts() (greetings, replies int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.greetings, g.replies
}

type memSink struct {
	mu       sync.Mutex
	entries  []TranscriptEntry
	calls    int
	failN    int // fail this many calls first
	alwaysNo bool
	block    chan struct{}
}

func (s *memSink) AppendTranscript(_ context.Context, e TranscriptEntry) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.alwaysNo || s.calls <= s.failN {
		return errors.New("db unavailable")
	}
	s.entries = append(s.entries, e)
	return nil
}

func (s *memSink) snapshot() ([]TranscriptEntry, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]TranscriptEntry(nil), s.entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].Turn < out[j].Turn })
	return out, s.calls
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads []any
}

func (p *recordingPublisher) Publish(subject string, data any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	p.payloads = append(p.payloads, data)
	return nil
}

type fakeCampaigns map[string]dialogue.Campaign

func (f fakeCampaigns) Campaign(_ context.Context, id string) (dialogue.Campaign, error) {
	c, ok := f[id]
	if !ok {
		return dialogue.Campaign{}, ErrUnknownCampaign
	}
	return c, nil
}

type fakeTranscriber struct {
	text string
	err  error
	urls []string
}

func (f *fakeTranscriber) Transcribe(_ context.Context, url string, _ lang.Tag) (voice.Transcript, error) {
	f.urls = append(f.urls, url)
	if f.err != nil {
		return voice.Transcript{}, f.err
	}
	return voice.Transcript{Text: f.text, Duration: 4.2}, nil
}

type fakeSynth struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeSynth) Synthesize(_ context.Context, text string, opts voice.Options) (voice.Audio, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return voice.Audio{}, f.err
	}
	return voice.Audio{URL: "https://cdn.example.com/tts/1.mp3", Voice: opts.Voice, Language: opts.Language.Code()}, nil
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// --- helpers ---

const campaignID = "camp-1"

func newMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	if cfg.Generator == nil {
		cfg.Generator = &fakeGenerator{}
	}
	m, err := NewMachine(cfg)
	require.NoError(t, err)
	return m
}

func answered(callID string) Event {
	return Event{CallID: callID, CampaignID: campaignID, Type: EventAnswered}
}

func spoke(callID, text string) Event {
	return Event{CallID: callID, CampaignID: campaignID, Type: EventUserSpoke, Transcript: text, Duration: 3}
}

func keyFor(callID string) Key {
	return Key{CallID: callID, CampaignID: campaignID}
}

// --- tests ---

func TestNewMachine_RequiresGenerator(t *testing.T) {
	_, err := NewMachine(Config{})
	require.Error(t, err)
}

func TestAnswerSendsGreeting(t *testing.T) {
	gen := &fakeGenerator{}
	m := newMachine(t, Config{Generator: gen, Campaigns: fakeCampaigns{
		campaignID: {ID: campaignID, Objective: "demo", Language: lang.English},
	}})

	inst := m.Handle(context.Background(), answered("CA1"))
	require.Equal(t, ActionPlayListen, inst.Action)
	require.NotEmpty(t, inst.Say)
	require.Equal(t, "en", inst.Language)
	require.Equal(t, 2.0, inst.Timeout)
	require.Equal(t, MaxListenSeconds, inst.MaxLength)

	snap, ok := m.Snapshot(keyFor("CA1"))
	require.True(t, ok)
	require.Equal(t, StateGreetingSent, snap.State)
	require.Len(t, snap.Turns, 1)
	require.Equal(t, ledger.RoleAssistant, snap.Turns[0].Role)
	require.Equal(t, inst.Say, snap.Turns[0].Text)
}

func TestThreeUnintelligibleTurnsEndCall(t *testing.T) {
	gen := &fakeGenerator{}
	m := newMachine(t, Config{Generator: gen})
	ctx := context.Background()
	phrases := lang.Strings(lang.English)

	m.Handle(ctx, answered("CA1"))

	first := m.Handle(ctx, spoke("CA1", voice.NoTranscription))
	require.Equal(t, ActionPlayListen, first.Action)
	require.Equal(t, phrases.Repeat, first.Say)
	require.Equal(t, 3.0, first.Timeout)

	second := m.Handle(ctx, spoke("CA1", "No transcription available."))
	require.Equal(t, ActionPlayListen, second.Action)
	require.Equal(t, phrases.Repeat, second.Say)
	require.Equal(t, 4.0, second.Timeout)

	snap, _ := m.Snapshot(keyFor("CA1"))
	require.Equal(t, StateRetryPrompt, snap.State)
	require.Equal(t, 2, snap.Failures)

	third := m.Handle(ctx, spoke("CA1", "  "))
	require.Equal(t, ActionHangup, third.Action)
	require.Equal(t, phrases.Closing, third.Say)

	snap, ok := m.Snapshot(keyFor("CA1"))
	require.True(t, ok)
	require.Equal(t, StateTerminated, snap.State)
	require.Equal(t, "max_failures", snap.Reason)

	assistant, ok := m.AssistantTurns(keyFor("CA1"))
	require.True(t, ok)
	require.Equal(t, 4, assistant, "greeting, two retry prompts and the closing")

	_, replies := gen.counts()
	require.Zero(t, replies)

	late := m.Handle(ctx, spoke("CA1", "hello? are you still there"))
	require.Equal(t, ActionHangup, late.Action)
	require.Empty(t, late.Say)
}

func TestShortAnswerIsConfirmed(t *testing.T) {
	gen := &fakeGenerator{}
	m := newMachine(t, Config{Generator: gen})
	ctx := context.Background()

	m.Handle(ctx, answered("CA1"))
	m.Handle(ctx, spoke("CA1", voice.NoTranscription))

	inst := m.Handle(ctx, spoke("CA1", "yes"))
	require.Equal(t, ActionPlayListen, inst.Action)
	require.Equal(t, fmt.Sprintf(lang.Strings(lang.English).Confirm, "yes"), inst.Say)

	snap, _ := m.Snapshot(keyFor("CA1"))
	require.Equal(t, StateAwaiting, snap.State)
	require.Zero(t, snap.Failures)

	_, replies := gen.counts()
	require.Zero(t, replies)
}

func TestConfirmThresholdIsConfigurable(t *testing.T) {
	gen := &fakeGenerator{}
	m := newMachine(t, Config{Generator: gen, ConfirmWords: 4})
	ctx := context.Background()

	m.Handle(ctx, answered("CA1"))
	inst := m.Handle(ctx, spoke("CA1", "yes I think so"))
	require.Contains(t, inst.Say, `"yes I think so"`)

	_, replies := gen.counts()
	require.Zero(t, replies)
}

func TestValidTurnResetsFailures(t *testing.T) {
	m := newMachine(t, Config{})
	ctx := context.Background()

	m.Handle(ctx, answered("CA1"))
	m.Handle(ctx, spoke("CA1", ""))
	m.Handle(ctx, spoke("CA1", ""))
	m.Handle(ctx, spoke("CA1", "tell me about the premium plan"))

	snap, _ := m.Snapshot(keyFor("CA1"))
	require.Zero(t, snap.Failures)
	require.Equal(t, StateAwaiting, snap.State)

	m.Handle(ctx, spoke("CA1", ""))
	inst := m.Handle(ctx, spoke("CA1", ""))
	require.Equal(t, ActionPlayListen, inst.Action)

	inst = m.Handle(ctx, spoke("CA1", ""))
	require.Equal(t, ActionHangup, inst.Action)
}

func TestGeneratedReply(t *testing.T) {
	gen := &fakeGenerator{}
	pub := &recordingPublisher{}
	m := newMachine(t, Config{Generator: gen, Events: pub})
	ctx := context.Background()

	greeting := m.Handle(ctx, answered("CA1"))
	inst := m.Handle(ctx, spoke("CA1", "How much does the premium plan cost?"))
	require.Equal(t, ActionPlayListen, inst.Action)
	require.Equal(t, "Our premium plan includes priority support.", inst.Say)

	gen.mu.Lock()
	require.Len(t, gen.histories, 1)
	require.Len(t, gen.histories[0], 1, "history excludes the current utterance")
	require.Equal(t, greeting.Say, gen.histories[0][0].Text)
	gen.mu.Unlock()

	snap, _ := m.Snapshot(keyFor("CA1"))
	require.Len(t, snap.Turns, 3)
	require.Equal(t, ledger.RoleUser, snap.Turns[1].Role)
	require.Equal(t, 1, snap.Behavior.Optimal)

	pub.mu.Lock()
	require.Equal(t, []string{hermes.SubjectCallStarted, hermes.SubjectCallTurn}, pub.subjects)
	turn := pub.payloads[1].(hermes.CallTurn)
	pub.mu.Unlock()
	require.True(t, turn.Valid)
	require.Equal(t, "optimal", turn.Category)
	require.Equal(t, string(dialogue.SourceRetrieved), turn.Source)
}

func TestGenerationFallbackEndsCall(t *testing.T) {
	gen := &fakeGenerator{reply: func(string) dialogue.Reply {
		return dialogue.Reply{Text: lang.Strings(lang.English).Apology, Source: dialogue.SourceFallback}
	}}
	pub := &recordingPublisher{}
	m := newMachine(t, Config{Generator: gen, Events: pub})
	ctx := context.Background()

	m.Handle(ctx, answered("CA1"))
	inst := m.Handle(ctx, spoke("CA1", "what are your opening hours"))
	require.Equal(t, ActionHangup, inst.Action)
	require.Equal(t, lang.Strings(lang.English).Apology, inst.Say)

	snap, _ := m.Snapshot(keyFor("CA1"))
	require.Equal(t, StateTerminated, snap.State)
	require.Equal(t, "generation_failed", snap.Reason)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Equal(t, hermes.SubjectCallTerminated, pub.subjects[len(pub.subjects)-1])
}

func TestAdaptiveTimeout(t *testing.T) {
	m := newMachine(t, Config{})
	ctx := context.Background()
	m.Handle(ctx, answered("CA1"))

	short := func(text string) Event {
		ev := spoke("CA1", text)
		ev.Duration = 1
		return ev
	}
	require.Equal(t, 2.0, m.Handle(ctx, short("yes")).Timeout)
	require.Equal(t, 2.0, m.Handle(ctx, short("sure")).Timeout)
	require.Equal(t, 4.0, m.Handle(ctx, short("okay")).Timeout)

	snap, _ := m.Snapshot(keyFor("CA1"))
	require.Equal(t, 3, snap.Behavior.Short)
	require.Equal(t, 3, snap.Behavior.Total)
}

func TestDuplicateAnswerIsIdempotent(t *testing.T) {
	gen := &fakeGenerator{}
	m := newMachine(t, Config{Generator: gen})
	ctx := context.Background()

	const n = 20
	insts := make([]Instruction, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			insts[i] = m.Handle(ctx, answered("CA1"))
		}(i)
	}
	wg.Wait()

	greetings, _ := gen.counts()
	require.Equal(t, 1, greetings)
	require.EqualValues(t, 1, m.Stats().Created)

	spoken := 0
	for _, inst := range insts {
		require.Equal(t, ActionPlayListen, inst.Action)
		if inst.Say != "" {
			spoken++
		}
	}
	require.Equal(t, 1, spoken)

	snap, _ := m.Snapshot(keyFor("CA1"))
	require.Len(t, snap.Turns, 1)
}

func TestOverlappingTurnIsNotProcessedTwice(t *testing.T) {
	gen := &fakeGenerator{entered: make(chan struct{}), release: make(chan struct{})}
	m := newMachine(t, Config{Generator: gen})
	ctx := context.Background()
	m.Handle(ctx, answered("CA1"))

	done := make(chan Instruction, 1)
	go func() { done <- m.Handle(ctx, spoke("CA1", "tell me about pricing please")) }()
	<-gen.entered

	snap, _ := m.Snapshot(keyFor("CA1"))
	require.Equal(t, StateProcessing, snap.State)

	dup := m.Handle(ctx, spoke("CA1", "tell me about pricing please"))
	require.Equal(t, ActionPlayListen, dup.Action)
	require.Empty(t, dup.Say)

	close(gen.release)
	first := <-done
	require.Equal(t, "Our premium plan includes priority support.", first.Say)

	_, replies := gen.counts()
	require.Equal(t, 1, replies)
	snap, _ = m.Snapshot(keyFor("CA1"))
	require.Len(t, snap.Turns, 3)
}

func TestConcurrentSessionsStayIsolated(t *testing.T) {
	gen := &fakeGenerator{reply: func(u string) dialogue.Reply {
		return dialogue.Reply{Text: "echo " + u, Source: dialogue.SourceNoContext}
	}}
	m := newMachine(t, Config{Generator: gen})
	ctx := context.Background()

	const calls = 40
	var wg sync.WaitGroup
	for i := 0; i < calls; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("CA%d", i)
			m.Handle(ctx, answered(id))
			m.Handle(ctx, spoke(id, fmt.Sprintf("this is caller number %d speaking", i)))
		}(i)
	}
	wg.Wait()

	require.Equal(t, calls, m.Stats().ActiveSessions)
	for i := 0; i < calls; i++ {
		snap, ok := m.Snapshot(keyFor(fmt.Sprintf("CA%d", i)))
		require.True(t, ok)
		require.Len(t, snap.Turns, 3)
		want := fmt.Sprintf("this is caller number %d speaking", i)
		require.Equal(t, want, snap.Turns[1].Text)
		require.Equal(t, "echo "+want, snap.Turns[2].Text)
	}
}

func TestRingingDoesNotCreateSession(t *testing.T) {
	m := newMachine(t, Config{})
	inst := m.Handle(context.Background(), Event{CallID: "CA1", CampaignID: campaignID, Type: EventRinging})
	require.Equal(t, ActionWait, inst.Action)
	require.Zero(t, m.Stats().ActiveSessions)
}

func TestStatusCallbackKeepsCallListening(t *testing.T) {
	gen := &fakeGenerator{}
	m := newMachine(t, Config{Generator: gen})
	ctx := context.Background()
	status := Event{CallID: "CA1", CampaignID: campaignID, Type: EventStatus}

	before := m.Handle(ctx, status)
	require.Equal(t, ActionWait, before.Action)
	require.Zero(t, m.Stats().ActiveSessions)

	m.Handle(ctx, answered("CA1"))
	inst := m.Handle(ctx, status)
	require.Equal(t, ActionPlayListen, inst.Action)
	require.Empty(t, inst.Say)
	require.Equal(t, 2.0, inst.Timeout)

	snap, ok := m.Snapshot(keyFor("CA1"))
	require.True(t, ok)
	require.Equal(t, StateGreetingSent, snap.State)
	require.Zero(t, snap.Failures)
	greetings, replies := gen.counts()
	require.Equal(t, 1, greetings)
	require.Zero(t, replies)

	m.Handle(ctx, Event{CallID: "CA1", CampaignID: campaignID, Type: EventCompleted})
	require.Equal(t, ActionHangup, m.Handle(ctx, status).Action)
}

func TestUserTurnForUnknownSessionStartsFresh(t *testing.T) {
	gen := &fakeGenerator{}
	m := newMachine(t, Config{Generator: gen})

	inst := m.Handle(context.Background(), spoke("CA1", "hello is anyone there"))
	require.Equal(t, ActionPlayListen, inst.Action)
	require.NotEmpty(t, inst.Say)

	greetings, replies := gen.counts()
	require.Equal(t, 1, greetings)
	require.Zero(t, replies)

	snap, _ := m.Snapshot(keyFor("CA1"))
	require.Equal(t, StateGreetingSent, snap.State)
	require.Len(t, snap.Turns, 1)
}

func TestCompletedEndsSession(t *testing.T) {
	pub := &recordingPublisher{}
	m := newMachine(t, Config{Events: pub})
	ctx := context.Background()

	m.Handle(ctx, answered("CA1"))
	inst := m.Handle(ctx, Event{CallID: "CA1", CampaignID: campaignID, Type: EventCompleted})
	require.Equal(t, ActionHangup, inst.Action)

	snap, ok := m.Snapshot(keyFor("CA1"))
	require.True(t, ok)
	require.Equal(t, StateTerminated, snap.State)
	require.Equal(t, "completed", snap.Reason)

	require.Equal(t, ActionHangup, m.Handle(ctx, answered("CA1")).Action)
	require.Equal(t, ActionHangup, m.Handle(ctx, spoke("CA1", "hello there friend")).Action)
	require.Equal(t, ActionHangup, m.Handle(ctx, Event{CallID: "CA1", CampaignID: campaignID, Type: EventRinging}).Action)

	stats := m.Stats()
	require.EqualValues(t, 1, stats.Created)
	require.EqualValues(t, 1, stats.Terminated)
	require.Zero(t, stats.ActiveSessions)

	// A repeated completion does not end the call twice.
	m.Handle(ctx, Event{CallID: "CA1", CampaignID: campaignID, Type: EventFailed})
	require.EqualValues(t, 1, m.Stats().Terminated)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Equal(t, []string{hermes.SubjectCallStarted, hermes.SubjectCallTerminated}, pub.subjects)
}

func TestCompletedBeforeAnswer(t *testing.T) {
	gen := &fakeGenerator{}
	m := newMachine(t, Config{Generator: gen})
	ctx := context.Background()

	inst := m.Handle(ctx, Event{CallID: "CA1", CampaignID: campaignID, Type: EventFailed})
	require.Equal(t, ActionHangup, inst.Action)
	require.Equal(t, ActionHangup, m.Handle(ctx, answered("CA1")).Action)

	greetings, _ := gen.counts()
	require.Zero(t, greetings)
}

func TestSameCallDifferentCampaigns(t *testing.T) {
	m := newMachine(t, Config{})
	ctx := context.Background()

	m.Handle(ctx, Event{CallID: "CA1", CampaignID: "a", Type: EventAnswered})
	m.Handle(ctx, Event{CallID: "CA1", CampaignID: "b", Type: EventAnswered})
	require.Equal(t, 2, m.Stats().ActiveSessions)
}

func TestMalformedEvents(t *testing.T) {
	m := newMachine(t, Config{})
	ctx := context.Background()

	inst := m.Handle(ctx, Event{Type: EventAnswered})
	require.Equal(t, ActionHangup, inst.Action)
	require.Equal(t, lang.Strings(lang.English).Apology, inst.Say)

	inst = m.Handle(ctx, Event{CallID: "CA1", Type: "transferred"})
	require.Equal(t, ActionHangup, inst.Action)
	require.Zero(t, m.Stats().ActiveSessions)
	require.Zero(t, m.Stats().Events)
}

func TestPanicBecomesApology(t *testing.T) {
	m := newMachine(t, Config{Generator: &fakeGenerator{panics: true}, DefaultLanguage: lang.German})

	inst := m.Handle(context.Background(), answered("CA1"))
	require.Equal(t, ActionHangup, inst.Action)
	require.Equal(t, lang.Strings(lang.German).Apology, inst.Say)
	require.Equal(t, "de", inst.Language)
}

func TestCampaignLanguage(t *testing.T) {
	gen := &fakeGenerator{}
	m := newMachine(t, Config{Generator: gen, Campaigns: fakeCampaigns{
		"camp-es": {ID: "camp-es", Language: lang.Tag("spanish")},
	}})
	ctx := context.Background()

	inst := m.Handle(ctx, Event{CallID: "CA1", CampaignID: "camp-es", Type: EventAnswered})
	require.Equal(t, "es", inst.Language)

	retry := m.Handle(ctx, Event{CallID: "CA1", CampaignID: "camp-es", Type: EventUserSpoke})
	require.Equal(t, lang.Strings(lang.Spanish).Repeat, retry.Say)

	// Unknown campaigns still get a call, in the default language.
	inst = m.Handle(ctx, Event{CallID: "CA2", CampaignID: "missing", Type: EventAnswered})
	require.Equal(t, ActionPlayListen, inst.Action)
	require.Equal(t, "en", inst.Language)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	require.Equal(t, []lang.Tag{lang.Spanish, lang.English}, gen.languages)
}

func TestTranscriberIsUsedForRecordings(t *testing.T) {
	gen := &fakeGenerator{}
	tr := &fakeTranscriber{text: "I would like to hear about pricing"}
	m := newMachine(t, Config{Generator: gen, Transcriber: tr})
	ctx := context.Background()

	m.Handle(ctx, answered("CA1"))
	inst := m.Handle(ctx, Event{CallID: "CA1", CampaignID: campaignID, Type: EventUserSpoke, RecordingURL: "https://rec.example.com/RE1"})
	require.Equal(t, "Our premium plan includes priority support.", inst.Say)
	require.Equal(t, []string{"https://rec.example.com/RE1"}, tr.urls)

	gen.mu.Lock()
	require.Equal(t, []string{"I would like to hear about pricing"}, gen.utterances)
	gen.mu.Unlock()

	tr.err = voice.ErrNoSpeech
	inst = m.Handle(ctx, Event{CallID: "CA1", CampaignID: campaignID, Type: EventUserSpoke, RecordingURL: "https://rec.example.com/RE2"})
	require.Equal(t, lang.Strings(lang.English).Repeat, inst.Say)
}

func TestSynthesis(t *testing.T) {
	synth := &fakeSynth{}
	m := newMachine(t, Config{Synthesizer: synth, Voice: "alloy"})
	ctx := context.Background()

	inst := m.Handle(ctx, answered("CA1"))
	require.Equal(t, "https://cdn.example.com/tts/1.mp3", inst.Audio.URL)
	require.Equal(t, "alloy", inst.Audio.Voice)
	require.NotEmpty(t, inst.Say)

	synth.err = errors.New("tts down")
	inst = m.Handle(ctx, spoke("CA1", "what does the product do"))
	require.Equal(t, ActionPlayListen, inst.Action)
	require.Empty(t, inst.Audio.URL)
	require.Equal(t, "Our premium plan includes priority support.", inst.Say)
	require.EqualValues(t, 1, m.Stats().SynthesisFailures)
}

func TestTranscriptsArePersisted(t *testing.T) {
	sink := &memSink{failN: 1}
	m := newMachine(t, Config{Transcripts: sink})
	ctx := context.Background()

	m.Handle(ctx, answered("CA1"))
	m.Handle(ctx, spoke("CA1", "how much does it cost"))
	require.NoError(t, m.Close(ctx))

	entries, calls := sink.snapshot()
	require.Equal(t, 3, calls, "one write retried")
	require.Len(t, entries, 2)
	require.Equal(t, 0, entries[0].Turn)
	require.Empty(t, entries[0].UserText)
	require.Equal(t, StateGreetingSent, entries[0].State)
	require.Equal(t, 1, entries[1].Turn)
	require.Equal(t, "how much does it cost", entries[1].UserText)
	require.Equal(t, "CA1", entries[1].CallID)
	require.NotEqual(t, entries[0].ID, entries[1].ID)
	require.Zero(t, m.Stats().PersistFailures)
}

func TestPersistFailureDoesNotAffectCall(t *testing.T) {
	sink := &memSink{alwaysNo: true}
	m := newMachine(t, Config{Transcripts: sink})
	ctx := context.Background()

	inst := m.Handle(ctx, answered("CA1"))
	require.Equal(t, ActionPlayListen, inst.Action)
	require.NoError(t, m.Close(ctx))

	_, calls := sink.snapshot()
	require.Equal(t, 2, calls)
	require.EqualValues(t, 1, m.Stats().PersistFailures)
}

func TestCloseWaitsForPendingWrites(t *testing.T) {
	sink := &memSink{block: make(chan struct{})}
	m := newMachine(t, Config{Transcripts: sink})

	inst := m.Handle(context.Background(), answered("CA1"))
	require.Equal(t, ActionPlayListen, inst.Action)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, m.Close(ctx), context.DeadlineExceeded)

	close(sink.block)
	require.NoError(t, m.Close(context.Background()))
	entries, _ := sink.snapshot()
	require.Len(t, entries, 1)
}

func TestEvictIdleSessions(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	pub := &recordingPublisher{}
	m := newMachine(t, Config{Now: clk.Now, IdleTimeout: 30 * time.Minute, Events: pub})
	ctx := context.Background()

	m.Handle(ctx, answered("CA1"))
	clk.Advance(20 * time.Minute)
	m.Handle(ctx, answered("CA2"))

	clk.Advance(15 * time.Minute)
	require.Equal(t, 1, m.Evict(clk.Now()))

	snap, ok := m.Snapshot(keyFor("CA1"))
	require.True(t, ok)
	require.Equal(t, StateTerminated, snap.State)
	require.Equal(t, "idle_timeout", snap.Reason)

	snap, _ = m.Snapshot(keyFor("CA2"))
	require.Equal(t, StateGreetingSent, snap.State)

	// Tombstones are forgotten after another idle period.
	clk.Advance(31 * time.Minute)
	require.Equal(t, 1, m.Evict(clk.Now()))
	clk.Advance(31 * time.Minute)
	require.Zero(t, m.Evict(clk.Now()))

	_, ok = m.Snapshot(keyFor("CA1"))
	require.False(t, ok)
	require.EqualValues(t, 2, m.Stats().Evicted)
	require.Zero(t, m.Stats().EndedRetained)
}

func TestEvictDuringGeneration(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	gen := &fakeGenerator{entered: make(chan struct{}), release: make(chan struct{})}
	m := newMachine(t, Config{Generator: gen, Now: clk.Now, IdleTimeout: time.Minute})
	ctx := context.Background()
	m.Handle(ctx, answered("CA1"))

	done := make(chan Instruction, 1)
	go func() { done <- m.Handle(ctx, spoke("CA1", "can you explain the contract terms")) }()
	<-gen.entered

	clk.Advance(2 * time.Minute)
	require.Equal(t, 1, m.Evict(clk.Now()))

	close(gen.release)
	inst := <-done
	require.Equal(t, ActionHangup, inst.Action)

	snap, _ := m.Snapshot(keyFor("CA1"))
	require.Equal(t, "idle_timeout", snap.Reason)
	require.EqualValues(t, 1, m.Stats().Terminated)
}

func TestRunEvictionStopsOnCancel(t *testing.T) {
	m := newMachine(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.RunEviction(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunEviction did not return after cancel")
	}
}

func TestIsValidUtterance(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"no transcription available", false},
		{"No Transcription Available.", false},
		{"...", false},
		{"yes", true},
		{"I'd like a demo", true},
		{"नमस्ते", true},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, IsValidUtterance(tt.in), "input %q", tt.in)
	}
}

func TestEventValidate(t *testing.T) {
	require.ErrorIs(t, Event{Type: EventAnswered}.Validate(), ErrMissingCallID)
	require.Error(t, Event{CallID: "CA1", Type: "bogus"}.Validate())
	require.NoError(t, Event{CallID: "CA1", Type: EventCompleted}.Validate())
}
