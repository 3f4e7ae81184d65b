// Package voice defines the speech collaborators a call depends on:
// transcription of caller recordings and synthesis of assistant replies.
package voice

import (
	"context"
	"errors"

	"github.com/MikeSquared-Agency/herald/internal/lang"
)

// NoTranscription is the text telephony providers send when a recording
// could not be transcribed.
const NoTranscription = "no transcription available"

// ErrNoSpeech is returned by transcribers when a recording contains no speech.
var ErrNoSpeech = errors.New("voice: no speech in recording")

// Transcript is the result of transcribing one caller turn.
type Transcript struct {
	Text       string
	Language   string
	Duration   float64 // seconds of audio
	Confidence float64
}

type Transcriber interface {
	Transcribe(ctx context.Context, recordingURL string, language lang.Tag) (Transcript, error)
}

// Options selects how a reply is rendered.
type Options struct {
	Language lang.Tag
	Voice    string
}

// Audio is a synthesized reply. URL is set when the audio is hosted and can
// be played directly; otherwise Say carries text for the telephony provider
// to speak with its own engine.
type Audio struct {
	URL      string `json:"url,omitempty"`
	Say      string `json:"say,omitempty"`
	Voice    string `json:"voice,omitempty"`
	Language string `json:"language"`
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string, opts Options) (Audio, error)
}

// SaySynthesizer renders replies as provider-native speech, with no audio
// hosting of its own.
type SaySynthesizer struct {
	Voice string
}

func (s SaySynthesizer) Synthesize(_ context.Context, text string, opts Options) (Audio, error) {
	if text == "" {
		return Audio{}, errors.New("voice: empty text")
	}
	v := opts.Voice
	if v == "" {
		v = s.Voice
	}
	return Audio{Say: text, Voice: v, Language: lang.Strings(opts.Language).Code}, nil
}
