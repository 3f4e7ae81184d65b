package voice

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/lang"
)

type synthesizeRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Voice    string `json:"voice,omitempty"`
}

type synthesizeResponse struct {
	URL string `json:"url"`
}

// HTTPSynthesizer calls a text-to-speech service that hosts rendered audio
// and returns its URL.
type HTTPSynthesizer struct {
	url    string
	voice  string
	client *http.Client
}

func NewHTTPSynthesizer(url, defaultVoice string) *HTTPSynthesizer {
	return &HTTPSynthesizer{
		url:    strings.TrimRight(url, "/"),
		voice:  defaultVoice,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSynthesizer) Synthesize(ctx context.Context, text string, opts Options) (Audio, error) {
	if text == "" {
		return Audio{}, errors.New("voice: empty text")
	}
	v := opts.Voice
	if v == "" {
		v = s.voice
	}
	code := lang.Strings(opts.Language).Code

	body, err := json.Marshal(synthesizeRequest{Text: text, Language: code, Voice: v})
	if err != nil {
		return Audio{}, fmt.Errorf("marshal request: %w", err)
	}

	url := s.url + "/synthesize"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Audio{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Audio{}, fmt.Errorf("tts call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Audio{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Audio{}, fmt.Errorf("tts returned %d: %s", resp.StatusCode, string(respBody))
	}

	var out synthesizeResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Audio{}, fmt.Errorf("unmarshal response: %w", err)
	}
	if out.URL == "" {
		return Audio{}, errors.New("tts response has no audio url")
	}
	return Audio{URL: out.URL, Voice: v, Language: code}, nil
}
