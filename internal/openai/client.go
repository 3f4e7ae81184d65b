package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/MikeSquared-Agency/herald/internal/lang"
	"github.com/MikeSquared-Agency/herald/internal/voice"
)

const (
	defaultBaseURL            = "https://api.openai.com/v1"
	defaultEmbeddingModel     = "text-embedding-3-small"
	defaultTranscriptionModel = "whisper-1"

	maxRecordingBytes = 25 << 20
)

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

type transcriptionResponse struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Duration float64 `json:"duration"`
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client for embeddings and speech
// transcription.
type Client struct {
	apiKey             string
	baseURL            string
	embeddingModel     string
	transcriptionModel string
	httpClient         *http.Client

	recordingUser string
	recordingPass string
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.embeddingModel = model
		}
	}
}

func WithTranscriptionModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.transcriptionModel = model
		}
	}
}

// WithRecordingAuth sets basic-auth credentials used when downloading
// caller recordings from the telephony provider.
func WithRecordingAuth(user, pass string) Option {
	return func(c *Client) {
		c.recordingUser = user
		c.recordingPass = pass
	}
}

func NewClient(apiKey string, opts ...Option) (*Client, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key must not be empty")
	}
	c := &Client{
		apiKey:             apiKey,
		baseURL:            defaultBaseURL,
		embeddingModel:     defaultEmbeddingModel,
		transcriptionModel: defaultTranscriptionModel,
		httpClient:         &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func endpointURL(baseURL, endpoint string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + endpoint
	}
	return base + "/v1" + endpoint
}

// Embed returns one vector per input text, in input order.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingRequest{Model: c.embeddingModel, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal embedding request: %w", err)
	}

	url := endpointURL(c.baseURL, "/embeddings")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	raw, err := c.doJSONRequest(req, url, 64<<20)
	if err != nil {
		return nil, fmt.Errorf("openai: embedding request failed: %w", err)
	}

	var payload embeddingResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("openai: decode embedding response: %w", err)
	}
	if len(payload.Data) != len(texts) {
		return nil, fmt.Errorf("openai: got %d embeddings for %d inputs", len(payload.Data), len(texts))
	}
	sort.Slice(payload.Data, func(i, j int) bool {
		return payload.Data[i].Index < payload.Data[j].Index
	})

	out := make([][]float64, len(payload.Data))
	for i, d := range payload.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

// Transcribe downloads a caller recording and transcribes it. An empty
// transcription is reported as voice.ErrNoSpeech.
func (c *Client) Transcribe(ctx context.Context, recordingURL string, language lang.Tag) (voice.Transcript, error) {
	if recordingURL == "" {
		return voice.Transcript{}, errors.New("openai: recording url must not be empty")
	}

	audio, err := c.download(ctx, recordingURL)
	if err != nil {
		return voice.Transcript{}, err
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	name := path.Base(recordingURL)
	if !strings.Contains(name, ".") {
		name += ".wav"
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return voice.Transcript{}, fmt.Errorf("openai: create form file: %w", err)
	}
	if _, err := fw.Write(audio); err != nil {
		return voice.Transcript{}, fmt.Errorf("openai: write form file: %w", err)
	}
	fields := map[string]string{
		"model":           c.transcriptionModel,
		"language":        lang.Strings(language).Code,
		"response_format": "verbose_json",
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return voice.Transcript{}, fmt.Errorf("openai: write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return voice.Transcript{}, fmt.Errorf("openai: close form: %w", err)
	}

	url := endpointURL(c.baseURL, "/audio/transcriptions")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return voice.Transcript{}, fmt.Errorf("openai: create transcription request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	raw, err := c.doJSONRequest(req, url, 1<<20)
	if err != nil {
		return voice.Transcript{}, fmt.Errorf("openai: transcription request failed: %w", err)
	}

	var payload transcriptionResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return voice.Transcript{}, fmt.Errorf("openai: decode transcription response: %w", err)
	}
	text := strings.TrimSpace(payload.Text)
	if text == "" {
		return voice.Transcript{}, voice.ErrNoSpeech
	}
	return voice.Transcript{
		Text:     text,
		Language: payload.Language,
		Duration: payload.Duration,
	}, nil
}

func (c *Client) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("openai: create download request: %w", err)
	}
	if c.recordingUser != "" {
		req.SetBasicAuth(c.recordingUser, c.recordingPass)
	}
	audio, err := c.doJSONRequest(req, url, maxRecordingBytes)
	if err != nil {
		return nil, fmt.Errorf("openai: download recording: %w", err)
	}
	if len(audio) == 0 {
		return nil, voice.ErrNoSpeech
	}
	return audio, nil
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) doJSONRequest(req *http.Request, url string, limit int64) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
