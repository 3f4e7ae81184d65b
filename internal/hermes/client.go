package hermes

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published and consumed by herald.
const (
	SubjectCallStarted      = "swarm.herald.call.started"
	SubjectCallTurn         = "swarm.herald.call.turn"
	SubjectCallTerminated   = "swarm.herald.call.terminated"
	SubjectDocumentIngested = "swarm.herald.document.ingested"
	SubjectDocumentIngest   = "swarm.herald.document.ingest"
)

// CallStarted is emitted when a call session is created and greeted.
type CallStarted struct {
	CallID     string    `json:"call_id"`
	CampaignID string    `json:"campaign_id"`
	Language   string    `json:"language"`
	Timestamp  time.Time `json:"timestamp"`
}

// CallTurn is emitted for every caller turn the session processes.
type CallTurn struct {
	CallID    string    `json:"call_id"`
	Turn      int       `json:"turn"`
	Valid     bool      `json:"valid"`
	Category  string    `json:"category,omitempty"`
	Reply     string    `json:"reply"`
	Source    string    `json:"source"`
	Timeout   float64   `json:"timeout"`
	Timestamp time.Time `json:"timestamp"`
}

// CallTerminated is emitted once per call when its session ends.
type CallTerminated struct {
	CallID    string    `json:"call_id"`
	Reason    string    `json:"reason"`
	Turns     int       `json:"turns"`
	Failures  int       `json:"failures"`
	Timestamp time.Time `json:"timestamp"`
}

// DocumentIngested is emitted after a document's chunk set is replaced.
type DocumentIngested struct {
	RunID      string    `json:"run_id"`
	DocumentID string    `json:"document_id"`
	Chunks     int       `json:"chunks"`
	Mode       string    `json:"mode"`
	Timestamp  time.Time `json:"timestamp"`
}

// IngestRequest asks herald to (re)index a document.
type IngestRequest struct {
	DocumentID string `json:"document_id"`
	Text       string `json:"text"`
}

type Client struct {
	conn   *nats.Conn
	subs   []*nats.Subscription
	logger *slog.Logger
}

func NewClient(ctx context.Context, url, token string, logger *slog.Logger) (*Client, error) {
	opts := []nats.Option{
		nats.Name("herald"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	}
	if token != "" {
		opts = append(opts, nats.Token(token))
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	return &Client{conn: nc, logger: logger}, nil
}

func (c *Client) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.conn.Publish(subject, payload)
}

func (c *Client) Subscribe(subject string, handler func(subject string, data []byte)) error {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Subject, msg.Data)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	c.subs = append(c.subs, sub)
	c.logger.Info("subscribed", "subject", subject)
	return nil
}

// Drain flushes pending publishes before closing the connection.
func (c *Client) Drain(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- c.conn.Drain() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		c.conn.Close()
		return ctx.Err()
	}
}

func (c *Client) Close() {
	for _, sub := range c.subs {
		_ = sub.Unsubscribe()
	}
	c.conn.Close()
}
