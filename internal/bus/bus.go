// Package bus publishes session events to NATS so other processes (a status
// light, a transcript logger, a dashboard) can follow a conversation.
//
// Events are JSON on two subjects below a configurable prefix:
//
//	<prefix>.status      {"source":…,"time":…,"state":"connected"}
//	<prefix>.transcript  {"source":…,"time":…,"role":"user","text":"…"}
//
// Publishing is fire-and-forget; a disconnected bus never stalls the audio
// path.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/MrWong99/parley/pkg/types"
)

const (
	// DefaultPrefix is used when no subject prefix is configured.
	DefaultPrefix = "parley"

	connectTimeout = 3 * time.Second
)

// StatusEvent is published on <prefix>.status.
type StatusEvent struct {
	Source string    `json:"source"`
	Time   time.Time `json:"time"`
	State  string    `json:"state"`
}

// TranscriptEvent is published on <prefix>.transcript.
type TranscriptEvent struct {
	Source string     `json:"source"`
	Time   time.Time  `json:"time"`
	Role   types.Role `json:"role"`
	Text   string     `json:"text"`
}

// Option configures a [Publisher].
type Option func(*Publisher)

// WithPrefix sets the subject prefix. Default [DefaultPrefix].
func WithPrefix(prefix string) Option {
	return func(p *Publisher) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

// WithSource sets the source id stamped on every event. Default a random
// UUID per process.
func WithSource(id string) Option {
	return func(p *Publisher) {
		if id != "" {
			p.source = id
		}
	}
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.log = l
		}
	}
}

// Publisher sends session events to NATS. It is safe for concurrent use.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	source string
	log    *slog.Logger
}

// Connect dials the NATS server at url. The connection reconnects on its own
// after it has been established once.
func Connect(url string, opts ...Option) (*Publisher, error) {
	p := &Publisher{
		prefix: DefaultPrefix,
		source: uuid.NewString(),
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}

	conn, err := nats.Connect(url,
		nats.Name("parley-"+p.source),
		nats.Timeout(connectTimeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				p.log.Warn("bus: disconnected from NATS", "err", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			p.log.Info("bus: reconnected to NATS", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to nats: %w", err)
	}
	p.conn = conn
	p.log.Info("bus: connected to NATS", "url", conn.ConnectedUrl(), "prefix", p.prefix)
	return p, nil
}

// Source returns the id stamped on this publisher's events.
func (p *Publisher) Source() string { return p.source }

// StatusSubject returns <prefix>.status.
func (p *Publisher) StatusSubject() string { return p.prefix + ".status" }

// TranscriptSubject returns <prefix>.transcript.
func (p *Publisher) TranscriptSubject() string { return p.prefix + ".transcript" }

// PublishStatus announces a connection state change.
func (p *Publisher) PublishStatus(state string) error {
	return p.publish(p.StatusSubject(), StatusEvent{
		Source: p.source,
		Time:   time.Now().UTC(),
		State:  state,
	})
}

// PublishTranscript forwards one transcript line.
func (p *Publisher) PublishTranscript(e types.TranscriptEntry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return p.publish(p.TranscriptSubject(), TranscriptEvent{
		Source: p.source,
		Time:   ts.UTC(),
		Role:   e.Role,
		Text:   e.Text,
	})
}

func (p *Publisher) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("bus: encode %s: %w", subject, err)
	}
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("bus: publish %s: %w", subject, err)
	}
	return nil
}

// Check reports whether the connection is up. It satisfies the readiness
// checker signature.
func (p *Publisher) Check(context.Context) error {
	if p == nil || p.conn == nil {
		return errors.New("bus: not connected")
	}
	if s := p.conn.Status(); s != nats.CONNECTED {
		return fmt.Errorf("bus: connection %s", s)
	}
	return nil
}

// Flush waits until the server has processed everything published so far.
func (p *Publisher) Flush(ctx context.Context) error {
	if err := p.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("bus: flush: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p == nil || p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("bus: drain: %w", err)
	}
	return nil
}
