// Package events publishes sanitization events, one per orchestration
// call.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ragorch/internal/config"
	"github.com/fyrsmithlabs/ragorch/internal/sanitize"
)

// ErrUnsupportedPublisher is returned for an unknown publisher name.
var ErrUnsupportedPublisher = errors.New("unsupported event publisher")

// Publisher delivers sanitization events.
type Publisher interface {
	Publish(ctx context.Context, event sanitize.Event) error
	Close() error
}

// New builds the publisher selected by cfg.
func New(cfg config.EventsConfig, logger *zap.Logger) (Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Publisher {
	case "", "log":
		return NewLogPublisher(logger), nil
	case "none":
		return Nop{}, nil
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL,
			nats.Name("ragorch"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("connecting to nats at %s: %w", cfg.NATSURL, err)
		}
		return NewNATSPublisher(nc, cfg.Subject, true), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPublisher, cfg.Publisher)
	}
}

// NATSPublisher publishes events as JSON to a NATS subject. The risk
// level is appended to the subject so consumers can subscribe to
// "<subject>.HIGH" alone.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
	owned   bool
}

// NewNATSPublisher wraps nc. When owned is set Close also closes nc.
func NewNATSPublisher(nc *nats.Conn, subject string, owned bool) *NATSPublisher {
	return &NATSPublisher{nc: nc, subject: subject, owned: owned}
}

// Subject returns the subject an event is published on.
func (p *NATSPublisher) Subject(event sanitize.Event) string {
	return p.subject + "." + string(event.RiskLevel)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, event sanitize.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(event), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (p *NATSPublisher) Close() error {
	if err := p.nc.Flush(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return err
	}
	if p.owned {
		p.nc.Close()
	}
	return nil
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *zap.Logger
}

// NewLogPublisher creates a LogPublisher.
func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

// Publish implements Publisher.
func (p *LogPublisher) Publish(_ context.Context, event sanitize.Event) error {
	level := zap.InfoLevel
	if event.RiskLevel == sanitize.RiskHigh {
		level = zap.WarnLevel
	}
	p.logger.Log(level, "sanitization event",
		zap.String("request_id", event.RequestID),
		zap.String("user_id", event.UserID),
		zap.String("risk_level", string(event.RiskLevel)),
		zap.Strings("detected_types", event.DetectedTypes),
		zap.Int("intent_count", event.IntentCount))
	return nil
}

// Close implements Publisher.
func (p *LogPublisher) Close() error { return nil }

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, sanitize.Event) error { return nil }

// Close implements Publisher.
func (Nop) Close() error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []sanitize.Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, event sanitize.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

// Events returns the recorded events.
func (r *Recorder) Events() []sanitize.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sanitize.Event(nil), r.events...)
}

// Close implements Publisher.
func (r *Recorder) Close() error { return nil }
