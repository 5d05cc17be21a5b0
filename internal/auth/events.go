package auth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"
)

// EventType names a security event.
type EventType string

const (
	EventAuthSuccess    EventType = "AUTH_SUCCESS"
	EventAuthFailure    EventType = "AUTH_FAILURE"
	EventTokenValid     EventType = "TOKEN_VALID"
	EventTokenInvalid   EventType = "TOKEN_INVALID"
	EventTokenExpired   EventType = "TOKEN_EXPIRED"
	EventTokenRevoked   EventType = "TOKEN_REVOKED"
	EventEndpointAccess EventType = "ENDPOINT_ACCESS"
	EventLogout         EventType = "LOGOUT"
	EventTokenRefresh   EventType = "TOKEN_REFRESH"
)

// Event is one security-relevant occurrence.
type Event struct {
	Type     EventType
	Subject  string // email or user id, empty when unknown
	ClientIP string
	Method   string
	Path     string
	Detail   string
	At       time.Time
}

// EventSink receives every processed event, typically for metrics.
type EventSink interface {
	RecordSecurityEvent(ctx context.Context, e Event)
}

// EventLogger publishes security events to a bounded queue drained by a
// small worker pool. Publishing never blocks the request path; when the
// queue is full the event is dropped and counted.
type EventLogger struct {
	logger  *slog.Logger
	tracker *FailureTracker
	sink    EventSink
	clock   clock.Clock

	mu      sync.RWMutex
	closed  bool
	queue   chan Event
	group   errgroup.Group
	dropped atomic.Int64
}

// EventLoggerOptions configures an EventLogger. Logger defaults to
// slog.Default; Tracker and Sink are optional.
type EventLoggerOptions struct {
	QueueSize int
	Workers   int
	Logger    *slog.Logger
	Tracker   *FailureTracker
	Sink      EventSink
	Clock     clock.Clock
}

func NewEventLogger(opts EventLoggerOptions) *EventLogger {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	l := &EventLogger{
		logger:  opts.Logger.With("component", "security"),
		tracker: opts.Tracker,
		sink:    opts.Sink,
		clock:   opts.Clock,
		queue:   make(chan Event, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		l.group.Go(func() error {
			for e := range l.queue {
				l.handle(e)
			}
			return nil
		})
	}
	return l
}

// Publish enqueues e and reports whether it was accepted.
func (l *EventLogger) Publish(e Event) bool {
	if e.At.IsZero() {
		e.At = l.clock.Now()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.dropped.Add(1)
		return false
	}

	select {
	case l.queue <- e:
		return true
	default:
		l.dropped.Add(1)
		return false
	}
}

// Dropped returns how many events were discarded.
func (l *EventLogger) Dropped() int64 {
	return l.dropped.Load()
}

// Close stops accepting events, drains the queue and waits for the workers.
func (l *EventLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	return l.group.Wait()
}

func (l *EventLogger) handle(e Event) {
	attrs := []any{
		"event", string(e.Type),
		"subject", e.Subject,
		"client_ip", e.ClientIP,
		"path", e.Path,
		"at", e.At,
	}
	if e.Method != "" {
		attrs = append(attrs, "method", e.Method)
	}
	if e.Detail != "" {
		attrs = append(attrs, "detail", e.Detail)
	}

	switch e.Type {
	case EventTokenValid, EventEndpointAccess:
		l.logger.Debug("Security event", attrs...)
	case EventAuthSuccess, EventLogout, EventTokenRefresh:
		l.logger.Info("Security event", attrs...)
		if e.Type == EventAuthSuccess && l.tracker != nil {
			l.tracker.Reset(e.Subject)
		}
	case EventAuthFailure:
		l.logger.Warn("Security event", attrs...)
		l.trackFailure(e)
	default:
		l.logger.Warn("Security event", attrs...)
	}

	if l.sink != nil {
		l.sink.RecordSecurityEvent(context.Background(), e)
	}
}

func (l *EventLogger) trackFailure(e Event) {
	if l.tracker == nil || e.Subject == "" {
		return
	}
	count, alert := l.tracker.RecordFailure(e.Subject)
	if alert {
		l.logger.Error("Possible brute force attack",
			"event", "BRUTE_FORCE_SUSPECTED",
			"subject", e.Subject,
			"client_ip", e.ClientIP,
			"failures", count,
		)
	}
}
