package audit

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// DefaultBuffer is the queue depth of a Sink.
const DefaultBuffer = 256

// Logger is the logging surface the sink uses.
type Logger interface {
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Recorder counts lost events.
type Recorder interface {
	AuditDropped()
	AuditWriteFailed()
}

type noopRecorder struct{}

func (noopRecorder) AuditDropped()     {}
func (noopRecorder) AuditWriteFailed() {}

// Sink buffers events and writes them to a Repository from a single
// goroutine. Record never blocks the request path.
type Sink struct {
	repo     Repository
	queue    chan Event
	logger   Logger
	recorder Recorder
	now      func() time.Time
	timeout  time.Duration
}

// NewSink creates a sink with a queue of buffer events (DefaultBuffer if
// buffer < 1). Call Run to start writing.
func NewSink(repo Repository, buffer int) *Sink {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	return &Sink{
		repo:     repo,
		queue:    make(chan Event, buffer),
		logger:   noopLogger{},
		recorder: noopRecorder{},
		now:      time.Now,
		timeout:  5 * time.Second,
	}
}

// SetLogger sets the logger.
func (s *Sink) SetLogger(l Logger) {
	s.logger = l
}

// SetRecorder sets the metrics recorder.
func (s *Sink) SetRecorder(r Recorder) {
	s.recorder = r
}

// Record queues e. A full queue drops the event with a warning.
func (s *Sink) Record(e Event) {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	e.UserAgent = truncate(e.UserAgent, MaxUserAgent)

	select {
	case s.queue <- e:
	default:
		s.recorder.AuditDropped()
		s.logger.Warn("audit queue full, dropping event",
			"method", e.Method, "path", e.Path, "status", e.Status, "client_ip", e.ClientIP)
	}
}

// Run writes queued events until ctx is cancelled, then flushes what is
// already queued.
func (s *Sink) Run(ctx context.Context) {
	for {
		select {
		case e := <-s.queue:
			s.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-s.queue:
					s.write(e)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) write(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.repo.Create(ctx, &e); err != nil {
		s.recorder.AuditWriteFailed()
		s.logger.Error("writing audit event", "id", e.ID, "path", e.Path, "error", err)
	}
}
