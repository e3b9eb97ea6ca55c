package telemetry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Message outcomes reported to the Recorder.
const (
	ResultApplied   = "applied"
	ResultMalformed = "malformed"
	ResultDropped   = "dropped"
	ResultRejected  = "rejected"
)

// Logger is the logging surface the ingestor uses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Observer is told about every state change, after locks are released.
// Implementations must not block for long; they run on a partition worker.
type Observer interface {
	RobotStateChanged(RobotState)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(RobotState)

// RobotStateChanged calls f.
func (f ObserverFunc) RobotStateChanged(s RobotState) { f(s) }

// Recorder counts message outcomes.
type Recorder interface {
	TelemetryMessage(result string)
}

// Config sizes the ingestor.
type Config struct {
	Workers        int
	QueueSize      int
	MessageTimeout time.Duration
	Staleness      time.Duration
	SweepInterval  time.Duration
	Thresholds     Thresholds

	// CompanySegment is the 1-based topic level naming the owning company.
	// Zero, or a topic too short to have it, falls back to DefaultCompany.
	CompanySegment int
	DefaultCompany string

	// Now is the receive clock. Defaults to time.Now.
	Now func() time.Time
}

// job is one unit of work for a partition worker: a sample to apply, or,
// when expire is set, a staleness check for sample.RobotID.
type job struct {
	sample     Sample
	receivedAt time.Time

	expire bool
	cutoff time.Time
}

// Ingestor decodes telemetry and applies it to a Store through one worker
// goroutine per partition.
type Ingestor struct {
	cfg   Config
	store *Store

	logger    Logger
	recorder  Recorder
	observers []Observer

	mu      sync.RWMutex // guards queues and running
	queues  []chan job
	running bool

	wg       sync.WaitGroup
	done     chan struct{}
	stopOnce sync.Once
}

// NewIngestor creates an ingestor writing to store. Zero-valued Config
// fields fall back to one worker, a 64-deep queue, a 500ms message timeout
// and a 5 minute staleness window.
func NewIngestor(cfg Config, store *Store) *Ingestor {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 64
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = 500 * time.Millisecond
	}
	if cfg.Staleness <= 0 {
		cfg.Staleness = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Ingestor{cfg: cfg, store: store, logger: noopLogger{}, done: make(chan struct{})}
}

// SetLogger sets the logger.
func (i *Ingestor) SetLogger(logger Logger) {
	i.logger = logger
}

// SetRecorder sets the metrics recorder.
func (i *Ingestor) SetRecorder(r Recorder) {
	i.recorder = r
}

// AddObserver registers o. Call before Start.
func (i *Ingestor) AddObserver(o Observer) {
	i.observers = append(i.observers, o)
}

// Store returns the state store the ingestor writes to.
func (i *Ingestor) Store() *Store {
	return i.store
}

// Start launches the partition workers. Cancelling ctx has the same effect
// as calling Stop.
func (i *Ingestor) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running || i.queues != nil {
		return errors.New("telemetry ingestor already started")
	}

	i.queues = make([]chan job, i.cfg.Workers)
	for p := range i.queues {
		q := make(chan job, i.cfg.QueueSize)
		i.queues[p] = q
		i.wg.Add(1)
		go i.work(q)
	}
	i.running = true

	go func() {
		select {
		case <-ctx.Done():
			i.Stop()
		case <-i.done:
		}
	}()

	i.logger.Info("telemetry workers started", "workers", i.cfg.Workers, "queue_size", i.cfg.QueueSize)
	return nil
}

// Stop closes the queues, lets the workers drain what is already queued
// and waits for them to exit. Safe to call more than once.
func (i *Ingestor) Stop() {
	i.stopOnce.Do(func() {
		close(i.done)

		i.mu.Lock()
		i.running = false
		for _, q := range i.queues {
			close(q)
		}
		i.mu.Unlock()

		i.wg.Wait()
		i.logger.Info("telemetry workers stopped")
	})
}

// Ingest decodes payload and queues it on its robot's partition. The robot
// belongs to the configured default company. A malformed payload is
// logged, counted and returned as *MalformedError; a full queue that does
// not free up within the message timeout (or a cancelled ctx) yields
// *TransientError.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte) error {
	return i.ingest(ctx, i.cfg.DefaultCompany, payload)
}

// IngestFrom is Ingest for a payload received on topic. The owning company
// is read from the configured topic level.
func (i *Ingestor) IngestFrom(ctx context.Context, topic string, payload []byte) error {
	return i.ingest(ctx, i.companyFor(topic), payload)
}

// companyFor returns the company named by topic, or the default company.
func (i *Ingestor) companyFor(topic string) string {
	if n := i.cfg.CompanySegment; n > 0 {
		levels := strings.Split(topic, "/")
		if n <= len(levels) && levels[n-1] != "" && !strings.ContainsAny(levels[n-1], "+#") {
			return levels[n-1]
		}
	}
	return i.cfg.DefaultCompany
}

func (i *Ingestor) ingest(ctx context.Context, companyID string, payload []byte) error {
	s, err := Decode(payload)
	if err == nil && companyID == "" && i.cfg.CompanySegment > 0 {
		err = &MalformedError{Reason: "no owning company for robot " + s.RobotID}
	}
	if err != nil {
		i.logger.Warn("dropping malformed telemetry", "error", err, "bytes", len(payload))
		i.record(ResultMalformed)
		return err
	}
	s.CompanyID = companyID

	j := job{sample: s, receivedAt: i.cfg.Now()}

	i.mu.RLock()
	defer i.mu.RUnlock()
	if !i.running {
		return ErrNotRunning
	}
	q := i.queues[partition(s.RobotID, len(i.queues))]

	select {
	case q <- j:
		return nil
	default:
	}

	timer := time.NewTimer(i.cfg.MessageTimeout)
	defer timer.Stop()

	select {
	case q <- j:
		return nil
	case <-timer.C:
		i.record(ResultDropped)
		return &TransientError{RobotID: s.RobotID, Err: context.DeadlineExceeded}
	case <-ctx.Done():
		i.record(ResultDropped)
		return &TransientError{RobotID: s.RobotID, Err: ctx.Err()}
	}
}

// HandleMessage is the MQTT handler for the telemetry topic. Malformed
// payloads were already logged by Ingest and are not reported again.
func (i *Ingestor) HandleMessage(topic string, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.MessageTimeout)
	defer cancel()

	err := i.IngestFrom(ctx, topic, payload)
	var malformed *MalformedError
	if errors.As(err, &malformed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ingesting from %s: %w", topic, err)
	}
	return nil
}

func (i *Ingestor) work(q <-chan job) {
	defer i.wg.Done()
	for j := range q {
		i.process(j)
	}
}

// process applies one job. A panicking observer is contained so the
// partition keeps running.
func (i *Ingestor) process(j job) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("telemetry worker panic recovered", "robot_id", j.sample.RobotID, "panic", r)
		}
	}()

	if j.expire {
		if st, ok := i.store.expire(j.sample.RobotID, j.cutoff, j.receivedAt); ok {
			i.logger.Info("robot went offline", "robot_id", st.RobotID, "last_seen", st.LastSeenAt)
			i.notify(st)
		}
		return
	}

	th := i.cfg.Thresholds
	var owner string
	st, ok := i.store.update(j.sample.RobotID, func(prev *RobotState) (RobotState, bool) {
		if prev != nil && prev.CompanyID != "" && prev.CompanyID != j.sample.CompanyID {
			owner = prev.CompanyID
			return RobotState{}, false
		}
		return Reconcile(prev, j.sample, j.receivedAt, th), true
	})
	if !ok {
		i.logger.Warn("rejecting telemetry for robot owned by another company",
			"robot_id", j.sample.RobotID, "owner", owner, "company_id", j.sample.CompanyID)
		i.record(ResultRejected)
		return
	}
	i.record(ResultApplied)

	i.logger.Debug("robot state updated",
		"robot_id", st.RobotID,
		"alarm", string(st.AlarmStatus),
		"health", st.Health,
		"utilization", st.Utilization)

	i.notify(st)
}

func (i *Ingestor) notify(st RobotState) {
	for _, o := range i.observers {
		o.RobotStateChanged(st.Clone())
	}
}

// SweepStale marks robots not seen within the staleness window as offline
// and returns how many stale robots it found. While the workers run, each
// transition is queued on the robot's partition behind any pending samples
// and re-checked there, so observers never see offline after a newer
// sample. A robot whose queue is full is left for the next sweep. Once
// stopped, transitions are applied and notified directly.
func (i *Ingestor) SweepStale(now time.Time) int {
	cutoff := now.Add(-i.cfg.Staleness)

	i.mu.RLock()
	if i.running {
		defer i.mu.RUnlock()
		n := 0
		for _, id := range i.store.staleCandidates(cutoff) {
			q := i.queues[partition(id, len(i.queues))]
			select {
			case q <- job{sample: Sample{RobotID: id}, receivedAt: now, expire: true, cutoff: cutoff}:
				n++
			default:
				i.logger.Debug("stale check deferred, partition busy", "robot_id", id)
			}
		}
		return n
	}
	i.mu.RUnlock()

	changed := i.store.markStale(cutoff, now)
	for _, st := range changed {
		i.logger.Info("robot went offline", "robot_id", st.RobotID, "last_seen", st.LastSeenAt)
		i.notify(st)
	}
	return len(changed)
}

// Run sweeps for stale robots every SweepInterval until ctx is cancelled.
func (i *Ingestor) Run(ctx context.Context) {
	ticker := time.NewTicker(i.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.SweepStale(i.cfg.Now())
		}
	}
}

func (i *Ingestor) record(result string) {
	if i.recorder != nil {
		i.recorder.TelemetryMessage(result)
	}
}
