package risk

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/nerrad567/foundry-core/internal/infrastructure/config"
	"github.com/nerrad567/foundry-core/internal/restriction"
)

var automatedAgent = regexp.MustCompile(`(?i)bot|curl|python|wget|crawler|spider|httpclient`)

// Logger is the logging surface the engine uses.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// Recorder receives one call per completed assessment.
type Recorder interface {
	RiskDecision(decision string, score int)
}

// Engine scores requests. It is safe for concurrent use.
type Engine struct {
	cfg     config.RiskConfig
	loc     *time.Location
	history HistorySource
	store   *restriction.Store
	now     func() time.Time

	logger   Logger
	recorder Recorder
}

// EngineConfig groups the engine's collaborators.
type EngineConfig struct {
	Risk config.RiskConfig

	// Location is the site time zone used for hour and weekday signals.
	// Nil means UTC.
	Location *time.Location

	History HistorySource
	Store   *restriction.Store

	// Now supplies ValidUntil when a request carries no timestamp.
	Now func() time.Time
}

// NewEngine creates an engine. History and Store are required.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.History == nil || cfg.Store == nil {
		return nil, fmt.Errorf("risk engine: history and store are required")
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		cfg:     cfg.Risk,
		loc:     cfg.Location,
		history: cfg.History,
		store:   cfg.Store,
		now:     cfg.Now,
		logger:  noopLogger{},
	}, nil
}

// SetLogger sets the logger.
func (e *Engine) SetLogger(logger Logger) {
	e.logger = logger
}

// SetRecorder sets the metrics recorder.
func (e *Engine) SetRecorder(r Recorder) {
	e.recorder = r
}

// Location returns the site time zone.
func (e *Engine) Location() *time.Location {
	return e.loc
}

// Assess scores rc for (userID, scope). A restrict decision writes the
// resulting restriction to the store before returning; a block decision
// is reported through Assessment.Err. An error means no decision could be
// made and the request must be refused.
func (e *Engine) Assess(ctx context.Context, userID, scope string, rc RequestContext) (Assessment, error) {
	if err := ctx.Err(); err != nil {
		return Assessment{}, fmt.Errorf("assessing risk: %w", err)
	}

	a := Assessment{UserID: userID, Scope: scope}
	w := e.cfg.Weights
	add := func(sig Signal, weight int) {
		a.Signals = append(a.Signals, sig)
		a.Score += weight
	}

	profile, histErr := e.history.Profile(ctx, userID)
	if histErr != nil {
		if ctx.Err() != nil {
			return Assessment{}, fmt.Errorf("assessing risk: %w", ctx.Err())
		}
		e.logger.Warn("behaviour history unavailable", "user_id", userID, "error", histErr)
		add(SignalHistoryUnavailable, w.HistoryUnavailable)
	}

	ip := net.ParseIP(rc.IP)
	switch {
	case ip == nil:
		add(SignalMissingIP, w.MissingIP)
	case isInternal(ip):
	case histErr != nil || !profile.KnownIP(ip.String()):
		add(SignalNewIP, w.NewIP)
	}

	switch {
	case rc.DeviceID == "":
		add(SignalMissingDevice, w.MissingDevice)
	case histErr != nil || !profile.KnownDevice(rc.DeviceID):
		add(SignalNewDevice, w.NewDevice)
	}

	switch {
	case rc.UserAgent == "":
		add(SignalMissingUserAgent, w.MissingUserAgent)
	case automatedAgent.MatchString(rc.UserAgent):
		add(SignalAutomatedAgent, w.AutomatedAgent)
	}

	if rc.At.IsZero() {
		add(SignalUnusualHour, w.UnusualHour)
	} else {
		local := rc.At.In(e.loc)
		if e.unusualHour(local.Hour()) {
			add(SignalUnusualHour, w.UnusualHour)
		}
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			add(SignalWeekend, w.Weekend)
		}
	}

	if _, ok := e.store.Get(userID, scope); ok {
		add(SignalPriorRestriction, w.PriorRestriction)
	}

	if histErr == nil && e.cfg.MaxDistinctIPs > 0 {
		since := time.Time{}
		if !rc.At.IsZero() && e.cfg.HistoryWindow > 0 {
			since = rc.At.Add(-time.Duration(e.cfg.HistoryWindow) * time.Second)
		}
		if profile.DistinctIPsSince(since) > e.cfg.MaxDistinctIPs {
			add(SignalIPChurn, w.IPChurn)
		}
	}

	a.Score = min(max(a.Score, 0), 100)
	a.Level = LevelFor(a.Score)

	switch {
	case a.Score > e.cfg.BlockThreshold:
		a.Decision = DecisionBlock
		e.logger.Warn("request blocked by risk assessment",
			"user_id", userID, "scope", scope, "score", a.Score, "signals", a.Signals)

	case a.Score > e.cfg.RestrictThreshold:
		a.Decision = DecisionRestrict
		r := e.restrictionFor(a, rc)
		e.store.Set(userID, scope, r, r.ValidUntil)
		a.Restriction = &r
		e.logger.Info("contextual restriction applied",
			"user_id", userID, "scope", scope, "score", a.Score, "level", string(a.Level),
			"valid_until", r.ValidUntil)

	default:
		a.Decision = DecisionAllow
	}

	if e.recorder != nil {
		e.recorder.RiskDecision(string(a.Decision), a.Score)
	}
	return a, nil
}

// Observe records a context that was let through, so later requests from
// the same IP and device no longer count as new.
func (e *Engine) Observe(userID string, rc RequestContext) {
	e.history.Record(userID, rc)
}

func (e *Engine) unusualHour(hour int) bool {
	start, end := e.cfg.UnusualHourStart, e.cfg.UnusualHourEnd
	if start <= end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// restrictionFor shapes the restriction for the assessment's level. The
// CRITICAL shape pins the caller to its current IP and device.
func (e *Engine) restrictionFor(a Assessment, rc RequestContext) restriction.Restriction {
	from := rc.At
	if from.IsZero() {
		from = e.now()
	}

	r := restriction.Restriction{
		Level:  string(a.Level),
		Reason: fmt.Sprintf("risk score %d", a.Score),
	}
	switch a.Level {
	case LevelCritical:
		r.AllowedIPs = []string{rc.IP}
		r.AllowedDevices = []string{rc.DeviceID}
		r.WorkingHours = &restriction.Hours{Start: 9, End: 18}
		r.ReducedScope = true
		r.ValidUntil = from.Add(time.Hour)
	case LevelHigh:
		r.WorkingHours = &restriction.Hours{Start: 8, End: 20}
		r.ValidUntil = from.Add(4 * time.Hour)
	case LevelMedium:
		r.WorkingHours = &restriction.Hours{Start: 6, End: 22}
		r.ValidUntil = from.Add(8 * time.Hour)
	default:
		r.ValidUntil = from.Add(24 * time.Hour)
	}
	return r
}

func isInternal(ip net.IP) bool {
	return ip.IsPrivate() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast()
}
