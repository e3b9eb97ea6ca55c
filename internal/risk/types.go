package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/nerrad567/foundry-core/internal/restriction"
)

// ErrBlocked is wrapped by every *BlockedError.
var ErrBlocked = errors.New("request blocked by risk assessment")

// Level is the security level derived from a score.
type Level string

const (
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// LevelFor maps a score onto a level.
func LevelFor(score int) Level {
	switch {
	case score <= 10:
		return LevelLow
	case score <= 25:
		return LevelMedium
	case score <= 50:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Decision is what the pipeline does with the request.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionRestrict Decision = "restrict"
	DecisionBlock    Decision = "block"
)

// Signal names a contributor to the score.
type Signal string

const (
	SignalNewIP              Signal = "new_ip"
	SignalMissingIP          Signal = "missing_ip"
	SignalNewDevice          Signal = "new_device"
	SignalMissingDevice      Signal = "missing_device"
	SignalMissingUserAgent   Signal = "missing_user_agent"
	SignalAutomatedAgent     Signal = "automated_agent"
	SignalUnusualHour        Signal = "unusual_hour"
	SignalWeekend            Signal = "weekend"
	SignalPriorRestriction   Signal = "prior_restriction"
	SignalIPChurn            Signal = "ip_churn"
	SignalHistoryUnavailable Signal = "history_unavailable"
)

// RequestContext is what the engine knows about a request.
type RequestContext struct {
	IP        string
	UserAgent string
	DeviceID  string
	At        time.Time
}

// Assessment is the outcome of one Assess call. It is not persisted.
type Assessment struct {
	UserID      string                   `json:"userId"`
	Scope       string                   `json:"scope"`
	Score       int                      `json:"score"`
	Level       Level                    `json:"level"`
	Signals     []Signal                 `json:"signals"`
	Decision    Decision                 `json:"decision"`
	Restriction *restriction.Restriction `json:"restriction,omitempty"`
}

// Has reports whether sig contributed to the score.
func (a Assessment) Has(sig Signal) bool {
	for _, s := range a.Signals {
		if s == sig {
			return true
		}
	}
	return false
}

// Err returns a *BlockedError when the decision is block, else nil.
func (a Assessment) Err() error {
	if a.Decision != DecisionBlock {
		return nil
	}
	return &BlockedError{Score: a.Score, Level: a.Level}
}

// BlockedError rejects a request whose score exceeded the block threshold.
// The API answers it with 403 risk_blocked.
type BlockedError struct {
	Score int
	Level Level
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("risk score %d (%s) exceeds block threshold", e.Score, e.Level)
}

func (e *BlockedError) Unwrap() error { return ErrBlocked }
