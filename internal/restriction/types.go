package restriction

import (
	"errors"
	"slices"
	"time"

	"github.com/nerrad567/foundry-core/internal/auth"
)

// ErrRestricted is wrapped by the *auth.AuthorizationError Permits returns.
var ErrRestricted = errors.New("request outside contextual restriction")

// Rejection reasons carried in AuthorizationError.Reason.
const (
	ReasonIP     = "ip_not_allowed"
	ReasonDevice = "device_not_allowed"
	ReasonHours  = "outside_working_hours"
)

// Hours is a daily window [Start, End) in site-local hours. Start > End
// wraps past midnight.
type Hours struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether hour falls inside the window.
func (h Hours) Contains(hour int) bool {
	if h.Start <= h.End {
		return hour >= h.Start && hour < h.End
	}
	return hour >= h.Start || hour < h.End
}

// Restriction narrows what a user may do until ValidUntil.
// Empty AllowedIPs or AllowedDevices means that dimension is unrestricted.
type Restriction struct {
	AllowedIPs     []string  `json:"allowedIps,omitempty"`
	AllowedDevices []string  `json:"allowedDevices,omitempty"`
	WorkingHours   *Hours    `json:"workingHours,omitempty"`
	ReducedScope   bool      `json:"reducedScope"`
	Reason         string    `json:"reason"`
	Level          string    `json:"level"`
	ValidUntil     time.Time `json:"validUntil"`
}

// Clone returns a copy that shares no memory with r.
func (r Restriction) Clone() Restriction {
	out := r
	out.AllowedIPs = slices.Clone(r.AllowedIPs)
	out.AllowedDevices = slices.Clone(r.AllowedDevices)
	if r.WorkingHours != nil {
		h := *r.WorkingHours
		out.WorkingHours = &h
	}
	return out
}

// Request is the part of an HTTP request a restriction is checked against.
// At must already be in site-local time.
type Request struct {
	IP       string
	DeviceID string
	At       time.Time
}

// Permits returns nil when req satisfies every dimension of r, otherwise
// an *auth.AuthorizationError wrapping ErrRestricted.
func (r Restriction) Permits(req Request) error {
	if len(r.AllowedIPs) > 0 && !slices.Contains(r.AllowedIPs, req.IP) {
		return &auth.AuthorizationError{Reason: ReasonIP, Err: ErrRestricted}
	}
	if len(r.AllowedDevices) > 0 && !slices.Contains(r.AllowedDevices, req.DeviceID) {
		return &auth.AuthorizationError{Reason: ReasonDevice, Err: ErrRestricted}
	}
	if r.WorkingHours != nil && !r.WorkingHours.Contains(req.At.Hour()) {
		return &auth.AuthorizationError{Reason: ReasonHours, Err: ErrRestricted}
	}
	return nil
}
