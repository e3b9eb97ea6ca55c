// Package risk scores each authenticated request and decides whether it
// may proceed.
//
// An assessment adds up independent signal weights (new or missing IP,
// new or missing device, automated user agents, night and weekend access,
// IP churn, an existing restriction) into a score capped at 100. The score
// maps to a level and a decision:
//
//	score > block threshold     block     (403 risk_blocked)
//	score > restrict threshold  restrict  (restriction written to the store)
//	otherwise                   allow
//
// Behaviour history is kept in memory by History, a sharded and bounded
// record of the IPs and devices each user has been seen with.
package risk
