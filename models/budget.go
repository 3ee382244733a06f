package models

import "time"

// CallBudget is the persisted call budget for one external source.
type CallBudget struct {
	SourceID      string        `json:"source_id" db:"source_id"`
	Quota         int           `json:"quota" db:"quota"`
	Window        time.Duration `json:"window" db:"window_ms"`
	CallsInWindow int           `json:"calls_in_window" db:"calls_in_window"`
	WindowStart   *time.Time    `json:"window_start" db:"window_start"`
	LastCallAt    *time.Time    `json:"last_call_at" db:"last_call_at"`
	Backoff       time.Duration `json:"backoff" db:"backoff_ms"`
}

// BudgetDecision is the outcome of checking or claiming a call slot.
// Wait is only meaningful when Allowed is false.
type BudgetDecision struct {
	Allowed  bool
	Wait     time.Duration
	CalledAt time.Time
}

// WindowState is a snapshot of recent calls against one budget.
// Expiring is the call that must leave the window before another is
// allowed; it is zero while the window has room.
type WindowState struct {
	Calls    int
	Expiring time.Time
	LastCall time.Time
	Backoff  time.Duration
}

// Evaluate decides whether a call at now fits the quota and spacing rules
// and, if not, how long until it would.
func (s WindowState) Evaluate(now time.Time, quota int, window, spacing time.Duration) BudgetDecision {
	var wait time.Duration
	if quota <= 0 {
		return BudgetDecision{Allowed: false, Wait: window}
	}
	if s.Calls >= quota && !s.Expiring.IsZero() {
		wait = s.Expiring.Add(window).Sub(now)
	}

	if s.Backoff > spacing {
		spacing = s.Backoff
	}
	if !s.LastCall.IsZero() {
		if d := s.LastCall.Add(spacing).Sub(now); d > wait {
			wait = d
		}
	}

	if wait > 0 {
		return BudgetDecision{Allowed: false, Wait: wait}
	}
	return BudgetDecision{Allowed: true, CalledAt: now}
}
