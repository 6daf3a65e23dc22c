package throttle

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Action names a throttled operation.
type Action string

// ActionDocumentVerification bounds document verification submissions.
const ActionDocumentVerification Action = "idv_doc_auth"

// Policy sets the attempt budget for an action.
type Policy struct {
	MaxAttempts int
	Window      time.Duration
}

func (p Policy) validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be greater than zero")
	}
	if p.Window <= 0 {
		return fmt.Errorf("window must be greater than zero")
	}
	return nil
}

// Record is the stored counter for one (subject, action) key.
type Record struct {
	SubjectID       string
	Action          Action
	Attempts        int
	WindowExpiresAt time.Time
}

// ActiveAttempts returns the attempts that still count at now. A lapsed
// window counts as zero.
func (r Record) ActiveAttempts(now time.Time) int {
	if r.WindowExpiresAt.IsZero() || !now.Before(r.WindowExpiresAt) {
		return 0
	}
	return r.Attempts
}

// Decision is the outcome of CheckAndIncrement.
type Decision struct {
	Allowed   bool
	Remaining int
}

// Store persists throttle counters.
type Store interface {
	// Increment adds one attempt to the key unless its active window already
	// holds policy.MaxAttempts. A lapsed or missing window restarts at one
	// attempt expiring at now+policy.Window. The returned bool reports whether
	// the increment happened.
	Increment(ctx context.Context, subjectID string, action Action, policy Policy, now time.Time) (Record, bool, error)
	// Get returns the stored record, or a zero-attempt record when absent.
	Get(ctx context.Context, subjectID string, action Action) (Record, error)
}

// Ledger applies per-action policies over a Store.
type Ledger struct {
	store    Store
	policies map[Action]Policy
	now      func() time.Time
}

// Option customizes a Ledger.
type Option func(*Ledger)

// WithClock overrides the wall clock used for window evaluation.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLedger builds a ledger over store with one policy per action.
func NewLedger(store Store, policies map[Action]Policy, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, fmt.Errorf("throttle store is required")
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("at least one throttle policy is required")
	}
	copied := make(map[Action]Policy, len(policies))
	for action, policy := range policies {
		if strings.TrimSpace(string(action)) == "" {
			return nil, fmt.Errorf("throttle action is required")
		}
		if err := policy.validate(); err != nil {
			return nil, fmt.Errorf("policy %s: %w", action, err)
		}
		copied[action] = policy
	}
	l := &Ledger{
		store:    store,
		policies: copied,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Policy returns the configured policy for action.
func (l *Ledger) Policy(action Action) (Policy, bool) {
	if l == nil {
		return Policy{}, false
	}
	policy, ok := l.policies[action]
	return policy, ok
}

// CheckAndIncrement consumes one attempt when the window has room. A denied
// call does not mutate the counter.
func (l *Ledger) CheckAndIncrement(ctx context.Context, subjectID string, action Action) (Decision, error) {
	policy, subjectID, err := l.resolve(subjectID, action)
	if err != nil {
		return Decision{}, err
	}
	now := l.now()
	record, incremented, err := l.store.Increment(ctx, subjectID, action, policy, now)
	if err != nil {
		return Decision{}, fmt.Errorf("increment throttle: %w", err)
	}
	return Decision{
		Allowed:   incremented,
		Remaining: remaining(policy, record, now),
	}, nil
}

// RemainingCount reports how many attempts are left without consuming one.
func (l *Ledger) RemainingCount(ctx context.Context, subjectID string, action Action) (int, error) {
	policy, subjectID, err := l.resolve(subjectID, action)
	if err != nil {
		return 0, err
	}
	record, err := l.store.Get(ctx, subjectID, action)
	if err != nil {
		return 0, fmt.Errorf("get throttle: %w", err)
	}
	return remaining(policy, record, l.now()), nil
}

// IsThrottledElseIncrement reports true when the subject is out of attempts,
// otherwise consumes one attempt and reports false.
func (l *Ledger) IsThrottledElseIncrement(ctx context.Context, subjectID string, action Action) (bool, error) {
	decision, err := l.CheckAndIncrement(ctx, subjectID, action)
	if err != nil {
		return false, err
	}
	return !decision.Allowed, nil
}

func (l *Ledger) resolve(subjectID string, action Action) (Policy, string, error) {
	if l == nil || l.store == nil {
		return Policy{}, "", fmt.Errorf("throttle ledger is not configured")
	}
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return Policy{}, "", fmt.Errorf("subject id is required")
	}
	policy, ok := l.policies[action]
	if !ok {
		return Policy{}, "", fmt.Errorf("no throttle policy for action %q", action)
	}
	return policy, subjectID, nil
}

func remaining(policy Policy, record Record, now time.Time) int {
	left := policy.MaxAttempts - record.ActiveAttempts(now)
	if left < 0 {
		return 0
	}
	return left
}
