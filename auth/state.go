package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"portalgate/browser"
)

var (
	// ErrLoginFailed is matched by every error returned once the login budget is exhausted.
	ErrLoginFailed = errors.New("login failed")
	// ErrMissingCredentials is returned when the identifier or secret is empty.
	ErrMissingCredentials = errors.New("missing credentials")
)

// Credentials are the account identifier and secret used for one login call.
type Credentials struct {
	Identifier string
	Secret     string
}

// Validate checks that both values are set.
func (c *Credentials) Validate() error {
	if c == nil || strings.TrimSpace(c.Identifier) == "" {
		return fmt.Errorf("%w: identifier is empty", ErrMissingCredentials)
	}
	if c.Secret == "" {
		return fmt.Errorf("%w: secret is empty", ErrMissingCredentials)
	}
	return nil
}

// String masks both values so credentials can be logged safely.
func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{Identifier: %s, Secret: ****}", MaskIdentifier(c.Identifier))
}

// MaskIdentifier keeps the first and last character of the local part.
func MaskIdentifier(id string) string {
	local, domain, hasDomain := strings.Cut(id, "@")
	switch {
	case local == "":
	case len(local) <= 2:
		local = strings.Repeat("*", len(local))
	default:
		local = local[:1] + strings.Repeat("*", len(local)-2) + local[len(local)-1:]
	}
	if hasDomain {
		return local + "@" + domain
	}
	return local
}

// Phase is a state of the login state machine.
type Phase int

const (
	PhaseIdentifierEntry Phase = iota
	PhaseChallengePending
	PhaseSecretEntry
	PhaseVerifying
	PhaseSucceeded
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdentifierEntry:
		return "identifier_entry"
	case PhaseChallengePending:
		return "challenge_pending"
	case PhaseSecretEntry:
		return "secret_entry"
	case PhaseVerifying:
		return "verifying"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// AttemptState tracks progress through one login call.
type AttemptState struct {
	Phase Phase
	// Attempt, RefreshCycle and SolveAttempt are 1-based positions within their budgets.
	Attempt      int
	RefreshCycle int
	SolveAttempt int

	Refreshes        int
	SolveInvocations int
	LastError        string
}

// Budgets bound the three nested retry scopes of a login call.
type Budgets struct {
	MaxLoginAttempts        int
	RefreshCycles           int
	CaptchaAttemptsPerCycle int
}

// DefaultBudgets returns 5 login attempts, 3 refresh cycles and 3 solves per cycle.
func DefaultBudgets() Budgets {
	return Budgets{MaxLoginAttempts: 5, RefreshCycles: 3, CaptchaAttemptsPerCycle: 3}
}

func (b Budgets) normalized() Budgets {
	if b.MaxLoginAttempts < 1 {
		b.MaxLoginAttempts = 1
	}
	if b.RefreshCycles < 1 {
		b.RefreshCycles = 1
	}
	if b.CaptchaAttemptsPerCycle < 1 {
		b.CaptchaAttemptsPerCycle = 1
	}
	return b
}

// MaxSolves is the most solver invocations one login call can make.
func (b Budgets) MaxSolves() int {
	b = b.normalized()
	return b.MaxLoginAttempts * b.RefreshCycles * b.CaptchaAttemptsPerCycle
}

// LoginFailedError is returned when every login attempt has been used up.
type LoginFailedError struct {
	State      AttemptState
	Diagnostic string
}

func (e *LoginFailedError) Error() string {
	msg := fmt.Sprintf("login failed after %d attempts (%d refreshes, %d solve invocations)",
		e.State.Attempt, e.State.Refreshes, e.State.SolveInvocations)
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	return msg
}

func (e *LoginFailedError) Is(target error) bool {
	return target == ErrLoginFailed
}

// LoginStatus is the outcome of a successful login call.
type LoginStatus int

const (
	LoginSucceeded LoginStatus = iota + 1
)

func (s LoginStatus) String() string {
	if s == LoginSucceeded {
		return "succeeded"
	}
	return "unknown"
}

// Session is an authenticated browser session handed to the caller.
type Session struct {
	ID        string           `json:"id"`
	URL       string           `json:"url"`
	Cookies   []browser.Cookie `json:"cookies"`
	CreatedAt time.Time        `json:"created_at"`

	Driver browser.Driver `json:"-"`
}

// LoginResult is returned by a successful login call.
type LoginResult struct {
	Status  LoginStatus
	Session *Session
	State   AttemptState
	// Resumed is set when the browser was already signed in.
	Resumed bool
}
