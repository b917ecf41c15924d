package auth

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"

	"portalgate/browser"
	"portalgate/captcha"
	"portalgate/ratelimit"
	"portalgate/stealth"
	"portalgate/storage"
)

const (
	loginURL    = "https://account.portal.example/login"
	homeURL     = "https://portal.example/dashboard"
	identField  = "input[name='Username']"
	secretField = "input[name='Password']"
	continueBtn = "button.btn-primary"
	submitBtn   = "button[type='submit']"
	errorBox    = ".validation-summary-errors"
)

// fakePortal simulates a two-step login form that may show a slider challenge
// after the identifier is submitted.
type fakePortal struct {
	url      string
	elements map[string]bool
	errText  string

	challengeOnSubmit bool
	challenge         bool
	// rejectSecrets makes the first n secret submissions fail.
	rejectSecrets int
	// landing is the URL reached after an accepted secret.
	landing string
	// hideIdentifier hides the identifier field for the first n page loads.
	hideIdentifier int
	signedIn       bool
	noContinue     bool

	navigations int
	reloads     int
	inputs      map[string][]string
	clicks      []string
	enters      []string
}

func newFakePortal() *fakePortal {
	return &fakePortal{
		landing:  homeURL,
		elements: map[string]bool{},
		inputs:   map[string][]string{},
	}
}

func (p *fakePortal) load() {
	p.elements = map[string]bool{}
	p.challenge = false
	p.errText = ""
	if p.signedIn {
		p.url = p.landing
		return
	}
	p.url = loginURL
	if p.hideIdentifier > 0 {
		p.hideIdentifier--
		return
	}
	p.elements[identField] = true
	if !p.noContinue {
		p.elements[continueBtn] = true
	}
}

func (p *fakePortal) Navigate(ctx context.Context, url string) error {
	p.navigations++
	p.load()
	return nil
}

func (p *fakePortal) Reload(ctx context.Context) error {
	p.reloads++
	p.load()
	return nil
}

func (p *fakePortal) CurrentURL(ctx context.Context) (string, error) { return p.url, nil }

func (p *fakePortal) Has(ctx context.Context, selector string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.elements[selector], nil
}

func (p *fakePortal) Attribute(ctx context.Context, selector, name string) (string, error) {
	return "", fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
}

func (p *fakePortal) Text(ctx context.Context, selector string) (string, error) {
	if selector == errorBox && p.errText != "" {
		return p.errText, nil
	}
	return "", fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
}

func (p *fakePortal) Box(ctx context.Context, selector string) (browser.Box, error) {
	return browser.Box{}, fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
}

func (p *fakePortal) Input(ctx context.Context, selector, text string) error {
	if !p.elements[selector] {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	p.inputs[selector] = append(p.inputs[selector], text)
	return nil
}

func (p *fakePortal) Click(ctx context.Context, selector string) error {
	if !p.elements[selector] {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	p.clicks = append(p.clicks, selector)
	p.activate(selector)
	return nil
}

func (p *fakePortal) PressEnter(ctx context.Context, selector string) error {
	if !p.elements[selector] {
		return fmt.Errorf("%w: %s", browser.ErrElementNotFound, selector)
	}
	p.enters = append(p.enters, selector)
	p.activate(selector)
	return nil
}

func (p *fakePortal) activate(selector string) {
	switch selector {
	case continueBtn, identField:
		delete(p.elements, continueBtn)
		p.elements[secretField] = true
		p.elements[submitBtn] = true
		p.challenge = p.challengeOnSubmit
	case submitBtn, secretField:
		if p.rejectSecrets > 0 {
			p.rejectSecrets--
			p.errText = "Invalid username or password"
			return
		}
		p.signedIn = true
		p.elements = map[string]bool{}
		p.url = p.landing
	}
}

func (p *fakePortal) Eval(ctx context.Context, script string) error               { return nil }
func (p *fakePortal) PointerDown(ctx context.Context, x, y float64) error         { return nil }
func (p *fakePortal) PointerMove(ctx context.Context, x, y float64) error         { return nil }
func (p *fakePortal) PointerUp(ctx context.Context, x, y float64) error           { return nil }
func (p *fakePortal) Close() error                                                { return nil }
func (p *fakePortal) Cookies(ctx context.Context) ([]browser.Cookie, error) {
	return []browser.Cookie{{Name: "sid", Value: "abc", Domain: "portal.example", Path: "/"}}, nil
}

// fakeSolver replays scripted outcomes; once the script runs out every solve is unsolved.
type fakeSolver struct {
	portal  *fakePortal
	script  []bool
	calls   int
	onSolve func(call int)
}

func (s *fakeSolver) Present(ctx context.Context) (bool, error) {
	return s.portal.challenge, nil
}

func (s *fakeSolver) Solve(ctx context.Context) captcha.Result {
	s.calls++
	if s.onSolve != nil {
		s.onSolve(s.calls)
	}
	solved := false
	if len(s.script) > 0 {
		solved, s.script = s.script[0], s.script[1:]
	}
	if !solved {
		return captcha.Result{Status: captcha.Unsolved, Diagnostic: "challenge still present after drag",
			Estimate: &captcha.GapEstimate{RawX: 100, Offset: 180, Confidence: 0.42}, Target: 180}
	}
	s.portal.challenge = false
	return captcha.Result{Status: captcha.Solved, Estimate: &captcha.GapEstimate{RawX: 100, Offset: 180, Confidence: 0.9}, Target: 180}
}

type memoryRecorder struct {
	logins   []*storage.LoginAttempt
	solves   []*storage.SolveAttempt
	sessions []*storage.SessionRecord
}

func (m *memoryRecorder) SaveLoginAttempt(a *storage.LoginAttempt) error {
	m.logins = append(m.logins, a)
	return nil
}

func (m *memoryRecorder) SaveSolveAttempt(s *storage.SolveAttempt) error {
	m.solves = append(m.solves, s)
	return nil
}

func (m *memoryRecorder) SaveSession(s *storage.SessionRecord) error {
	m.sessions = append(m.sessions, s)
	return nil
}

type refusingLimiter struct{ calls int }

func (l *refusingLimiter) WaitForPermission(ctx context.Context, action ratelimit.ActionType) error {
	l.calls++
	return &ratelimit.LimitError{Action: action, Window: "hourly", Count: 6, Limit: 6, Reset: time.Now().Add(time.Hour)}
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(b Budgets) Config {
	return Config{
		LoginURL: loginURL,
		Selectors: Selectors{
			Identifier: []string{"#Username", identField},
			Secret:     []string{secretField},
			Continue:   []string{"a.btn.btn-primary", continueBtn},
			Submit:     []string{submitBtn},
			Error:      []string{errorBox},
		},
		FailureURLPatterns: []string{"/suspended"},
		Budgets:            b,
		StepTimeout:        50 * time.Millisecond,
		PollInterval:       time.Millisecond,
	}
}

func newTestManager(p *fakePortal, s *fakeSolver, cfg Config, opts ...Option) *AuthManager {
	sm := stealth.NewStealthManager(stealth.Config{}, testLogger(), rand.New(rand.NewSource(7)))
	return NewAuthManager(p, s, sm, cfg, testLogger(), opts...)
}

func testCredentials() *Credentials {
	return &Credentials{Identifier: "jane.doe@example.com", Secret: "hunter2"}
}
