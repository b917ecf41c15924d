package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"portalgate/browser"
	"portalgate/captcha"
	"portalgate/ratelimit"
	"portalgate/stealth"
	"portalgate/storage"
)

// ChallengeSolver detects and solves the slider challenge on the current page.
type ChallengeSolver interface {
	Present(ctx context.Context) (bool, error)
	Solve(ctx context.Context) captcha.Result
}

// Recorder persists login history.
type Recorder interface {
	SaveLoginAttempt(a *storage.LoginAttempt) error
	SaveSolveAttempt(s *storage.SolveAttempt) error
	SaveSession(s *storage.SessionRecord) error
}

// Limiter gates the start of each login attempt.
type Limiter interface {
	WaitForPermission(ctx context.Context, action ratelimit.ActionType) error
}

// Selectors lists CSS selectors tried in order for each login form element.
type Selectors struct {
	Identifier []string
	Secret     []string
	Continue   []string
	Submit     []string
	Error      []string
}

// Config drives the login state machine.
type Config struct {
	LoginURL  string
	Selectors Selectors
	// URL substrings that confirm or reject a post-login page.
	SuccessURLPatterns []string
	FailureURLPatterns []string

	Budgets Budgets
	// StepTimeout bounds every single browser wait.
	StepTimeout time.Duration
	// ChallengeWait is how long to poll for the challenge after the identifier is submitted.
	ChallengeWait time.Duration
	PollInterval  time.Duration
	// SettleDelay is waited after submitting the secret, before verification.
	SettleDelay time.Duration
}

// AuthManager runs the login flow on one browser page.
type AuthManager struct {
	driver   browser.Driver
	solver   ChallengeSolver
	stealth  *stealth.StealthManager
	cfg      Config
	logger   *logrus.Logger
	recorder Recorder
	limiter  Limiter
}

// Option configures optional collaborators of an AuthManager.
type Option func(*AuthManager)

// WithRecorder stores every attempt, solve and session.
func WithRecorder(r Recorder) Option {
	return func(a *AuthManager) { a.recorder = r }
}

// WithLimiter paces login attempts.
func WithLimiter(l Limiter) Option {
	return func(a *AuthManager) { a.limiter = l }
}

// NewAuthManager creates a new authentication manager
func NewAuthManager(driver browser.Driver, solver ChallengeSolver, sm *stealth.StealthManager, cfg Config, logger *logrus.Logger, opts ...Option) *AuthManager {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	a := &AuthManager{
		driver:  driver,
		solver:  solver,
		stealth: sm,
		cfg:     cfg,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// run carries the per-call state of Login.
type run struct {
	id      string
	creds   *Credentials
	budgets Budgets
	state   AttemptState
	resumed bool
}

// Login signs in with creds. It returns a LoginResult holding the authenticated
// session, or a *LoginFailedError once every attempt is spent.
func (a *AuthManager) Login(ctx context.Context, creds *Credentials) (*LoginResult, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	r := &run{
		id:      uuid.NewString(),
		creds:   creds,
		budgets: a.cfg.Budgets.normalized(),
	}
	log := a.logger.WithField("run_id", r.id)
	log.WithFields(logrus.Fields{
		"identifier":       MaskIdentifier(creds.Identifier),
		"login_attempts":   r.budgets.MaxLoginAttempts,
		"refresh_cycles":   r.budgets.RefreshCycles,
		"captcha_attempts": r.budgets.CaptchaAttemptsPerCycle,
	}).Info("Starting login")

	for attempt := 1; attempt <= r.budgets.MaxLoginAttempts; attempt++ {
		r.state.Attempt = attempt
		r.state.RefreshCycle = 0
		r.state.SolveAttempt = 0
		r.state.Phase = PhaseIdentifierEntry

		if a.limiter != nil {
			if err := a.limiter.WaitForPermission(ctx, ratelimit.ActionLogin); err != nil {
				return nil, fmt.Errorf("login attempt %d: %w", attempt, err)
			}
		}

		started := time.Now()
		ok, err := a.attempt(ctx, r)
		if err != nil {
			r.state.LastError = err.Error()
		}
		if ok {
			r.state.Phase = PhaseSucceeded
		}
		a.recordAttempt(r, started, ok)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("login cancelled during attempt %d: %w", attempt, ctxErr)
		}
		if ok {
			return a.succeed(ctx, r)
		}

		log.WithFields(logrus.Fields{
			"attempt": attempt,
			"phase":   r.state.Phase.String(),
			"reason":  r.state.LastError,
		}).Warn("Login attempt failed")
	}

	r.state.Phase = PhaseFailed
	log.WithFields(logrus.Fields{
		"refreshes":         r.state.Refreshes,
		"solve_invocations": r.state.SolveInvocations,
	}).Error("Login budget exhausted")
	return nil, &LoginFailedError{State: r.state, Diagnostic: r.state.LastError}
}

// attempt runs one outer iteration. Errors are local failures of this attempt.
func (a *AuthManager) attempt(ctx context.Context, r *run) (bool, error) {
	if err := a.pause(ctx); err != nil {
		return false, err
	}
	if err := a.step(ctx, func(ctx context.Context) error { return a.driver.Navigate(ctx, a.cfg.LoginURL) }); err != nil {
		return false, fmt.Errorf("navigate to login page: %w", err)
	}

	if a.alreadyAuthenticated(ctx) {
		r.resumed = true
		return true, nil
	}

	if err := a.enterIdentifier(ctx, r); err != nil {
		return false, err
	}

	for cycle := 1; cycle <= r.budgets.RefreshCycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		r.state.RefreshCycle = cycle
		r.state.SolveAttempt = 0

		if cycle > 1 {
			r.state.Refreshes++
			a.logger.WithFields(logrus.Fields{
				"attempt": r.state.Attempt,
				"cycle":   cycle,
			}).Info("Refreshing login page")
			if err := a.step(ctx, a.driver.Reload); err != nil {
				return false, fmt.Errorf("reload: %w", err)
			}
			if err := a.enterIdentifier(ctx, r); err != nil {
				return false, err
			}
		}

		r.state.Phase = PhaseChallengePending
		cleared, err := a.clearChallenge(ctx, r)
		if err != nil {
			return false, err
		}
		if !cleared {
			continue
		}

		r.state.Phase = PhaseSecretEntry
		if err := a.enterSecret(ctx, r); err != nil {
			if ctx.Err() != nil {
				return false, err
			}
			r.state.LastError = err.Error()
			continue
		}

		r.state.Phase = PhaseVerifying
		ok, reason := a.verify(ctx)
		if ok {
			return true, nil
		}
		r.state.LastError = reason
		a.logger.WithFields(logrus.Fields{
			"attempt": r.state.Attempt,
			"cycle":   cycle,
			"reason":  reason,
		}).Warn("Login verification failed")
	}

	if r.state.LastError == "" {
		return false, errors.New("refresh cycles exhausted")
	}
	return false, errors.New(r.state.LastError)
}

// enterIdentifier types the identifier and requests the next step.
func (a *AuthManager) enterIdentifier(ctx context.Context, r *run) error {
	r.state.Phase = PhaseIdentifierEntry
	sel, err := a.waitFor(ctx, a.cfg.Selectors.Identifier)
	if err != nil {
		return fmt.Errorf("identifier field: %w", err)
	}
	if err := a.pause(ctx); err != nil {
		return err
	}
	if err := a.step(ctx, func(ctx context.Context) error { return a.driver.Input(ctx, sel, r.creds.Identifier) }); err != nil {
		return fmt.Errorf("input identifier: %w", err)
	}
	if err := a.pause(ctx); err != nil {
		return err
	}
	if err := a.submit(ctx, a.cfg.Selectors.Continue, sel); err != nil {
		return fmt.Errorf("submit identifier: %w", err)
	}
	a.logger.WithField("identifier", MaskIdentifier(r.creds.Identifier)).Debug("Identifier submitted")
	return nil
}

// enterSecret types the secret and triggers login.
func (a *AuthManager) enterSecret(ctx context.Context, r *run) error {
	sel, err := a.waitFor(ctx, a.cfg.Selectors.Secret)
	if err != nil {
		return fmt.Errorf("secret field: %w", err)
	}
	if err := a.pause(ctx); err != nil {
		return err
	}
	if err := a.step(ctx, func(ctx context.Context) error { return a.driver.Input(ctx, sel, r.creds.Secret) }); err != nil {
		return fmt.Errorf("input secret: %w", err)
	}
	if err := a.pause(ctx); err != nil {
		return err
	}
	if err := a.submit(ctx, a.cfg.Selectors.Submit, sel); err != nil {
		return fmt.Errorf("submit secret: %w", err)
	}
	a.logger.Debug("Secret submitted")
	return nil
}

// submit clicks the first present button, or presses Enter in field when there is none.
func (a *AuthManager) submit(ctx context.Context, buttons []string, field string) error {
	return a.step(ctx, func(ctx context.Context) error {
		btn, err := browser.FirstPresent(ctx, a.driver, buttons)
		if err == nil {
			if err = a.driver.Click(ctx, btn); err == nil {
				return nil
			}
			a.logger.WithError(err).WithField("selector", btn).Debug("Click failed, pressing Enter")
		}
		return a.driver.PressEnter(ctx, field)
	})
}

// clearChallenge handles ChallengePending for one refresh cycle. It reports
// true when the secret can be entered.
func (a *AuthManager) clearChallenge(ctx context.Context, r *run) (bool, error) {
	present, err := a.awaitChallenge(ctx)
	if err != nil {
		return false, err
	}
	if !present {
		return true, nil
	}

	for try := 1; try <= r.budgets.CaptchaAttemptsPerCycle; try++ {
		r.state.SolveAttempt = try
		r.state.SolveInvocations++

		res := a.solver.Solve(ctx)
		a.recordSolve(r, res)
		if res.Solved() {
			return true, nil
		}
		r.state.LastError = res.Diagnostic
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if try < r.budgets.CaptchaAttemptsPerCycle {
			if err := a.pause(ctx); err != nil {
				return false, err
			}
		}
	}

	a.logger.WithFields(logrus.Fields{
		"attempt": r.state.Attempt,
		"cycle":   r.state.RefreshCycle,
		"tries":   r.budgets.CaptchaAttemptsPerCycle,
	}).Warn("Challenge unsolved in this cycle")
	return false, nil
}

// awaitChallenge polls until the challenge or the secret field shows up, or
// ChallengeWait runs out.
func (a *AuthManager) awaitChallenge(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(a.cfg.ChallengeWait)
	for {
		present, err := a.solver.Present(ctx)
		if err != nil {
			a.logger.WithError(err).Debug("Challenge check failed")
		}
		if present {
			a.logger.Info("Challenge detected")
			return true, nil
		}

		var secret bool
		err = a.step(ctx, func(ctx context.Context) (err error) {
			secret, err = browser.AnyPresent(ctx, a.driver, a.cfg.Selectors.Secret)
			return err
		})
		if err == nil && secret {
			return false, nil
		}

		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := stealth.Sleep(ctx, a.cfg.PollInterval); err != nil {
			return false, err
		}
	}
}

// waitFor polls until one of selectors is present, bounded by StepTimeout.
func (a *AuthManager) waitFor(ctx context.Context, selectors []string) (string, error) {
	if a.cfg.StepTimeout <= 0 {
		return browser.FirstPresent(ctx, a.driver, selectors)
	}
	wctx, cancel := a.withTimeout(ctx)
	defer cancel()

	for {
		sel, err := browser.FirstPresent(wctx, a.driver, selectors)
		if err == nil {
			return sel, nil
		}
		if !errors.Is(err, browser.ErrElementNotFound) && wctx.Err() == nil {
			a.logger.WithError(err).Debug("Element lookup failed")
		}
		if err := stealth.Sleep(wctx, a.cfg.PollInterval); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%w: waiting for %v: %w", browser.ErrTimeout, selectors, browser.ErrElementNotFound)
		}
	}
}

// verify decides whether the browser is signed in after the secret was submitted.
func (a *AuthManager) verify(ctx context.Context) (bool, string) {
	if err := stealth.Sleep(ctx, a.cfg.SettleDelay); err != nil {
		return false, err.Error()
	}

	var current string
	if err := a.step(ctx, func(ctx context.Context) (err error) {
		current, err = a.driver.CurrentURL(ctx)
		return err
	}); err != nil {
		return false, fmt.Sprintf("read url: %v", err)
	}

	reason := a.rejection(ctx, current)
	if reason == "" {
		a.logger.WithField("url", current).Info("Login verified")
		return true, ""
	}
	if msg := a.loginError(ctx); msg != "" {
		reason += ": " + msg
	}
	return false, reason
}

// rejection returns why current is not an authenticated page, or "" when it is.
func (a *AuthManager) rejection(ctx context.Context, current string) string {
	if a.onLoginHost(current) {
		return "still on login host"
	}

	var fields bool
	err := a.step(ctx, func(ctx context.Context) (err error) {
		fields, err = browser.AnyPresent(ctx, a.driver, a.loginFields())
		return err
	})
	if err != nil {
		return fmt.Sprintf("check login fields: %v", err)
	}
	if fields {
		return "login form still present"
	}

	if p := matchAny(current, a.cfg.FailureURLPatterns); p != "" {
		return fmt.Sprintf("redirected to failure page (%s)", p)
	}
	if len(a.cfg.SuccessURLPatterns) > 0 && matchAny(current, a.cfg.SuccessURLPatterns) == "" {
		return "landing page matches no success pattern"
	}
	return ""
}

// alreadyAuthenticated reports whether the login URL redirected to an authenticated page.
func (a *AuthManager) alreadyAuthenticated(ctx context.Context) bool {
	var current string
	if err := a.step(ctx, func(ctx context.Context) (err error) {
		current, err = a.driver.CurrentURL(ctx)
		return err
	}); err != nil {
		return false
	}
	if a.rejection(ctx, current) != "" {
		return false
	}
	a.logger.WithField("url", current).Info("Already logged in - detected by URL")
	return true
}

// loginError returns the first visible error message on the page.
func (a *AuthManager) loginError(ctx context.Context) string {
	for _, sel := range a.cfg.Selectors.Error {
		var text string
		err := a.step(ctx, func(ctx context.Context) (err error) {
			text, err = a.driver.Text(ctx, sel)
			return err
		})
		if err == nil {
			if text = strings.TrimSpace(text); text != "" {
				return text
			}
		}
	}
	return ""
}

func (a *AuthManager) loginFields() []string {
	fields := make([]string, 0, len(a.cfg.Selectors.Identifier)+len(a.cfg.Selectors.Secret))
	fields = append(fields, a.cfg.Selectors.Identifier...)
	return append(fields, a.cfg.Selectors.Secret...)
}

func (a *AuthManager) onLoginHost(current string) bool {
	login, err := url.Parse(a.cfg.LoginURL)
	if err != nil || login.Host == "" {
		return false
	}
	u, err := url.Parse(current)
	if err != nil {
		return true
	}
	return strings.EqualFold(u.Hostname(), login.Hostname())
}

func matchAny(s string, patterns []string) string {
	for _, p := range patterns {
		if p != "" && strings.Contains(s, p) {
			return p
		}
	}
	return ""
}

// succeed builds the session handed back to the caller.
func (a *AuthManager) succeed(ctx context.Context, r *run) (*LoginResult, error) {
	session := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Driver:    a.driver,
	}
	if err := a.step(ctx, func(ctx context.Context) (err error) {
		session.URL, err = a.driver.CurrentURL(ctx)
		return err
	}); err != nil {
		a.logger.WithError(err).Warn("Failed to read session URL")
	}
	if err := a.step(ctx, func(ctx context.Context) (err error) {
		session.Cookies, err = a.driver.Cookies(ctx)
		return err
	}); err != nil {
		a.logger.WithError(err).Warn("Failed to get cookies")
	}

	a.saveSession(r, session)

	a.logger.WithFields(logrus.Fields{
		"run_id":            r.id,
		"session_id":        session.ID,
		"attempt":           r.state.Attempt,
		"refreshes":         r.state.Refreshes,
		"solve_invocations": r.state.SolveInvocations,
		"cookies":           len(session.Cookies),
	}).Info("Login successful")

	return &LoginResult{
		Status:  LoginSucceeded,
		Session: session,
		State:   r.state,
		Resumed: r.resumed,
	}, nil
}

func (a *AuthManager) recordAttempt(r *run, started time.Time, ok bool) {
	if a.recorder == nil {
		return
	}
	outcome := "failed"
	switch {
	case ok && r.resumed:
		outcome = "resumed"
	case ok:
		outcome = "succeeded"
	}
	rec := &storage.LoginAttempt{
		RunID:            r.id,
		Attempt:          r.state.Attempt,
		Outcome:          outcome,
		Phase:            r.state.Phase.String(),
		Refreshes:        r.state.Refreshes,
		SolveInvocations: r.state.SolveInvocations,
		StartedAt:        started,
		FinishedAt:       time.Now(),
	}
	if !ok {
		rec.Diagnostic = r.state.LastError
	}
	if err := a.recorder.SaveLoginAttempt(rec); err != nil {
		a.logger.WithError(err).Warn("Failed to record login attempt")
	}
}

func (a *AuthManager) recordSolve(r *run, res captcha.Result) {
	if a.recorder == nil {
		return
	}
	rec := &storage.SolveAttempt{
		RunID:        r.id,
		Attempt:      r.state.Attempt,
		RefreshCycle: r.state.RefreshCycle,
		SolveAttempt: r.state.SolveAttempt,
		Status:       res.Status.String(),
		Target:       res.Target,
		Diagnostic:   res.Diagnostic,
		Duration:     res.Duration,
		CreatedAt:    time.Now(),
	}
	if est := res.Estimate; est != nil {
		rec.RawX = est.RawX
		rec.Offset = est.Offset
		rec.Confidence = est.Confidence
		rec.Degenerate = est.Degenerate
	}
	if err := a.recorder.SaveSolveAttempt(rec); err != nil {
		a.logger.WithError(err).Warn("Failed to record solve attempt")
	}
}

func (a *AuthManager) saveSession(r *run, s *Session) {
	if a.recorder == nil {
		return
	}
	cookies, err := json.Marshal(s.Cookies)
	if err != nil {
		a.logger.WithError(err).Warn("Failed to encode cookies")
		return
	}
	rec := &storage.SessionRecord{
		ID:          s.ID,
		RunID:       r.id,
		URL:         s.URL,
		CookieCount: len(s.Cookies),
		Cookies:     string(cookies),
		CreatedAt:   s.CreatedAt,
	}
	if err := a.recorder.SaveSession(rec); err != nil {
		a.logger.WithError(err).Warn("Failed to save session")
	}
}

func (a *AuthManager) pause(ctx context.Context) error {
	if a.stealth == nil {
		return ctx.Err()
	}
	return a.stealth.Pause(ctx)
}

// step runs fn under StepTimeout.
func (a *AuthManager) step(ctx context.Context, fn func(context.Context) error) error {
	sctx, cancel := a.withTimeout(ctx)
	defer cancel()
	return fn(sctx)
}

func (a *AuthManager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.cfg.StepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, a.cfg.StepTimeout)
}

// Close closes the browser
func (a *AuthManager) Close() error {
	if a.driver != nil {
		return a.driver.Close()
	}
	return nil
}
