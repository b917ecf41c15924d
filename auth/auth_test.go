package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"portalgate/ratelimit"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLogin_NoChallenge(t *testing.T) {
	portal := newFakePortal()
	solver := &fakeSolver{portal: portal}
	am := newTestManager(portal, solver, testConfig(DefaultBudgets()))

	res, err := am.Login(context.Background(), testCredentials())
	require.NoError(t, err)

	assert.Equal(t, LoginSucceeded, res.Status)
	assert.Equal(t, PhaseSucceeded, res.State.Phase)
	assert.Equal(t, 1, res.State.Attempt)
	assert.Equal(t, 0, res.State.Refreshes)
	assert.Equal(t, 0, solver.calls)
	assert.Equal(t, []string{"jane.doe@example.com"}, portal.inputs[identField])
	assert.Equal(t, []string{"hunter2"}, portal.inputs[secretField])
	assert.Equal(t, []string{continueBtn, submitBtn}, portal.clicks)

	require.NotNil(t, res.Session)
	assert.Equal(t, homeURL, res.Session.URL)
	assert.Len(t, res.Session.Cookies, 1)
	assert.NotEmpty(t, res.Session.ID)
	assert.Same(t, portal, res.Session.Driver)
	assert.False(t, res.Resumed)
}

func TestLogin_OneRefreshThenSolved(t *testing.T) {
	portal := newFakePortal()
	portal.challengeOnSubmit = true
	solver := &fakeSolver{portal: portal, script: []bool{false, false, true}}
	rec := &memoryRecorder{}
	am := newTestManager(portal, solver, testConfig(Budgets{MaxLoginAttempts: 2, RefreshCycles: 3, CaptchaAttemptsPerCycle: 2}), WithRecorder(rec))

	res, err := am.Login(context.Background(), testCredentials())
	require.NoError(t, err)

	assert.Equal(t, 1, res.State.Refreshes)
	assert.Equal(t, 1, portal.reloads)
	assert.Equal(t, 3, solver.calls)
	assert.Equal(t, 3, res.State.SolveInvocations)
	assert.Equal(t, 2, res.State.RefreshCycle)
	assert.Len(t, portal.inputs[identField], 2)
	assert.Len(t, portal.inputs[secretField], 1)

	require.Len(t, rec.logins, 1)
	assert.Equal(t, "succeeded", rec.logins[0].Outcome)
	require.Len(t, rec.solves, 3)
	assert.Equal(t, []int{1, 1, 2}, []int{rec.solves[0].RefreshCycle, rec.solves[1].RefreshCycle, rec.solves[2].RefreshCycle})
	assert.Equal(t, []int{1, 2, 1}, []int{rec.solves[0].SolveAttempt, rec.solves[1].SolveAttempt, rec.solves[2].SolveAttempt})
	assert.Equal(t, "unsolved", rec.solves[0].Status)
	assert.Equal(t, "solved", rec.solves[2].Status)
	assert.InDelta(t, 0.9, rec.solves[2].Confidence, 1e-9)
	require.Len(t, rec.sessions, 1)
	assert.Equal(t, res.Session.ID, rec.sessions[0].ID)
	assert.Equal(t, 1, rec.sessions[0].CookieCount)
	assert.Contains(t, rec.sessions[0].Cookies, `"sid"`)
}

func TestLogin_AlwaysUnsolved(t *testing.T) {
	portal := newFakePortal()
	portal.challengeOnSubmit = true
	solver := &fakeSolver{portal: portal}
	rec := &memoryRecorder{}
	budgets := Budgets{MaxLoginAttempts: 2, RefreshCycles: 2, CaptchaAttemptsPerCycle: 3}
	am := newTestManager(portal, solver, testConfig(budgets), WithRecorder(rec))

	res, err := am.Login(context.Background(), testCredentials())
	require.Nil(t, res)
	require.ErrorIs(t, err, ErrLoginFailed)

	var lf *LoginFailedError
	require.True(t, errors.As(err, &lf))
	assert.Equal(t, PhaseFailed, lf.State.Phase)
	assert.Equal(t, 2, lf.State.Attempt)
	assert.Equal(t, 2, lf.State.Refreshes)
	assert.Equal(t, 12, lf.State.SolveInvocations)
	assert.Contains(t, lf.Diagnostic, "still present")

	assert.Equal(t, 12, solver.calls)
	assert.Equal(t, 2, portal.navigations)
	assert.Empty(t, portal.inputs[secretField])
	assert.Len(t, rec.logins, 2)
	assert.Len(t, rec.solves, 12)
	assert.Empty(t, rec.sessions)
}

func TestLogin_SolveInvocationsBounded(t *testing.T) {
	for _, b := range []Budgets{
		{MaxLoginAttempts: 1, RefreshCycles: 1, CaptchaAttemptsPerCycle: 1},
		{MaxLoginAttempts: 3, RefreshCycles: 1, CaptchaAttemptsPerCycle: 2},
		{MaxLoginAttempts: 2, RefreshCycles: 4, CaptchaAttemptsPerCycle: 1},
		{MaxLoginAttempts: 3, RefreshCycles: 3, CaptchaAttemptsPerCycle: 3},
		{MaxLoginAttempts: 0, RefreshCycles: -1, CaptchaAttemptsPerCycle: 0},
	} {
		t.Run(fmt.Sprintf("%d-%d-%d", b.MaxLoginAttempts, b.RefreshCycles, b.CaptchaAttemptsPerCycle), func(t *testing.T) {
			portal := newFakePortal()
			portal.challengeOnSubmit = true
			solver := &fakeSolver{portal: portal}
			am := newTestManager(portal, solver, testConfig(b))

			_, err := am.Login(context.Background(), testCredentials())
			require.ErrorIs(t, err, ErrLoginFailed)
			assert.Equal(t, b.MaxSolves(), solver.calls)
			assert.LessOrEqual(t, portal.reloads, b.normalized().MaxLoginAttempts*(b.normalized().RefreshCycles-1))
		})
	}
}

func TestLogin_FailedVerificationConsumesCycle(t *testing.T) {
	portal := newFakePortal()
	portal.rejectSecrets = 1
	solver := &fakeSolver{portal: portal}
	am := newTestManager(portal, solver, testConfig(Budgets{MaxLoginAttempts: 1, RefreshCycles: 2, CaptchaAttemptsPerCycle: 1}))

	res, err := am.Login(context.Background(), testCredentials())
	require.NoError(t, err)
	assert.Equal(t, 1, res.State.Refreshes)
	assert.Equal(t, 1, res.State.Attempt)
	assert.Len(t, portal.inputs[secretField], 2)
}

func TestLogin_CapturesLoginError(t *testing.T) {
	portal := newFakePortal()
	portal.rejectSecrets = 10
	solver := &fakeSolver{portal: portal}
	am := newTestManager(portal, solver, testConfig(Budgets{MaxLoginAttempts: 1, RefreshCycles: 1, CaptchaAttemptsPerCycle: 1}))

	_, err := am.Login(context.Background(), testCredentials())
	var lf *LoginFailedError
	require.ErrorAs(t, err, &lf)
	assert.Equal(t, "still on login host: Invalid username or password", lf.Diagnostic)
}

func TestLogin_FailureURLPattern(t *testing.T) {
	portal := newFakePortal()
	portal.landing = "https://portal.example/suspended"
	solver := &fakeSolver{portal: portal}
	am := newTestManager(portal, solver, testConfig(Budgets{MaxLoginAttempts: 1, RefreshCycles: 1, CaptchaAttemptsPerCycle: 1}))

	_, err := am.Login(context.Background(), testCredentials())
	var lf *LoginFailedError
	require.ErrorAs(t, err, &lf)
	assert.Contains(t, lf.Diagnostic, "failure page")
}

func TestLogin_SuccessURLPatternRequired(t *testing.T) {
	portal := newFakePortal()
	solver := &fakeSolver{portal: portal}
	cfg := testConfig(Budgets{MaxLoginAttempts: 1, RefreshCycles: 1, CaptchaAttemptsPerCycle: 1})
	cfg.SuccessURLPatterns = []string{"/profile"}
	am := newTestManager(portal, solver, cfg)

	_, err := am.Login(context.Background(), testCredentials())
	var lf *LoginFailedError
	require.ErrorAs(t, err, &lf)
	assert.Contains(t, lf.Diagnostic, "no success pattern")

	portal = newFakePortal()
	cfg.SuccessURLPatterns = []string{"/dashboard"}
	am = newTestManager(portal, &fakeSolver{portal: portal}, cfg)
	_, err = am.Login(context.Background(), testCredentials())
	require.NoError(t, err)
}

func TestLogin_MissingIdentifierFieldRetries(t *testing.T) {
	portal := newFakePortal()
	portal.hideIdentifier = 1
	solver := &fakeSolver{portal: portal}
	am := newTestManager(portal, solver, testConfig(Budgets{MaxLoginAttempts: 2, RefreshCycles: 1, CaptchaAttemptsPerCycle: 1}))

	res, err := am.Login(context.Background(), testCredentials())
	require.NoError(t, err)
	assert.Equal(t, 2, res.State.Attempt)
	assert.Equal(t, 2, portal.navigations)
}

func TestLogin_PressesEnterWithoutContinueButton(t *testing.T) {
	portal := newFakePortal()
	portal.noContinue = true
	solver := &fakeSolver{portal: portal}
	am := newTestManager(portal, solver, testConfig(DefaultBudgets()))

	_, err := am.Login(context.Background(), testCredentials())
	require.NoError(t, err)
	assert.Equal(t, []string{identField}, portal.enters)
}

func TestLogin_AlreadyAuthenticated(t *testing.T) {
	portal := newFakePortal()
	portal.signedIn = true
	solver := &fakeSolver{portal: portal}
	rec := &memoryRecorder{}
	am := newTestManager(portal, solver, testConfig(DefaultBudgets()), WithRecorder(rec))

	res, err := am.Login(context.Background(), testCredentials())
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Empty(t, portal.inputs)
	assert.Equal(t, homeURL, res.Session.URL)
	require.Len(t, rec.logins, 1)
	assert.Equal(t, "resumed", rec.logins[0].Outcome)
}

func TestLogin_RateLimited(t *testing.T) {
	portal := newFakePortal()
	limiter := &refusingLimiter{}
	am := newTestManager(portal, &fakeSolver{portal: portal}, testConfig(DefaultBudgets()), WithLimiter(limiter))

	_, err := am.Login(context.Background(), testCredentials())
	require.ErrorIs(t, err, ratelimit.ErrLimitExceeded)
	assert.NotErrorIs(t, err, ErrLoginFailed)
	assert.Equal(t, 1, limiter.calls)
	assert.Equal(t, 0, portal.navigations)
}

func TestLogin_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	portal := newFakePortal()
	portal.challengeOnSubmit = true
	solver := &fakeSolver{portal: portal, onSolve: func(int) { cancel() }}
	am := newTestManager(portal, solver, testConfig(DefaultBudgets()))

	_, err := am.Login(ctx, testCredentials())
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrLoginFailed)
	assert.Equal(t, 1, solver.calls)
}

func TestLogin_MissingCredentials(t *testing.T) {
	portal := newFakePortal()
	am := newTestManager(portal, &fakeSolver{portal: portal}, testConfig(DefaultBudgets()))

	_, err := am.Login(context.Background(), &Credentials{Identifier: "someone"})
	require.ErrorIs(t, err, ErrMissingCredentials)
	_, err = am.Login(context.Background(), nil)
	require.ErrorIs(t, err, ErrMissingCredentials)
	assert.Equal(t, 0, portal.navigations)
}

func TestMaskIdentifier(t *testing.T) {
	assert.Equal(t, "j******e@example.com", MaskIdentifier("jane.doe@example.com"))
	assert.Equal(t, "**", MaskIdentifier("ab"))
	assert.Equal(t, "j*******h", MaskIdentifier("johnsmith"))
	assert.Equal(t, "", MaskIdentifier(""))

	s := testCredentials().String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "jane.doe")
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "challenge_pending", PhaseChallengePending.String())
	assert.Equal(t, "failed", PhaseFailed.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}
