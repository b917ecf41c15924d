package stealth

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// AutomationMaskScript hides the most common automation markers. It is meant to
// run before any page script, e.g. as a new-document init script.
const AutomationMaskScript = `
	Object.defineProperty(navigator, 'webdriver', {
		get: () => undefined,
	});

	window.chrome = window.chrome || { runtime: {} };

	if (window.navigator.permissions && window.navigator.permissions.query) {
		const originalQuery = window.navigator.permissions.query;
		window.navigator.permissions.query = (parameters) => (
			parameters.name === 'notifications' ?
				Promise.resolve({ state: Notification.permission }) :
				originalQuery(parameters)
		);
	}
`

// StealthManager produces human-looking pacing and browser fingerprint choices.
type StealthManager struct {
	config Config
	logger *logrus.Logger
	rng    *rand.Rand
}

// Config contains stealth configuration
type Config struct {
	Timing      TimingConfig
	Motion      MotionPolicy
	Fingerprint FingerprintConfig
}

// TimingConfig bounds the pause inserted between page interactions.
type TimingConfig struct {
	MinDelay time.Duration
	MaxDelay time.Duration
}

// FingerprintConfig for browser fingerprint masking
type FingerprintConfig struct {
	RandomUserAgent   bool
	RandomViewport    bool
	MinViewportWidth  int
	MaxViewportWidth  int
	MinViewportHeight int
	MaxViewportHeight int
	UserAgents        []string
}

// NewStealthManager creates a new stealth manager. A nil rng seeds from the clock.
func NewStealthManager(config Config, logger *logrus.Logger, rng *rand.Rand) *StealthManager {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &StealthManager{
		config: config,
		logger: logger,
		rng:    rng,
	}
}

// Rand returns the manager's random source.
func (s *StealthManager) Rand() *rand.Rand {
	return s.rng
}

// Motion returns the configured drag motion policy.
func (s *StealthManager) Motion() MotionPolicy {
	return s.config.Motion
}

// RandomDelay implements random timing patterns
func (s *StealthManager) RandomDelay() time.Duration {
	return s.Between(s.config.Timing.MinDelay, s.config.Timing.MaxDelay)
}

// Between returns a uniformly distributed duration in [min, max].
func (s *StealthManager) Between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(s.rng.Int63n(int64(max-min)+1))
}

// Pause sleeps for a random inter-step delay.
func (s *StealthManager) Pause(ctx context.Context) error {
	delay := s.RandomDelay()
	if delay > 0 {
		s.logger.WithField("delay", delay).Debug("Applied random delay")
	}
	return Sleep(ctx, delay)
}

// PauseBetween sleeps for a random duration in [min, max].
func (s *StealthManager) PauseBetween(ctx context.Context, min, max time.Duration) error {
	return Sleep(ctx, s.Between(min, max))
}

// UserAgent picks a user agent from the configured pool, or returns fallback.
func (s *StealthManager) UserAgent(fallback string) string {
	if s.config.Fingerprint.RandomUserAgent && len(s.config.Fingerprint.UserAgents) > 0 {
		ua := s.config.Fingerprint.UserAgents[s.rng.Intn(len(s.config.Fingerprint.UserAgents))]
		s.logger.WithField("user_agent", ua).Debug("Selected random user agent")
		return ua
	}
	return fallback
}

// Viewport returns a randomized window size when enabled, otherwise the given size.
func (s *StealthManager) Viewport(width, height int) (int, int) {
	fp := s.config.Fingerprint
	if !fp.RandomViewport || fp.MaxViewportWidth < fp.MinViewportWidth || fp.MaxViewportHeight < fp.MinViewportHeight {
		return width, height
	}
	w := fp.MinViewportWidth + s.rng.Intn(fp.MaxViewportWidth-fp.MinViewportWidth+1)
	h := fp.MinViewportHeight + s.rng.Intn(fp.MaxViewportHeight-fp.MinViewportHeight+1)
	s.logger.WithFields(logrus.Fields{
		"width":  w,
		"height": h,
	}).Debug("Set random viewport")
	return w, h
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
