package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrLimitExceeded is matched by every refusal from WaitForPermission.
var ErrLimitExceeded = errors.New("rate limit exceeded")

// LimitError reports which window refused an action.
type LimitError struct {
	Action ActionType
	Window string
	Count  int
	Limit  int
	Reset  time.Time
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded for %s: %d/%d, resets at %s",
		e.Window, e.Action, e.Count, e.Limit, e.Reset.Format(time.RFC3339))
}

func (e *LimitError) Is(target error) bool {
	return target == ErrLimitExceeded
}

// RateLimiter paces actions and enforces hourly and daily quotas
type RateLimiter struct {
	logger *logrus.Logger
	config Config
	rng    *rand.Rand
	now    func() time.Time

	mu       sync.Mutex
	spacing  map[ActionType]*rate.Limiter
	hourly   map[ActionType]*window
	daily    map[ActionType]*window
	lastSeen map[ActionType]time.Time
}

// Config defines rate limiting behavior
type Config struct {
	// MinInterval is the least time between two actions of the same type.
	MinInterval time.Duration
	// Zero disables the corresponding quota.
	HourlyLimit int
	DailyLimit  int
	// JitterPercent adds up to this share of MinInterval as extra random delay.
	JitterPercent float64
}

// ActionType represents different types of gated actions
type ActionType string

const (
	ActionLogin ActionType = "login"
)

// window is a fixed counting window that rolls over lazily.
type window struct {
	count int
	reset time.Time
}

// NewRateLimiter creates a new rate limiter with the given configuration
func NewRateLimiter(config Config, logger *logrus.Logger) *RateLimiter {
	return &RateLimiter{
		logger:   logger,
		config:   config,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		now:      time.Now,
		spacing:  make(map[ActionType]*rate.Limiter),
		hourly:   make(map[ActionType]*window),
		daily:    make(map[ActionType]*window),
		lastSeen: make(map[ActionType]time.Time),
	}
}

// Seed preloads the current windows, e.g. from stored history.
func (rl *RateLimiter) Seed(action ActionType, hourly, daily int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.hourlyWindow(action, now).count = hourly
	rl.dailyWindow(action, now).count = daily
}

// WaitForPermission blocks until the action may run, or refuses it with a *LimitError.
func (rl *RateLimiter) WaitForPermission(ctx context.Context, action ActionType) error {
	rl.mu.Lock()
	now := rl.now()
	if err := rl.checkLimits(action, now); err != nil {
		rl.mu.Unlock()
		rl.logger.WithError(err).WithField("action", string(action)).Warn("Rate limit reached")
		return err
	}
	limiter := rl.limiter(action)
	extra := rl.jitter()
	rl.mu.Unlock()

	r := limiter.Reserve()
	if d := r.Delay() + extra; d > 0 {
		rl.logger.WithFields(logrus.Fields{
			"action": string(action),
			"delay":  d,
		}).Info("Rate limiting - waiting")

		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			r.Cancel()
			return ctx.Err()
		}
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	now = rl.now()
	rl.hourlyWindow(action, now).count++
	rl.dailyWindow(action, now).count++
	rl.lastSeen[action] = now
	return nil
}

func (rl *RateLimiter) checkLimits(action ActionType, now time.Time) error {
	if limit := rl.config.DailyLimit; limit > 0 {
		if w := rl.dailyWindow(action, now); w.count >= limit {
			return &LimitError{Action: action, Window: "daily", Count: w.count, Limit: limit, Reset: w.reset}
		}
	}
	if limit := rl.config.HourlyLimit; limit > 0 {
		if w := rl.hourlyWindow(action, now); w.count >= limit {
			return &LimitError{Action: action, Window: "hourly", Count: w.count, Limit: limit, Reset: w.reset}
		}
	}
	return nil
}

func (rl *RateLimiter) limiter(action ActionType) *rate.Limiter {
	l, ok := rl.spacing[action]
	if !ok {
		limit := rate.Inf
		if rl.config.MinInterval > 0 {
			limit = rate.Every(rl.config.MinInterval)
		}
		l = rate.NewLimiter(limit, 1)
		rl.spacing[action] = l
	}
	return l
}

func (rl *RateLimiter) hourlyWindow(action ActionType, now time.Time) *window {
	w, ok := rl.hourly[action]
	if !ok || !now.Before(w.reset) {
		w = &window{reset: now.Truncate(time.Hour).Add(time.Hour)}
		rl.hourly[action] = w
	}
	return w
}

func (rl *RateLimiter) dailyWindow(action ActionType, now time.Time) *window {
	w, ok := rl.daily[action]
	if !ok || !now.Before(w.reset) {
		w = &window{reset: nextMidnight(now)}
		rl.daily[action] = w
		if ok {
			rl.logger.WithField("action", string(action)).Info("Daily rate limits reset")
		}
	}
	return w
}

// jitter returns a random extra delay of up to JitterPercent of MinInterval.
func (rl *RateLimiter) jitter() time.Duration {
	if rl.config.JitterPercent <= 0 || rl.config.MinInterval <= 0 {
		return 0
	}
	max := float64(rl.config.MinInterval) * rl.config.JitterPercent / 100.0
	return time.Duration(rl.rng.Float64() * max)
}

func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}

// GetStats returns current rate limiting statistics
func (rl *RateLimiter) GetStats() map[string]interface{} {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	stats := make(map[string]interface{})
	for action, w := range rl.daily {
		if now.Before(w.reset) {
			stats["daily_"+string(action)] = w.count
			stats["next_daily_reset"] = w.reset.Format(time.RFC3339)
		}
	}
	for action, w := range rl.hourly {
		if now.Before(w.reset) {
			stats["hourly_"+string(action)] = w.count
		}
	}
	for action, last := range rl.lastSeen {
		stats["last_"+string(action)] = last.Format(time.RFC3339)
	}
	return stats
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		MinInterval:   30 * time.Second,
		HourlyLimit:   6,
		DailyLimit:    20,
		JitterPercent: 20.0,
	}
}
