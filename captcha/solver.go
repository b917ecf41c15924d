package captcha

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"portalgate/browser"
	"portalgate/stealth"
)

// Status is the outcome of one solve attempt.
type Status int

const (
	Unsolved Status = iota
	Solved
)

func (s Status) String() string {
	if s == Solved {
		return "solved"
	}
	return "unsolved"
}

// Result describes one solve attempt.
type Result struct {
	Status     Status
	Diagnostic string
	Estimate   *GapEstimate
	Target     int
	Duration   time.Duration
}

func (r Result) Solved() bool {
	return r.Status == Solved
}

// Config holds the selectors and tuning for the slider challenge.
type Config struct {
	WidgetSelectors     []string
	BackgroundSelectors []string
	PieceSelectors      []string
	HandleSelectors     []string

	Locator       LocatorConfig
	MinConfidence float64
	// DragOffset is added to the computed travel, in DOM pixels.
	DragOffset float64

	VerifyDelay  time.Duration
	VerifyJitter time.Duration
	StepTimeout  time.Duration

	// When set, an overlay PNG is written here for every attempt.
	DebugDir string
}

// ImageSource retrieves challenge images by URL.
type ImageSource interface {
	Fetch(ctx context.Context, rawURL string) (image.Image, error)
}

// Solver runs the acquire, locate, drag and verify pipeline against the page.
type Solver struct {
	driver  browser.Driver
	images  ImageSource
	locator *Locator
	stealth *stealth.StealthManager
	mouse   *stealth.MouseController
	cfg     Config
	logger  *logrus.Logger

	attempts int
}

// NewSolver creates a solver bound to one page. A nil sm drags with the
// default motion policy and no extra pacing.
func NewSolver(driver browser.Driver, images ImageSource, sm *stealth.StealthManager, cfg Config, logger *logrus.Logger) *Solver {
	if sm == nil {
		sm = stealth.NewStealthManager(stealth.Config{Motion: stealth.DefaultMotionPolicy()}, logger, nil)
	}
	return &Solver{
		driver:  driver,
		images:  images,
		locator: NewLocator(cfg.Locator),
		stealth: sm,
		mouse:   stealth.NewMouseController(logger),
		cfg:     cfg,
		logger:  logger,
	}
}

// Present reports whether the challenge widget is on the page.
func (s *Solver) Present(ctx context.Context) (bool, error) {
	ctx, cancel := s.step(ctx)
	defer cancel()
	return browser.AnyPresent(ctx, s.driver, s.cfg.WidgetSelectors)
}

// Solve makes one attempt at the challenge currently on the page. Failures
// are reported in the result; nothing is retried here.
func (s *Solver) Solve(ctx context.Context) Result {
	s.attempts++
	start := time.Now()

	res := s.solve(ctx)
	res.Duration = time.Since(start)

	fields := logrus.Fields{
		"attempt":  s.attempts,
		"status":   res.Status.String(),
		"duration": res.Duration,
	}
	if res.Estimate != nil {
		fields["raw_x"] = fmt.Sprintf("%.1f", res.Estimate.RawX)
		fields["offset"] = fmt.Sprintf("%.1f", res.Estimate.Offset)
		fields["confidence"] = fmt.Sprintf("%.3f", res.Estimate.Confidence)
	}
	entry := s.logger.WithFields(fields)
	if res.Solved() {
		entry.Info("Challenge solved")
	} else {
		entry.WithField("reason", res.Diagnostic).Warn("Challenge not solved")
	}
	return res
}

func (s *Solver) solve(ctx context.Context) Result {
	imgs, err := s.acquire(ctx)
	if err != nil {
		return unsolved(nil, "acquire images: %v", err)
	}

	est := s.locator.Locate(imgs.Background, imgs.Piece, imgs.DOMWidth())
	if s.cfg.DebugDir != "" {
		path := filepath.Join(s.cfg.DebugDir, fmt.Sprintf("challenge-%s-%02d.png", time.Now().Format("20060102-150405"), s.attempts))
		if err := WriteOverlay(path, imgs.Background, est); err != nil {
			s.logger.WithError(err).Warn("Failed to write debug overlay")
		}
	}
	if est.Degenerate {
		return unsolved(&est, "images carry no usable signal")
	}
	if est.Confidence < s.cfg.MinConfidence {
		return unsolved(&est, "low confidence %.3f < %.3f", est.Confidence, s.cfg.MinConfidence)
	}

	handle, err := s.handleBox(ctx)
	if err != nil {
		return unsolved(&est, "drag handle: %v", err)
	}

	target := int(math.Round(est.Offset + s.cfg.DragOffset))
	plan := stealth.PlanDrag(target, s.stealth.Rand(), s.stealth.Motion())
	x, y := handle.Center()

	if err := s.mouse.Drag(ctx, s.driver, x, y, plan); err != nil {
		res := unsolved(&est, "drag: %v", err)
		res.Target = target
		return res
	}

	res := s.verify(ctx, &est)
	res.Target = target
	return res
}

func (s *Solver) acquire(ctx context.Context) (ChallengeImages, error) {
	var imgs ChallengeImages

	pageURL, err := s.withStep(ctx, func(ctx context.Context) (string, error) {
		return s.driver.CurrentURL(ctx)
	})
	if err != nil {
		return imgs, err
	}

	bgSel, bgSrc, err := s.imageSource(ctx, s.cfg.BackgroundSelectors)
	if err != nil {
		return imgs, fmt.Errorf("background: %w", err)
	}
	pcSel, pcSrc, err := s.imageSource(ctx, s.cfg.PieceSelectors)
	if err != nil {
		return imgs, fmt.Errorf("piece: %w", err)
	}

	if imgs.Background, err = s.images.Fetch(ctx, ResolveURL(pageURL, bgSrc)); err != nil {
		return imgs, err
	}
	if imgs.Piece, err = s.images.Fetch(ctx, ResolveURL(pageURL, pcSrc)); err != nil {
		return imgs, err
	}

	if box, err := s.box(ctx, bgSel); err == nil {
		imgs.BackgroundDOMWidth = box.Width
	}
	if box, err := s.box(ctx, pcSel); err == nil {
		imgs.PieceDOMWidth = box.Width
	}
	if imgs.DOMWidth() <= 0 {
		return imgs, fmt.Errorf("%w: rendered width of %s", browser.ErrElementNotFound, bgSel)
	}
	return imgs, nil
}

// imageSource returns the first selector whose element has a non-empty src.
func (s *Solver) imageSource(ctx context.Context, selectors []string) (string, string, error) {
	for _, sel := range selectors {
		src, err := s.withStep(ctx, func(ctx context.Context) (string, error) {
			return s.driver.Attribute(ctx, sel, "src")
		})
		if errors.Is(err, browser.ErrElementNotFound) {
			continue
		}
		if err != nil {
			return "", "", err
		}
		if src != "" {
			return sel, src, nil
		}
	}
	return "", "", fmt.Errorf("%w: no image source among %v", browser.ErrElementNotFound, selectors)
}

func (s *Solver) handleBox(ctx context.Context) (browser.Box, error) {
	for _, sel := range s.cfg.HandleSelectors {
		box, err := s.box(ctx, sel)
		if errors.Is(err, browser.ErrElementNotFound) {
			continue
		}
		if err != nil {
			return browser.Box{}, err
		}
		if box.Width > 0 && box.Height > 0 {
			return box, nil
		}
	}
	return browser.Box{}, fmt.Errorf("%w: none of %v", browser.ErrElementNotFound, s.cfg.HandleSelectors)
}

func (s *Solver) verify(ctx context.Context, est *GapEstimate) Result {
	if err := s.stealth.PauseBetween(ctx, s.cfg.VerifyDelay, s.cfg.VerifyDelay+s.cfg.VerifyJitter); err != nil {
		return unsolved(est, "verify: %v", err)
	}
	present, err := s.Present(ctx)
	if err != nil {
		return unsolved(est, "verify: %v", err)
	}
	if present {
		return unsolved(est, "challenge still present after drag")
	}
	return Result{Status: Solved, Estimate: est}
}

func (s *Solver) box(ctx context.Context, sel string) (browser.Box, error) {
	ctx, cancel := s.step(ctx)
	defer cancel()
	return s.driver.Box(ctx, sel)
}

func (s *Solver) withStep(ctx context.Context, fn func(context.Context) (string, error)) (string, error) {
	ctx, cancel := s.step(ctx)
	defer cancel()
	return fn(ctx)
}

func (s *Solver) step(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.StepTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.StepTimeout)
}

func unsolved(est *GapEstimate, format string, args ...interface{}) Result {
	return Result{Status: Unsolved, Estimate: est, Diagnostic: fmt.Sprintf(format, args...)}
}
