package stealth

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Pointer is the low-level pointer surface a drag is executed on.
type Pointer interface {
	PointerDown(ctx context.Context, x, y float64) error
	PointerMove(ctx context.Context, x, y float64) error
	PointerUp(ctx context.Context, x, y float64) error
}

// MouseController executes drag plans as pointer events.
type MouseController struct {
	logger *logrus.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewMouseController(logger *logrus.Logger) *MouseController {
	return &MouseController{
		logger: logger,
		sleep:  Sleep,
	}
}

// Drag presses at (startX, startY), walks the plan's steps and releases.
// The button is always released once it has been pressed.
func (mc *MouseController) Drag(ctx context.Context, ptr Pointer, startX, startY float64, plan DragPlan) error {
	mc.logger.WithFields(logrus.Fields{
		"start":  fmt.Sprintf("(%.1f, %.1f)", startX, startY),
		"target": plan.Target,
		"steps":  len(plan.Steps),
	}).Debug("Starting drag")

	x, y := startX, startY
	if err := ptr.PointerDown(ctx, x, y); err != nil {
		return fmt.Errorf("pointer down: %w", err)
	}

	for i, s := range plan.Steps {
		x += float64(s.DX)
		y += float64(s.DY)
		if err := ptr.PointerMove(ctx, x, y); err != nil {
			mc.release(ctx, ptr, x, y)
			return fmt.Errorf("pointer move %d: %w", i, err)
		}
		if err := mc.sleep(ctx, s.Dwell); err != nil {
			mc.release(ctx, ptr, x, y)
			return err
		}
	}

	if err := mc.sleep(ctx, plan.Hold); err != nil {
		mc.release(ctx, ptr, x, y)
		return err
	}
	if err := ptr.PointerUp(ctx, x, y); err != nil {
		return fmt.Errorf("pointer up: %w", err)
	}

	mc.logger.WithField("end_x", x).Debug("Drag completed")
	return nil
}

func (mc *MouseController) release(ctx context.Context, ptr Pointer, x, y float64) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := ptr.PointerUp(rctx, x, y); err != nil {
		mc.logger.WithError(err).Warn("Failed to release pointer")
	}
}
