package stealth

import (
	"math/rand"
	"time"
)

// MotionPolicy shapes the synthesized drag trajectory.
type MotionPolicy struct {
	MinSteps      int
	MaxSteps      int
	PixelsPerStep int

	JitterXMin int
	JitterXMax int
	JitterY    int

	DwellMin time.Duration
	DwellMax time.Duration

	// The final corrective step covers this many pixels of the target.
	CorrectionMin int
	CorrectionMax int

	// Pause between the last move and pointer release.
	HoldMin time.Duration
	HoldMax time.Duration
}

// DefaultMotionPolicy returns the tuning used against slider widgets.
func DefaultMotionPolicy() MotionPolicy {
	return MotionPolicy{
		MinSteps:      6,
		MaxSteps:      25,
		PixelsPerStep: 10,
		JitterXMin:    -2,
		JitterXMax:    3,
		JitterY:       1,
		DwellMin:      30 * time.Millisecond,
		DwellMax:      90 * time.Millisecond,
		CorrectionMin: 3,
		CorrectionMax: 8,
		HoldMin:       120 * time.Millisecond,
		HoldMax:       320 * time.Millisecond,
	}
}

func (p MotionPolicy) normalized() MotionPolicy {
	if p.MinSteps < 1 {
		p.MinSteps = 6
	}
	if p.MaxSteps < p.MinSteps {
		p.MaxSteps = p.MinSteps
	}
	if p.PixelsPerStep < 1 {
		p.PixelsPerStep = 10
	}
	if p.JitterXMax < p.JitterXMin {
		p.JitterXMin, p.JitterXMax = p.JitterXMax, p.JitterXMin
	}
	if p.JitterY < 0 {
		p.JitterY = -p.JitterY
	}
	if p.CorrectionMin < 0 {
		p.CorrectionMin = 0
	}
	if p.CorrectionMax < p.CorrectionMin {
		p.CorrectionMax = p.CorrectionMin
	}
	return p
}

// DragStep is one relative pointer move followed by a dwell.
type DragStep struct {
	DX    int
	DY    int
	Dwell time.Duration
}

// DragPlan is the full trajectory for one drag. The DX values sum to Target
// and the DY values sum to zero.
type DragPlan struct {
	Target int
	Steps  []DragStep
	Hold   time.Duration
}

// TotalDX returns the horizontal displacement of the plan.
func (p DragPlan) TotalDX() int {
	total := 0
	for _, s := range p.Steps {
		total += s.DX
	}
	return total
}

// TotalDY returns the vertical displacement of the plan.
func (p DragPlan) TotalDY() int {
	total := 0
	for _, s := range p.Steps {
		total += s.DY
	}
	return total
}

// Duration is the wall time the plan takes when executed.
func (p DragPlan) Duration() time.Duration {
	d := p.Hold
	for _, s := range p.Steps {
		d += s.Dwell
	}
	return d
}

// PlanDrag splits a horizontal target offset into jittered steps. Each step
// covers the remaining distance divided by the remaining steps plus jitter,
// and a final corrective step lands exactly on target while cancelling any
// vertical drift.
func PlanDrag(target int, rng *rand.Rand, policy MotionPolicy) DragPlan {
	p := policy.normalized()

	sign, dist := 1, target
	if target < 0 {
		sign, dist = -1, -target
	}

	correction := 0
	if dist > 0 {
		correction = randRange(rng, p.CorrectionMin, p.CorrectionMax)
		if correction > dist {
			correction = dist
		}
	}
	main := dist - correction

	steps := main / p.PixelsPerStep
	if steps < p.MinSteps {
		steps = p.MinSteps
	}
	if steps > p.MaxSteps {
		steps = p.MaxSteps
	}

	plan := DragPlan{Target: target, Steps: make([]DragStep, 0, steps+1)}
	remaining, drift := main, 0
	for i := 0; i < steps; i++ {
		left := steps - i
		dx := remaining
		if left > 1 {
			dx = remaining/left + randRange(rng, p.JitterXMin, p.JitterXMax)
			if dx < 0 {
				dx = 0
			}
			if dx > remaining {
				dx = remaining
			}
		}
		dy := randRange(rng, -p.JitterY, p.JitterY)
		remaining -= dx
		drift += dy
		plan.Steps = append(plan.Steps, DragStep{
			DX:    sign * dx,
			DY:    dy,
			Dwell: durationRange(rng, p.DwellMin, p.DwellMax),
		})
	}

	plan.Steps = append(plan.Steps, DragStep{
		DX:    sign * correction,
		DY:    -drift,
		Dwell: durationRange(rng, p.DwellMin, p.DwellMax),
	})
	plan.Hold = durationRange(rng, p.HoldMin, p.HoldMax)
	return plan
}

func randRange(rng *rand.Rand, min, max int) int {
	if max <= min {
		return min
	}
	return min + rng.Intn(max-min+1)
}

func durationRange(rng *rand.Rand, min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rng.Int63n(int64(max-min)+1))
}
