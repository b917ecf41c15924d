package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrElementNotFound is returned when no element matches a selector.
	ErrElementNotFound = errors.New("element not found")
	// ErrTimeout is returned when a browser operation exceeds its deadline.
	ErrTimeout = errors.New("browser operation timed out")
)

// Box is the rendered geometry of an element in CSS pixels, relative to the viewport.
type Box struct {
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Center returns the midpoint of the box.
func (b Box) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Cookie is a browser cookie in a driver independent form.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain"`
	Path     string    `json:"path"`
	Expires  time.Time `json:"expires,omitempty"`
	HTTPOnly bool      `json:"http_only"`
	Secure   bool      `json:"secure"`
}

// Driver is the set of page capabilities the login flow and challenge solver need.
// Every call blocks until the browser answers or ctx is done.
type Driver interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	CurrentURL(ctx context.Context) (string, error)

	// Has reports whether an element matching selector is attached to the document.
	Has(ctx context.Context, selector string) (bool, error)
	// Attribute returns the value of an element attribute, or ErrElementNotFound.
	Attribute(ctx context.Context, selector, name string) (string, error)
	// Text returns the visible text of an element.
	Text(ctx context.Context, selector string) (string, error)
	// Box returns the rendered geometry of an element.
	Box(ctx context.Context, selector string) (Box, error)

	Input(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	PressEnter(ctx context.Context, selector string) error
	Eval(ctx context.Context, script string) error

	PointerDown(ctx context.Context, x, y float64) error
	PointerMove(ctx context.Context, x, y float64) error
	PointerUp(ctx context.Context, x, y float64) error

	Cookies(ctx context.Context) ([]Cookie, error)
	Close() error
}

// FirstPresent returns the first selector that matches an element on the page.
func FirstPresent(ctx context.Context, d Driver, selectors []string) (string, error) {
	for _, sel := range selectors {
		ok, err := d.Has(ctx, sel)
		if err != nil {
			return "", err
		}
		if ok {
			return sel, nil
		}
	}
	return "", fmt.Errorf("%w: none of %v", ErrElementNotFound, selectors)
}

// AnyPresent reports whether any selector matches an element on the page.
func AnyPresent(ctx context.Context, d Driver, selectors []string) (bool, error) {
	_, err := FirstPresent(ctx, d, selectors)
	if errors.Is(err, ErrElementNotFound) {
		return false, nil
	}
	return err == nil, err
}

// classify maps context deadline errors onto ErrTimeout.
func classify(ctx context.Context, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %v", op, ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Backends accepted by Launch.
const (
	BackendRod      = "rod"
	BackendChromedp = "chromedp"
)

// Launch starts a browser with the named backend.
func Launch(backend string, opts LaunchOptions, logger *logrus.Logger) (Driver, error) {
	switch backend {
	case BackendRod, "":
		d, err := LaunchRod(opts, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	case BackendChromedp:
		d, err := LaunchCDP(opts, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unknown browser backend %q", backend)
	}
}
