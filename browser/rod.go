package browser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/sirupsen/logrus"
)

// LaunchOptions configures a new browser process.
type LaunchOptions struct {
	Headless       bool
	UserAgent      string
	ExecutablePath string
	ProfileDir     string
	ViewportWidth  int
	ViewportHeight int
	// InitScripts run in every new document before page scripts.
	InitScripts []string
}

// RodDriver drives a single page through go-rod.
type RodDriver struct {
	browser *rod.Browser
	page    *rod.Page
	logger  *logrus.Logger
}

var _ Driver = (*RodDriver)(nil)

// LaunchRod starts a browser and opens a blank page.
func LaunchRod(opts LaunchOptions, logger *logrus.Logger) (*RodDriver, error) {
	logger.Info("Initializing browser")

	l, err := rodLauncher(opts, logger)
	if err != nil {
		return nil, err
	}

	url, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	b := rod.New().ControlURL(url)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to create page: %w", err)
	}

	for _, script := range opts.InitScripts {
		if _, err := page.EvalOnNewDocument(script); err != nil {
			logger.WithError(err).Warn("Failed to install init script")
		}
	}

	logger.Info("Browser initialized successfully")
	return &RodDriver{browser: b, page: page, logger: logger}, nil
}

// rodLauncher prepares the browser command line. ProfileDir is used as the
// user data directory as is, so cookies survive between runs.
func rodLauncher(opts LaunchOptions, logger *logrus.Logger) (*launcher.Launcher, error) {
	l := launcher.New()
	if opts.ExecutablePath != "" {
		l = l.Bin(opts.ExecutablePath)
	} else if path, ok := launcher.LookPath(); ok {
		logger.WithField("path", path).Debug("Using system browser")
		l = l.Bin(path)
	}

	l = l.Leakless(false).
		Headless(opts.Headless).
		Set("disable-features", "VizDisplayCompositor").
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-background-timer-throttling").
		Set("disable-renderer-backgrounding").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("disable-default-apps").
		Set("disable-popup-blocking").
		Set("disable-sync").
		Set("disable-dev-shm-usage")

	if opts.UserAgent != "" {
		l = l.Set("user-agent", opts.UserAgent)
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		l = l.Set("window-size", strconv.Itoa(opts.ViewportWidth)+","+strconv.Itoa(opts.ViewportHeight))
	}

	if opts.ProfileDir != "" {
		dir, err := filepath.Abs(opts.ProfileDir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve profile directory: %w", err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create profile directory: %w", err)
		}
		l = l.UserDataDir(dir)
	}
	return l, nil
}

// Page exposes the underlying rod page for callers that need rod directly.
func (d *RodDriver) Page() *rod.Page {
	return d.page
}

func (d *RodDriver) Navigate(ctx context.Context, url string) error {
	p := d.page.Context(ctx)
	if err := p.Navigate(url); err != nil {
		return classify(ctx, "navigate", err)
	}
	if err := p.WaitLoad(); err != nil {
		return classify(ctx, "wait load", err)
	}
	return nil
}

func (d *RodDriver) Reload(ctx context.Context) error {
	p := d.page.Context(ctx)
	if err := p.Reload(); err != nil {
		return classify(ctx, "reload", err)
	}
	if err := p.WaitLoad(); err != nil {
		return classify(ctx, "wait load", err)
	}
	return nil
}

func (d *RodDriver) CurrentURL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", classify(ctx, "page info", err)
	}
	return info.URL, nil
}

func (d *RodDriver) Has(ctx context.Context, selector string) (bool, error) {
	ok, _, err := d.page.Context(ctx).Has(selector)
	if err != nil {
		return false, classify(ctx, "query "+selector, err)
	}
	return ok, nil
}

func (d *RodDriver) element(ctx context.Context, selector string) (*rod.Element, error) {
	ok, el, err := d.page.Context(ctx).Has(selector)
	if err != nil {
		return nil, classify(ctx, "query "+selector, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return el, nil
}

func (d *RodDriver) Attribute(ctx context.Context, selector, name string) (string, error) {
	el, err := d.element(ctx, selector)
	if err != nil {
		return "", err
	}
	v, err := el.Attribute(name)
	if err != nil {
		return "", classify(ctx, "attribute "+name, err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}

func (d *RodDriver) Text(ctx context.Context, selector string) (string, error) {
	el, err := d.element(ctx, selector)
	if err != nil {
		return "", err
	}
	text, err := el.Text()
	if err != nil {
		return "", classify(ctx, "text", err)
	}
	return text, nil
}

func (d *RodDriver) Box(ctx context.Context, selector string) (Box, error) {
	res, err := d.page.Context(ctx).Eval(boxJS, selector)
	if err != nil {
		return Box{}, classify(ctx, "box "+selector, err)
	}
	if res.Value.Nil() {
		return Box{}, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return Box{
		X:      res.Value.Get("x").Num(),
		Y:      res.Value.Get("y").Num(),
		Width:  res.Value.Get("width").Num(),
		Height: res.Value.Get("height").Num(),
	}, nil
}

func (d *RodDriver) Input(ctx context.Context, selector, text string) error {
	el, err := d.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.SelectAllText(); err != nil {
		d.logger.WithError(err).Debug("Could not select existing text")
	}
	if err := el.Input(text); err != nil {
		return classify(ctx, "input "+selector, err)
	}
	return nil
}

// Click dispatches a DOM click, which reaches elements covered by overlays.
func (d *RodDriver) Click(ctx context.Context, selector string) error {
	res, err := d.page.Context(ctx).Eval(clickJS, selector)
	if err != nil {
		return classify(ctx, "click "+selector, err)
	}
	if !res.Value.Bool() {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return nil
}

func (d *RodDriver) PressEnter(ctx context.Context, selector string) error {
	el, err := d.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Type(input.Enter); err != nil {
		return classify(ctx, "press enter", err)
	}
	return nil
}

func (d *RodDriver) Eval(ctx context.Context, script string) error {
	if _, err := d.page.Context(ctx).Eval(asFunction(script)); err != nil {
		return classify(ctx, "eval", err)
	}
	return nil
}

func (d *RodDriver) PointerDown(ctx context.Context, x, y float64) error {
	return d.mouse(ctx, proto.InputDispatchMouseEventTypeMousePressed, x, y)
}

func (d *RodDriver) PointerMove(ctx context.Context, x, y float64) error {
	return d.mouse(ctx, proto.InputDispatchMouseEventTypeMouseMoved, x, y)
}

func (d *RodDriver) PointerUp(ctx context.Context, x, y float64) error {
	return d.mouse(ctx, proto.InputDispatchMouseEventTypeMouseReleased, x, y)
}

func (d *RodDriver) mouse(ctx context.Context, typ proto.InputDispatchMouseEventType, x, y float64) error {
	buttons := 1
	if typ == proto.InputDispatchMouseEventTypeMouseReleased {
		buttons = 0
	}
	err := proto.InputDispatchMouseEvent{
		Type:       typ,
		X:          x,
		Y:          y,
		Button:     proto.InputMouseButtonLeft,
		Buttons:    &buttons,
		ClickCount: 1,
	}.Call(d.page.Context(ctx))
	return classify(ctx, string(typ), err)
}

func (d *RodDriver) Cookies(ctx context.Context) ([]Cookie, error) {
	raw, err := d.page.Context(ctx).Cookies(nil)
	if err != nil {
		return nil, classify(ctx, "cookies", err)
	}
	cookies := make([]Cookie, 0, len(raw))
	for _, c := range raw {
		ck := Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
		}
		if c.Expires > 0 {
			ck.Expires = c.Expires.Time()
		}
		cookies = append(cookies, ck)
	}
	return cookies, nil
}

func (d *RodDriver) Close() error {
	if d.browser != nil {
		return d.browser.Close()
	}
	return nil
}
