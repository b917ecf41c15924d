package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"github.com/sirupsen/logrus"
)

// CDPDriver drives a single tab through chromedp.
type CDPDriver struct {
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	logger      *logrus.Logger
}

var _ Driver = (*CDPDriver)(nil)

// LaunchCDP starts a browser through chromedp's exec allocator.
func LaunchCDP(opts LaunchOptions, logger *logrus.Logger) (*CDPDriver, error) {
	logger.Info("Initializing browser (chromedp)")

	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", opts.Headless),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	)
	if opts.ExecutablePath != "" {
		allocOpts = append(allocOpts, chromedp.ExecPath(opts.ExecutablePath))
	}
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	if opts.ViewportWidth > 0 && opts.ViewportHeight > 0 {
		allocOpts = append(allocOpts, chromedp.WindowSize(opts.ViewportWidth, opts.ViewportHeight))
	}
	if opts.ProfileDir != "" {
		allocOpts = append(allocOpts, chromedp.UserDataDir(opts.ProfileDir))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocOpts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx, chromedp.WithLogf(logger.Debugf))

	// The first Run starts the browser process.
	err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, script := range opts.InitScripts {
			if _, err := page.AddScriptToEvaluateOnNewDocument(script).Do(ctx); err != nil {
				logger.WithError(err).Warn("Failed to install init script")
			}
		}
		return nil
	}))
	if err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	logger.Info("Browser initialized successfully")
	return &CDPDriver{ctx: tabCtx, cancelTab: cancelTab, cancelAlloc: cancelAlloc, logger: logger}, nil
}

// run executes actions on the tab, bounded by the caller's context.
func (d *CDPDriver) run(ctx context.Context, op string, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(d.ctx)
	defer cancel()

	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return classify(ctx, op, ctx.Err())
	}
	return classify(ctx, op, err)
}

func (d *CDPDriver) eval(ctx context.Context, op string, out interface{}, fn string, args ...interface{}) error {
	expr, err := invocation(fn, args...)
	if err != nil {
		return err
	}
	return d.run(ctx, op, chromedp.Evaluate(expr, out))
}

func (d *CDPDriver) Navigate(ctx context.Context, url string) error {
	return d.run(ctx, "navigate", chromedp.Navigate(url))
}

func (d *CDPDriver) Reload(ctx context.Context) error {
	return d.run(ctx, "reload", chromedp.Reload())
}

func (d *CDPDriver) CurrentURL(ctx context.Context) (string, error) {
	var u string
	if err := d.run(ctx, "location", chromedp.Location(&u)); err != nil {
		return "", err
	}
	return u, nil
}

func (d *CDPDriver) Has(ctx context.Context, selector string) (bool, error) {
	var ok bool
	if err := d.eval(ctx, "query "+selector, &ok, hasJS, selector); err != nil {
		return false, err
	}
	return ok, nil
}

func (d *CDPDriver) Attribute(ctx context.Context, selector, name string) (string, error) {
	var v *string
	if err := d.eval(ctx, "attribute "+name, &v, attributeJS, selector, name); err != nil {
		return "", err
	}
	if v == nil {
		return "", fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return *v, nil
}

func (d *CDPDriver) Text(ctx context.Context, selector string) (string, error) {
	var v *string
	if err := d.eval(ctx, "text", &v, textJS, selector); err != nil {
		return "", err
	}
	if v == nil {
		return "", fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return *v, nil
}

func (d *CDPDriver) Box(ctx context.Context, selector string) (Box, error) {
	var res *struct {
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	if err := d.eval(ctx, "box "+selector, &res, boxJS, selector); err != nil {
		return Box{}, err
	}
	if res == nil {
		return Box{}, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return Box{X: res.X, Y: res.Y, Width: res.Width, Height: res.Height}, nil
}

func (d *CDPDriver) Input(ctx context.Context, selector, text string) error {
	var ok bool
	if err := d.eval(ctx, "input "+selector, &ok, setValueJS, selector, text); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return nil
}

func (d *CDPDriver) Click(ctx context.Context, selector string) error {
	var ok bool
	if err := d.eval(ctx, "click "+selector, &ok, clickJS, selector); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return nil
}

func (d *CDPDriver) PressEnter(ctx context.Context, selector string) error {
	ok, err := d.Has(ctx, selector)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return d.run(ctx, "press enter", chromedp.SendKeys(selector, kb.Enter, chromedp.ByQuery))
}

func (d *CDPDriver) Eval(ctx context.Context, script string) error {
	expr, err := invocation(asFunction(script))
	if err != nil {
		return err
	}
	return d.run(ctx, "eval", chromedp.Evaluate(expr, nil))
}

func (d *CDPDriver) PointerDown(ctx context.Context, x, y float64) error {
	return d.mouse(ctx, input.MousePressed, x, y, 1)
}

func (d *CDPDriver) PointerMove(ctx context.Context, x, y float64) error {
	return d.mouse(ctx, input.MouseMoved, x, y, 1)
}

func (d *CDPDriver) PointerUp(ctx context.Context, x, y float64) error {
	return d.mouse(ctx, input.MouseReleased, x, y, 0)
}

func (d *CDPDriver) mouse(ctx context.Context, typ input.MouseType, x, y float64, buttons int64) error {
	p := input.DispatchMouseEvent(typ, x, y).
		WithButton(input.Left).
		WithButtons(buttons).
		WithClickCount(1)
	return d.run(ctx, string(typ), p)
}

func (d *CDPDriver) Cookies(ctx context.Context) ([]Cookie, error) {
	var raw []*network.Cookie
	err := d.run(ctx, "cookies", chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
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
			sec := int64(c.Expires)
			ck.Expires = time.Unix(sec, int64((c.Expires-float64(sec))*1e9))
		}
		cookies = append(cookies, ck)
	}
	return cookies, nil
}

func (d *CDPDriver) Close() error {
	d.cancelTab()
	d.cancelAlloc()
	return nil
}
