// Package browser implements qr.Device on top of a headless Chrome
// instance driven through chromedp.
package browser

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/r2r72/pf-agg-v1/internal/service/qr"
	"github.com/r2r72/pf-agg-v1/internal/service/session"
)

// Config is the browser automation setup, read once at startup.
type Config struct {
	LoginURL string
	Headless bool

	// Selector fallback lists. The brokerage web UI is not a documented
	// API; these are the observed variants and nothing beyond them is
	// guessed at.
	UsernameSelectors []string
	PasswordSelectors []string
	SubmitSelectors   []string
	QRSelectors       []string
	ConfirmSelectors  []string

	// ConfirmURLPattern marks the post-login portal URL.
	ConfirmURLPattern string

	UserAgent string
}

// DefaultConfig carries the selectors observed on the IBKR hosted login.
func DefaultConfig(loginURL string) Config {
	return Config{
		LoginURL:          loginURL,
		Headless:          true,
		UsernameSelectors: []string{"input[name='user_name']", "input[name='username']", "input[name='user']"},
		PasswordSelectors: []string{"input[name='password']", "input[type='password']"},
		SubmitSelectors:   []string{"button[type='submit']", "input[type='submit']"},
		QRSelectors:       []string{"img.qr-image", "img[src*='qr']"},
		ConfirmSelectors:  []string{".account-summary", ".welcome-banner"},
		ConfirmURLPattern: "/portal/",
		UserAgent:         "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/144.0.0.0 Safari/537.36",
	}
}

// Factory launches one isolated Chrome context per authentication attempt.
type Factory struct {
	cfg Config
}

func NewFactory(cfg Config) *Factory {
	return &Factory{cfg: cfg}
}

// NewDevice starts a fresh browser. The device owns the whole allocator,
// so closing it tears the Chrome process down with it.
func (f *Factory) NewDevice(ctx context.Context) (qr.Device, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.cfg.Headless),
		chromedp.UserAgent(f.cfg.UserAgent),
		chromedp.WindowSize(1280, 720),
	)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)

	// Force the browser process to start now so a broken Chrome install
	// surfaces here, not in the middle of a login.
	startCtx, cancel := context.WithTimeout(tabCtx, 20*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("start chrome: %w", err)
	}

	return &device{
		cfg:         f.cfg,
		ctx:         tabCtx,
		cancelTab:   cancelTab,
		cancelAlloc: cancelAlloc,
	}, nil
}

type device struct {
	cfg         Config
	ctx         context.Context
	cancelTab   context.CancelFunc
	cancelAlloc context.CancelFunc
	closeOnce   sync.Once
}

func (d *device) SubmitLogin(ctx context.Context, username, password string) error {
	userSel := strings.Join(d.cfg.UsernameSelectors, ", ")
	passSel := strings.Join(d.cfg.PasswordSelectors, ", ")
	submitSel := strings.Join(d.cfg.SubmitSelectors, ", ")

	return d.run(ctx,
		chromedp.Navigate(d.cfg.LoginURL),
		chromedp.WaitVisible(userSel, chromedp.ByQuery),
		chromedp.SendKeys(userSel, username, chromedp.ByQuery),
		chromedp.SendKeys(passSel, password, chromedp.ByQuery),
		chromedp.Click(submitSel, chromedp.ByQuery),
	)
}

func (d *device) WaitForQR(ctx context.Context) ([]byte, error) {
	sel := strings.Join(d.cfg.QRSelectors, ", ")

	var img []byte
	err := d.run(ctx,
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Screenshot(sel, &img, chromedp.NodeVisible, chromedp.ByQuery),
	)
	if err != nil {
		return nil, err
	}
	return img, nil
}

func (d *device) Confirmed(ctx context.Context) (bool, error) {
	checkCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var url string
	if err := d.run(checkCtx, chromedp.Location(&url)); err != nil {
		return false, err
	}
	if d.cfg.ConfirmURLPattern != "" && strings.Contains(url, d.cfg.ConfirmURLPattern) {
		return true, nil
	}

	expr := confirmExpr(d.cfg.ConfirmSelectors)
	var visible bool
	if err := d.run(checkCtx, chromedp.Evaluate(expr, &visible)); err != nil {
		// A transient evaluation hiccup is not a terminal failure; the
		// next poll will check again.
		return false, nil
	}
	return visible, nil
}

// confirmExpr builds a JS presence check over the selector fallback list.
func confirmExpr(selectors []string) string {
	if len(selectors) == 0 {
		return "false"
	}
	quoted := make([]string, 0, len(selectors))
	for _, s := range selectors {
		quoted = append(quoted, fmt.Sprintf("%q", s))
	}
	return fmt.Sprintf("[%s].some(s => document.querySelector(s) !== null)", strings.Join(quoted, ", "))
}

func (d *device) Screenshot(ctx context.Context) ([]byte, error) {
	var img []byte
	if err := d.run(ctx, chromedp.CaptureScreenshot(&img)); err != nil {
		return nil, err
	}
	return img, nil
}

func (d *device) Cookies(ctx context.Context) ([]session.Cookie, error) {
	var out []session.Cookie
	err := d.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, session.Cookie{
				Name:     c.Name,
				Value:    c.Value,
				Domain:   c.Domain,
				Path:     c.Path,
				Secure:   c.Secure,
				HTTPOnly: c.HTTPOnly,
			})
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// run executes actions on the device's tab but honors the caller's
// deadline/cancellation.
func (d *device) run(ctx context.Context, actions ...chromedp.Action) error {
	done := make(chan error, 1)
	go func() { done <- chromedp.Run(d.ctx, actions...) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *device) Close() error {
	d.closeOnce.Do(func() {
		// chromedp.Cancel waits for the browser process to exit; the
		// cancels afterwards release the tab and allocator contexts.
		_ = chromedp.Cancel(d.ctx)
		d.cancelTab()
		d.cancelAlloc()
	})
	return nil
}
