// Package qr drives brokerage logins that finish out-of-band: the user
// scans a QR code on a phone while the server polls a headless browser
// for the confirmation signal.
package qr

import (
	"context"

	"github.com/r2r72/pf-agg-v1/internal/service/session"
)

// Device is one isolated browser automation instance driving a brokerage's
// hosted login page. Implemented by internal/browser.
//
// A device belongs to exactly one authentication session and must be
// released exactly once; Close is required to be idempotent.
type Device interface {
	// SubmitLogin navigates to the login page and submits the credentials
	// into the page's own form.
	SubmitLogin(ctx context.Context, username, password string) error

	// WaitForQR waits for the QR element to render and returns it as an
	// image. The context carries the wait bound.
	WaitForQR(ctx context.Context) ([]byte, error)

	// Confirmed checks once for the page signal that the device
	// confirmation succeeded.
	Confirmed(ctx context.Context) (bool, error)

	// Screenshot captures the current page for progress streaming.
	Screenshot(ctx context.Context) ([]byte, error)

	// Cookies harvests all cookies from the browser context.
	Cookies(ctx context.Context) ([]session.Cookie, error)

	// Close releases the browser resources. Safe to call more than once.
	Close() error
}

// DeviceFactory launches devices. One device per authentication attempt;
// concurrent attempts never share a browser context.
type DeviceFactory interface {
	NewDevice(ctx context.Context) (Device, error)
}

// Notifier is the best-effort side channel for streaming QR images and
// status text to a waiting client. Implementations must never block the
// caller; failures to notify must never affect the authentication outcome.
type Notifier interface {
	SendQRImage(connectionID string, pngBase64 string)
	SendStatus(connectionID string, message string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) SendQRImage(string, string) {}
func (NopNotifier) SendStatus(string, string)  {}
