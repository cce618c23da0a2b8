package qr

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r2r72/pf-agg-v1/internal/service/session"
)

// State of one poll pass.
type State int

const (
	StateAwaiting State = iota
	StateConfirmed
	StateFailed
)

// StartRequest begins a device-confirmation login.
type StartRequest struct {
	Username     string
	Password     string
	ClientIP     string
	ConnectionID string
}

// StartResult carries the QR image and the session id the caller must echo
// back on every subsequent poll.
type StartResult struct {
	SessionID string
	QRImage   []byte
}

// PollResult is the outcome of one bounded poll pass.
type PollResult struct {
	State    State
	Username string
	Message  string
}

// ErrSessionNotFound means the session id is unknown, expired or already
// cleaned up.
var ErrSessionNotFound = errors.New("authentication session not found or expired")

// Config bounds every external wait of the driver. Read once at startup.
type Config struct {
	QRWait        time.Duration // max wait for the QR element to render
	PollInterval  time.Duration // delay between confirmation checks
	PollBudget    int           // checks per Poll call
	SessionExpiry time.Duration // overall lifetime of an in-flight session
}

// DefaultConfig mirrors the brokerage portal's observed behavior: the QR
// renders within seconds and the confirmation window is about 90 seconds.
func DefaultConfig() Config {
	return Config{
		QRWait:        15 * time.Second,
		PollInterval:  time.Second,
		PollBudget:    30,
		SessionExpiry: 90 * time.Second,
	}
}

// authSession is one in-flight device-confirmation attempt.
type authSession struct {
	id           string
	username     string
	clientIP     string
	connectionID string
	createdAt    time.Time
	deadline     time.Time

	// mu serializes polls: no two confirmation checks run concurrently
	// against the same browser context.
	mu        sync.Mutex
	device    Device
	confirmed bool
	failed    bool
	failMsg   string

	closeOnce sync.Once
}

// release closes the session's device exactly once.
func (as *authSession) release() {
	as.closeOnce.Do(func() {
		if as.device != nil {
			if err := as.device.Close(); err != nil {
				log.Printf("⚠️ qr: closing device for session %s: %v", as.id, err)
			}
			as.device = nil
		}
	})
}

// Driver owns the registry of in-flight authentication sessions and runs
// the confirmation polling against their devices. Harvested cookies land
// in the session store keyed by username.
type Driver struct {
	cfg      Config
	devices  DeviceFactory
	store    *session.Store
	notifier Notifier
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*authSession
}

// NewDriver creates a driver. notifier may be nil.
func NewDriver(cfg Config, devices DeviceFactory, store *session.Store, notifier Notifier) *Driver {
	if cfg.QRWait <= 0 {
		cfg.QRWait = DefaultConfig().QRWait
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	if cfg.PollBudget <= 0 {
		cfg.PollBudget = DefaultConfig().PollBudget
	}
	if cfg.SessionExpiry <= 0 {
		cfg.SessionExpiry = DefaultConfig().SessionExpiry
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Driver{
		cfg:      cfg,
		devices:  devices,
		store:    store,
		notifier: notifier,
		now:      time.Now,
		sessions: make(map[string]*authSession),
	}
}

// Start launches a device, submits the credentials into the hosted login
// form and captures the QR code. It performs exactly one device bootstrap
// and never waits for the human; confirmation happens via Poll.
//
// On any failure the device is released before returning.
func (d *Driver) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	dev, err := d.devices.NewDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("launch device: %w", err)
	}

	if err := dev.SubmitLogin(ctx, req.Username, req.Password); err != nil {
		dev.Close()
		return nil, fmt.Errorf("submit login: %w", err)
	}

	qrCtx, cancel := context.WithTimeout(ctx, d.cfg.QRWait)
	defer cancel()
	img, err := dev.WaitForQR(qrCtx)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("qr code did not appear within %s: %w", d.cfg.QRWait, err)
	}

	now := d.now()
	as := &authSession{
		id:           uuid.NewString(),
		username:     req.Username,
		clientIP:     req.ClientIP,
		connectionID: req.ConnectionID,
		createdAt:    now,
		deadline:     now.Add(d.cfg.SessionExpiry),
		device:       dev,
	}

	d.mu.Lock()
	d.sessions[as.id] = as
	d.mu.Unlock()

	d.notifier.SendStatus(as.connectionID, "QR code ready. Please scan with your phone.")
	d.notifier.SendQRImage(as.connectionID, base64.StdEncoding.EncodeToString(img))

	return &StartResult{SessionID: as.id, QRImage: img}, nil
}

// Poll runs one bounded poll pass against the session's device. It returns
// StateConfirmed once the page shows the confirmation signal (cookies are
// then harvested into the store and the device released), StateAwaiting if
// the pass budget ran out first, or StateFailed with a message when the
// session's overall deadline passed or the device errored.
//
// Polling after the session already completed returns StateConfirmed again
// without touching a browser.
func (d *Driver) Poll(ctx context.Context, sessionID, clientIP string) (*PollResult, error) {
	d.mu.RLock()
	as, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	// A session may only be continued from the client that started it.
	if as.clientIP != "" && clientIP != "" && as.clientIP != clientIP {
		return nil, ErrSessionNotFound
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if as.confirmed {
		return &PollResult{State: StateConfirmed, Username: as.username}, nil
	}
	if as.failed {
		return &PollResult{State: StateFailed, Username: as.username, Message: as.failMsg}, nil
	}
	if as.device == nil {
		// Removed underneath us.
		return nil, ErrSessionNotFound
	}

	for attempt := 0; attempt < d.cfg.PollBudget; attempt++ {
		if d.now().After(as.deadline) {
			d.failLocked(as, "authentication timeout: QR code was not scanned in time")
			return &PollResult{State: StateFailed, Username: as.username, Message: as.failMsg}, nil
		}

		ok, err := as.device.Confirmed(ctx)
		if err != nil {
			d.failLocked(as, fmt.Sprintf("confirmation check failed: %v", err))
			return &PollResult{State: StateFailed, Username: as.username, Message: as.failMsg}, nil
		}
		if ok {
			if err := d.harvestLocked(ctx, as); err != nil {
				d.failLocked(as, fmt.Sprintf("harvest session cookies: %v", err))
				return &PollResult{State: StateFailed, Username: as.username, Message: as.failMsg}, nil
			}
			return &PollResult{State: StateConfirmed, Username: as.username}, nil
		}

		// Best-effort progress frame for the watching client.
		if shot, err := as.device.Screenshot(ctx); err == nil {
			d.notifier.SendQRImage(as.connectionID, base64.StdEncoding.EncodeToString(shot))
		}

		if attempt < d.cfg.PollBudget-1 {
			select {
			case <-ctx.Done():
				return &PollResult{State: StateAwaiting, Username: as.username, Message: "still waiting for confirmation"}, nil
			case <-time.After(d.cfg.PollInterval):
			}
		}
	}

	d.notifier.SendStatus(as.connectionID, "Still waiting for confirmation...")
	return &PollResult{State: StateAwaiting, Username: as.username, Message: "still waiting for confirmation"}, nil
}

// harvestLocked moves the device's cookies into the session store and
// releases the device. Caller holds as.mu.
func (d *Driver) harvestLocked(ctx context.Context, as *authSession) error {
	cookies, err := as.device.Cookies(ctx)
	if err != nil {
		return err
	}

	d.store.Set(as.username, session.Bundle{Cookies: cookies})
	as.confirmed = true
	as.release()

	d.notifier.SendStatus(as.connectionID, fmt.Sprintf("Success! Captured %d cookies.", len(cookies)))
	log.Printf("✅ qr: session %s confirmed, %d cookies stored for %s", as.id, len(cookies), as.username)
	return nil
}

// failLocked marks the session failed and releases its device. Caller
// holds as.mu.
func (d *Driver) failLocked(as *authSession, msg string) {
	as.failed = true
	as.failMsg = msg
	as.release()
	d.notifier.SendStatus(as.connectionID, msg)
	log.Printf("⚠️ qr: session %s failed: %s", as.id, msg)
}

// Remove drops a session from the registry, releasing its device.
func (d *Driver) Remove(sessionID string) {
	d.mu.Lock()
	as, ok := d.sessions[sessionID]
	if ok {
		delete(d.sessions, sessionID)
	}
	d.mu.Unlock()

	if ok {
		as.mu.Lock()
		as.release()
		as.mu.Unlock()
	}
}

// Live reports how many sessions still hold a device.
func (d *Driver) Live() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, as := range d.sessions {
		as.mu.Lock()
		if as.device != nil {
			n++
		}
		as.mu.Unlock()
	}
	return n
}

// RunJanitor removes terminal and expired sessions until ctx is done.
// Expired sessions have their devices released here so an abandoned
// browser never outlives its confirmation window.
func (d *Driver) RunJanitor(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

func (d *Driver) sweep() {
	now := d.now()

	d.mu.Lock()
	var stale []*authSession
	for id, as := range d.sessions {
		if now.After(as.deadline) {
			stale = append(stale, as)
			delete(d.sessions, id)
		}
	}
	d.mu.Unlock()

	for _, as := range stale {
		as.mu.Lock()
		if !as.confirmed && !as.failed {
			as.failed = true
			as.failMsg = "authentication session expired"
		}
		as.release()
		as.mu.Unlock()
	}
}

// shutdown releases every remaining device.
func (d *Driver) shutdown() {
	d.mu.Lock()
	all := make([]*authSession, 0, len(d.sessions))
	for id, as := range d.sessions {
		all = append(all, as)
		delete(d.sessions, id)
	}
	d.mu.Unlock()

	for _, as := range all {
		as.mu.Lock()
		as.release()
		as.mu.Unlock()
	}
}
