package brokerage

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/r2r72/pf-agg-v1/internal/client"
	"github.com/r2r72/pf-agg-v1/internal/contracts"
	"github.com/r2r72/pf-agg-v1/internal/service/qr"
	"github.com/r2r72/pf-agg-v1/internal/service/session"
)

// DeviceAuthDriver is the QR/device-confirmation surface the IBKR
// authenticator needs. Implemented by qr.Driver.
type DeviceAuthDriver interface {
	Start(ctx context.Context, req qr.StartRequest) (*qr.StartResult, error)
	Poll(ctx context.Context, sessionID, clientIP string) (*qr.PollResult, error)
}

// IbkrAPI is the client-portal transport surface. Implemented by
// client.IbkrClient.
type IbkrAPI interface {
	ValidateSSO(ctx context.Context, bundle session.Bundle) (*client.IbkrSSOValidation, error)
	Accounts(ctx context.Context, bundle session.Bundle) ([]client.IbkrAccount, error)
	Positions(ctx context.Context, bundle session.Bundle, accountID string) ([]client.IbkrPosition, error)
}

// IBKR authenticates through the broker's hosted web login: the portal
// has no documented API for its QR device-confirmation step, so a browser
// device drives the page and the human finishes the login on a phone.
type IBKR struct {
	driver DeviceAuthDriver
	api    IbkrAPI
	store  *session.Store
}

func NewIBKR(driver DeviceAuthDriver, api IbkrAPI, store *session.Store) *IBKR {
	return &IBKR{driver: driver, api: api, store: store}
}

func (b *IBKR) Type() Type { return TypeIBKR }

// Authenticate bootstraps one browser device, submits the credentials and
// returns the QR code with a session id to echo back on Continue. The
// human action itself is never awaited here.
func (b *IBKR) Authenticate(ctx context.Context, creds Credentials) Result {
	if creds.Username == "" || creds.Password == "" {
		return Failed("username and password are required")
	}

	start, err := b.driver.Start(ctx, qr.StartRequest{
		Username:     creds.Username,
		Password:     creds.Password,
		ClientIP:     creds.ClientIP,
		ConnectionID: creds.ConnectionID,
	})
	if err != nil {
		return Failed(fmt.Sprintf("could not start device login: %v", err))
	}

	return Result{
		Step:       StepQrCodeGenerated,
		SessionID:  start.SessionID,
		QRImage:    start.QRImage,
		MFAMessage: "Please scan the QR code with your phone to complete authentication",
		Metadata:   map[string]string{"requires_polling": "true"},
	}
}

// Continue runs one bounded poll pass against the device-confirmation
// state. Once the flow has completed, calling Continue again returns
// Completed without touching a browser.
func (b *IBKR) Continue(ctx context.Context, creds Credentials) Result {
	if creds.SessionID == "" {
		return Failed("session id is required to continue")
	}

	poll, err := b.driver.Poll(ctx, creds.SessionID, creds.ClientIP)
	if err != nil {
		if errors.Is(err, qr.ErrSessionNotFound) {
			return Failed("authentication session not found or expired")
		}
		return Failed(fmt.Sprintf("confirmation check failed: %v", err))
	}

	switch poll.State {
	case qr.StateConfirmed:
		return b.completed(ctx, poll.Username)
	case qr.StateAwaiting:
		return Result{
			Step:       StepAwaitingConfirmation,
			SessionID:  creds.SessionID,
			MFAMessage: "Still waiting for the QR code to be scanned",
		}
	default:
		msg := poll.Message
		if msg == "" {
			msg = "device confirmation failed"
		}
		return Failed(msg)
	}
}

// completed resolves the portal user id behind the freshly harvested
// cookies. A validation hiccup at this point does not undo a confirmed
// login; the cookies are already stored.
//
// UserID stays the store key (the typed username) so the identity the
// client echoes back resolves the session; the portal's own id travels
// as metadata.
func (b *IBKR) completed(ctx context.Context, username string) Result {
	meta := map[string]string{"session_user": username}
	if bundle, ok := b.store.Get(username); ok {
		if v, err := b.api.ValidateSSO(ctx, bundle); err == nil && v.Valid {
			if v.UserID != "" {
				meta["portal_user_id"] = v.UserID
			} else if v.User != "" {
				meta["portal_user_id"] = v.User
			}
		}
	}

	return Result{
		Authenticated: true,
		Step:          StepCompleted,
		UserID:        username,
		Metadata:      meta,
	}
}

// ValidateSession checks the stored cookies against the portal.
func (b *IBKR) ValidateSession(ctx context.Context, userID string) bool {
	bundle, ok := b.store.Get(userID)
	if !ok {
		return false
	}
	v, err := b.api.ValidateSSO(ctx, bundle)
	return err == nil && v != nil && v.Valid
}

// PortfolioData fetches and normalizes positions from the first account.
func (b *IBKR) PortfolioData(ctx context.Context, userID string) (*contracts.Portfolio, error) {
	bundle, ok := b.store.Get(userID)
	if !ok {
		return nil, ErrNoSession
	}

	accounts, err := b.api.Accounts(ctx, bundle)
	if err != nil {
		return nil, fmt.Errorf("fetch accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoPortfolio
	}
	account := accounts[0]

	positions, err := b.api.Positions(ctx, bundle, account.AccountID)
	if err != nil {
		return nil, fmt.Errorf("fetch positions: %w", err)
	}

	name := account.DisplayName
	if name == "" {
		name = account.AccountTitle
	}
	if name == "" {
		name = account.AccountID
	}

	out := &contracts.Portfolio{
		Profile: contracts.Profile{
			ID:        userID,
			Name:      name,
			Brokerage: string(TypeIBKR),
		},
	}
	for _, p := range positions {
		if p.ConID == 0 || p.Position <= 0 {
			continue // long positions only
		}
		symbol := p.Ticker
		if symbol == "" {
			symbol = "UNKNOWN"
		}
		instrName := p.Name
		if instrName == "" {
			instrName = p.ContractDesc
		}
		currency := p.Currency
		if currency == "" {
			currency = "USD"
		}
		shares := decimal.NewFromFloat(p.Position)
		out.Instruments = append(out.Instruments, contracts.Instrument{
			Brokerage:         string(TypeIBKR),
			ID:                fmt.Sprintf("%d", p.ConID),
			Symbol:            symbol,
			Name:              instrName,
			Currency:          currency,
			SharesOwned:       shares,
			SharePrice:        decimal.NewFromFloat(p.MktPrice),
			InvestmentValue:   decimal.NewFromFloat(p.MktValue),
			CostBasis:         decimal.NewFromFloat(p.AvgCost).Mul(shares),
			TotalReturn:       decimal.NewFromFloat(p.UnrealizedPnl),
			SimpleReturn:      decimal.NewFromFloat(p.UnrealizedPnl),
			DividendsReceived: decimal.Zero,
		})
	}
	if len(out.Instruments) == 0 {
		return nil, ErrNoPortfolio
	}
	return out, nil
}
