package brokerage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r2r72/pf-agg-v1/internal/client"
	"github.com/r2r72/pf-agg-v1/internal/service/qr"
	"github.com/r2r72/pf-agg-v1/internal/service/session"
)

// fakeDriver replays canned Start/Poll outcomes.
type fakeDriver struct {
	startCalls int
	startRes   *qr.StartResult
	startErr   error

	pollRes *qr.PollResult
	pollErr error
}

func (f *fakeDriver) Start(ctx context.Context, req qr.StartRequest) (*qr.StartResult, error) {
	f.startCalls++
	return f.startRes, f.startErr
}

func (f *fakeDriver) Poll(ctx context.Context, sessionID, clientIP string) (*qr.PollResult, error) {
	return f.pollRes, f.pollErr
}

type fakeIbkrAPI struct {
	ssoResp *client.IbkrSSOValidation
	ssoErr  error

	accounts  []client.IbkrAccount
	accErr    error
	positions []client.IbkrPosition
	posErr    error
}

func (f *fakeIbkrAPI) ValidateSSO(ctx context.Context, bundle session.Bundle) (*client.IbkrSSOValidation, error) {
	return f.ssoResp, f.ssoErr
}

func (f *fakeIbkrAPI) Accounts(ctx context.Context, bundle session.Bundle) ([]client.IbkrAccount, error) {
	return f.accounts, f.accErr
}

func (f *fakeIbkrAPI) Positions(ctx context.Context, bundle session.Bundle, accountID string) ([]client.IbkrPosition, error) {
	return f.positions, f.posErr
}

func TestIBKRAuthenticate_QRCodeGenerated(t *testing.T) {
	driver := &fakeDriver{
		startRes: &qr.StartResult{SessionID: "sess-1", QRImage: []byte("png")},
	}
	auth := NewIBKR(driver, &fakeIbkrAPI{}, session.NewStore(time.Hour))

	res := auth.Authenticate(context.Background(), Credentials{Username: "u1", Password: "pw"})

	assert.Equal(t, StepQrCodeGenerated, res.Step)
	assert.False(t, res.Authenticated)
	assert.Equal(t, "sess-1", res.SessionID)
	assert.Equal(t, []byte("png"), res.QRImage)
	assert.Equal(t, "true", res.Metadata["requires_polling"])
}

func TestIBKRAuthenticate_EmptyCredentials(t *testing.T) {
	driver := &fakeDriver{}
	auth := NewIBKR(driver, &fakeIbkrAPI{}, session.NewStore(time.Hour))

	res := auth.Authenticate(context.Background(), Credentials{Username: "u1"})

	assert.Equal(t, StepFailed, res.Step)
	assert.Equal(t, 0, driver.startCalls, "validation must short-circuit before any browser start")
}

func TestIBKRAuthenticate_DriverFailure(t *testing.T) {
	driver := &fakeDriver{startErr: errors.New("chrome did not start")}
	auth := NewIBKR(driver, &fakeIbkrAPI{}, session.NewStore(time.Hour))

	res := auth.Authenticate(context.Background(), Credentials{Username: "u1", Password: "pw"})

	assert.Equal(t, StepFailed, res.Step)
	assert.Contains(t, res.ErrorMessage, "could not start device login")
}

func TestIBKRContinue_Awaiting(t *testing.T) {
	driver := &fakeDriver{pollRes: &qr.PollResult{State: qr.StateAwaiting}}
	auth := NewIBKR(driver, &fakeIbkrAPI{}, session.NewStore(time.Hour))

	res := auth.Continue(context.Background(), Credentials{SessionID: "sess-1"})

	assert.Equal(t, StepAwaitingConfirmation, res.Step)
	assert.False(t, res.Authenticated)
	assert.Equal(t, "sess-1", res.SessionID)
}

func TestIBKRContinue_Confirmed(t *testing.T) {
	store := session.NewStore(time.Hour)
	store.Set("u1", session.Bundle{Cookies: []session.Cookie{{Name: "SSO", Value: "x"}}})

	driver := &fakeDriver{pollRes: &qr.PollResult{State: qr.StateConfirmed, Username: "u1"}}
	api := &fakeIbkrAPI{ssoResp: &client.IbkrSSOValidation{Valid: true, UserID: "ib-77"}}
	auth := NewIBKR(driver, api, store)

	res := auth.Continue(context.Background(), Credentials{SessionID: "sess-1"})

	require.Equal(t, StepCompleted, res.Step)
	assert.True(t, res.Authenticated)
	assert.Equal(t, "u1", res.UserID, "UserID must be the session store key")
	assert.Equal(t, "ib-77", res.Metadata["portal_user_id"])
	assert.Equal(t, "u1", res.Metadata["session_user"])

	// The returned identity resolves the freshly stored session.
	assert.True(t, auth.ValidateSession(context.Background(), res.UserID))
}

func TestIBKRContinue_ConfirmedWithValidationHiccup(t *testing.T) {
	// SSO validation failing after confirmation must not undo the login.
	store := session.NewStore(time.Hour)
	store.Set("u1", session.Bundle{Cookies: []session.Cookie{{Name: "SSO", Value: "x"}}})

	driver := &fakeDriver{pollRes: &qr.PollResult{State: qr.StateConfirmed, Username: "u1"}}
	api := &fakeIbkrAPI{ssoErr: errors.New("portal 503")}
	auth := NewIBKR(driver, api, store)

	res := auth.Continue(context.Background(), Credentials{SessionID: "sess-1"})

	assert.Equal(t, StepCompleted, res.Step)
	assert.Equal(t, "u1", res.UserID)
}

func TestIBKRContinue_Failed(t *testing.T) {
	driver := &fakeDriver{pollRes: &qr.PollResult{State: qr.StateFailed, Message: "confirmation window expired"}}
	auth := NewIBKR(driver, &fakeIbkrAPI{}, session.NewStore(time.Hour))

	res := auth.Continue(context.Background(), Credentials{SessionID: "sess-1"})

	assert.Equal(t, StepFailed, res.Step)
	assert.Equal(t, "confirmation window expired", res.ErrorMessage)
}

func TestIBKRContinue_SessionNotFound(t *testing.T) {
	driver := &fakeDriver{pollErr: qr.ErrSessionNotFound}
	auth := NewIBKR(driver, &fakeIbkrAPI{}, session.NewStore(time.Hour))

	res := auth.Continue(context.Background(), Credentials{SessionID: "gone"})

	assert.Equal(t, StepFailed, res.Step)
	assert.Contains(t, res.ErrorMessage, "not found or expired")
}

func TestIBKRContinue_RequiresSessionID(t *testing.T) {
	auth := NewIBKR(&fakeDriver{}, &fakeIbkrAPI{}, session.NewStore(time.Hour))

	res := auth.Continue(context.Background(), Credentials{})

	assert.Equal(t, StepFailed, res.Step)
}

func TestIBKRValidateSession(t *testing.T) {
	store := session.NewStore(time.Hour)
	api := &fakeIbkrAPI{ssoResp: &client.IbkrSSOValidation{Valid: true}}
	auth := NewIBKR(&fakeDriver{}, api, store)

	assert.False(t, auth.ValidateSession(context.Background(), "u1"))

	store.Set("u1", session.Bundle{Cookies: []session.Cookie{{Name: "SSO", Value: "x"}}})
	assert.True(t, auth.ValidateSession(context.Background(), "u1"))

	api.ssoResp = &client.IbkrSSOValidation{Valid: false}
	assert.False(t, auth.ValidateSession(context.Background(), "u1"))
}

func TestIBKRPortfolioData(t *testing.T) {
	store := session.NewStore(time.Hour)
	store.Set("u1", session.Bundle{Cookies: []session.Cookie{{Name: "SSO", Value: "x"}}})

	api := &fakeIbkrAPI{
		accounts: []client.IbkrAccount{{AccountID: "U123", DisplayName: "Main"}},
		positions: []client.IbkrPosition{
			{ConID: 1, Ticker: "AAPL", Name: "Apple", Currency: "USD", Position: 5, MktPrice: 200, MktValue: 1000, AvgCost: 150, UnrealizedPnl: 250},
			{ConID: 2, Ticker: "SHORT", Position: -3}, // short positions are skipped
		},
	}
	auth := NewIBKR(&fakeDriver{}, api, store)

	p, err := auth.PortfolioData(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Main", p.Profile.Name)
	assert.Equal(t, "ibkr", p.Profile.Brokerage)
	require.Len(t, p.Instruments, 1)
	assert.Equal(t, "AAPL", p.Instruments[0].Symbol)
	assert.Equal(t, "750", p.Instruments[0].CostBasis.String())
	assert.Equal(t, "250", p.Instruments[0].TotalReturn.String())
}

func TestIBKRPortfolioData_NoSession(t *testing.T) {
	auth := NewIBKR(&fakeDriver{}, &fakeIbkrAPI{}, session.NewStore(time.Hour))

	_, err := auth.PortfolioData(context.Background(), "stranger")
	assert.ErrorIs(t, err, ErrNoSession)
}
