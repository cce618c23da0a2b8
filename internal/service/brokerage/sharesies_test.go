package brokerage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r2r72/pf-agg-v1/internal/client"
	"github.com/r2r72/pf-agg-v1/internal/service/session"
)

// fakeSharesiesAPI records calls and replays canned responses.
type fakeSharesiesAPI struct {
	loginCalls   int
	loginMFACode string
	loginResp    *client.SharesiesLoginResponse
	loginErr     error

	profileResp *client.SharesiesProfileResponse
	profileErr  error

	portfolioResp *client.SharesiesPortfolioResponse
	portfolioErr  error

	instrumentsResp *client.SharesiesInstrumentsResponse
	instrumentsErr  error
}

func (f *fakeSharesiesAPI) Login(ctx context.Context, email, password, mfaCode string) (*client.SharesiesLoginResponse, error) {
	f.loginCalls++
	f.loginMFACode = mfaCode
	return f.loginResp, f.loginErr
}

func (f *fakeSharesiesAPI) Profile(ctx context.Context) (*client.SharesiesProfileResponse, error) {
	return f.profileResp, f.profileErr
}

func (f *fakeSharesiesAPI) Portfolio(ctx context.Context, portfolioID, rakaiaToken string) (*client.SharesiesPortfolioResponse, error) {
	return f.portfolioResp, f.portfolioErr
}

func (f *fakeSharesiesAPI) Instruments(ctx context.Context, ids []string, distillToken string) (*client.SharesiesInstrumentsResponse, error) {
	return f.instrumentsResp, f.instrumentsErr
}

func TestSharesiesAuthenticate_EmptyCredentialsNeverReachNetwork(t *testing.T) {
	api := &fakeSharesiesAPI{}
	auth := NewSharesies(api, session.NewStore(time.Hour))

	res := auth.Authenticate(context.Background(), Credentials{Username: "", Password: "pw"})
	assert.Equal(t, StepFailed, res.Step)
	assert.False(t, res.Authenticated)

	res = auth.Authenticate(context.Background(), Credentials{Username: "a@b.com", Password: ""})
	assert.Equal(t, StepFailed, res.Step)

	assert.Equal(t, 0, api.loginCalls, "validation must short-circuit before any network call")
}

func TestSharesiesAuthenticate_MFARequired(t *testing.T) {
	api := &fakeSharesiesAPI{
		loginResp: &client.SharesiesLoginResponse{Type: client.MFARequiredType},
	}
	auth := NewSharesies(api, session.NewStore(time.Hour))

	res := auth.Authenticate(context.Background(), Credentials{Username: "a@b.com", Password: "pw"})

	assert.Equal(t, StepMfaRequired, res.Step)
	assert.False(t, res.Authenticated)
	assert.Equal(t, "email", res.MFAType)
	assert.Contains(t, res.MFAMessage, "email")
}

func TestSharesiesAuthenticate_Completed(t *testing.T) {
	api := &fakeSharesiesAPI{
		loginResp: &client.SharesiesLoginResponse{
			Authenticated: true,
			RakaiaToken:   "rak-1",
			DistillToken:  "dis-1",
			User:          &client.SharesiesUser{ID: "user-42"},
		},
	}
	store := session.NewStore(time.Hour)
	auth := NewSharesies(api, store)

	res := auth.Authenticate(context.Background(), Credentials{Username: "a@b.com", Password: "pw"})

	require.Equal(t, StepCompleted, res.Step)
	assert.True(t, res.Authenticated)
	assert.Equal(t, "a@b.com", res.UserID, "UserID must be the session store key")
	assert.Equal(t, "user-42", res.Metadata["sharesies_user_id"])
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "rak-1", res.Tokens["rakaia"])
	assert.Equal(t, "dis-1", res.Tokens["distill"])

	// Session tokens land in the store under the returned identity.
	bundle, ok := store.Get(res.UserID)
	require.True(t, ok)
	assert.Equal(t, "rak-1", bundle.Tokens["rakaia"])
}

func TestSharesiesReturnedUserIDResolvesSession(t *testing.T) {
	// The identity handed back on Completed is the one the client echoes
	// into session checks and portfolio fetches; it must resolve.
	api := &fakeSharesiesAPI{
		loginResp: &client.SharesiesLoginResponse{
			Authenticated: true,
			RakaiaToken:   "rak-1",
			DistillToken:  "dis-1",
			User:          &client.SharesiesUser{ID: "uuid-1234"},
		},
		profileResp: &client.SharesiesProfileResponse{
			Profiles: []client.SharesiesProfile{{ID: "p1", Name: "Main"}},
		},
	}
	auth := NewSharesies(api, session.NewStore(time.Hour))

	res := auth.Authenticate(context.Background(), Credentials{Username: "a@b.com", Password: "pw"})
	require.Equal(t, StepCompleted, res.Step)

	assert.True(t, auth.ValidateSession(context.Background(), res.UserID))

	_, err := auth.PortfolioData(context.Background(), res.UserID)
	assert.NotErrorIs(t, err, ErrNoSession)
}

func TestSharesiesAuthenticate_InvalidCredentials(t *testing.T) {
	api := &fakeSharesiesAPI{loginResp: &client.SharesiesLoginResponse{Authenticated: false}}
	auth := NewSharesies(api, session.NewStore(time.Hour))

	res := auth.Authenticate(context.Background(), Credentials{Username: "a@b.com", Password: "wrong"})

	assert.Equal(t, StepFailed, res.Step)
	assert.Equal(t, "invalid email or password", res.ErrorMessage)
}

func TestSharesiesAuthenticate_TransportError(t *testing.T) {
	api := &fakeSharesiesAPI{loginErr: errors.New("connection refused")}
	auth := NewSharesies(api, session.NewStore(time.Hour))

	res := auth.Authenticate(context.Background(), Credentials{Username: "a@b.com", Password: "pw"})

	assert.Equal(t, StepFailed, res.Step)
	assert.Contains(t, res.ErrorMessage, "did not respond")
}

func TestSharesiesContinue_RequiresMFACode(t *testing.T) {
	api := &fakeSharesiesAPI{}
	auth := NewSharesies(api, session.NewStore(time.Hour))

	res := auth.Continue(context.Background(), Credentials{Username: "a@b.com", Password: "pw"})

	assert.Equal(t, StepFailed, res.Step)
	assert.Equal(t, 0, api.loginCalls)
}

func TestSharesiesContinue_PassesCodeThrough(t *testing.T) {
	api := &fakeSharesiesAPI{
		loginResp: &client.SharesiesLoginResponse{
			Authenticated: true,
			User:          &client.SharesiesUser{ID: "user-42"},
		},
	}
	auth := NewSharesies(api, session.NewStore(time.Hour))

	res := auth.Continue(context.Background(), Credentials{Username: "a@b.com", Password: "pw", MFACode: "123456"})

	assert.Equal(t, StepCompleted, res.Step)
	assert.Equal(t, "123456", api.loginMFACode)
}

func TestSharesiesValidateSession(t *testing.T) {
	store := session.NewStore(time.Hour)
	api := &fakeSharesiesAPI{
		profileResp: &client.SharesiesProfileResponse{
			Profiles: []client.SharesiesProfile{{ID: "p1", Name: "Main"}},
		},
	}
	auth := NewSharesies(api, store)

	// No stored session.
	assert.False(t, auth.ValidateSession(context.Background(), "a@b.com"))

	store.Set("a@b.com", session.Bundle{Tokens: map[string]string{"rakaia": "r"}})
	assert.True(t, auth.ValidateSession(context.Background(), "a@b.com"))

	// Transport errors read as invalid, never escape.
	api.profileErr = errors.New("503")
	assert.False(t, auth.ValidateSession(context.Background(), "a@b.com"))
}

func TestSharesiesPortfolioData(t *testing.T) {
	store := session.NewStore(time.Hour)
	store.Set("a@b.com", session.Bundle{Tokens: map[string]string{"rakaia": "r", "distill": "d"}})

	api := &fakeSharesiesAPI{
		profileResp: &client.SharesiesProfileResponse{
			Profiles: []client.SharesiesProfile{{
				ID:   "p1",
				Name: "Main",
				Portfolios: []client.SharesiesPortfolioRef{
					{ID: "kiwisaver-1", Product: "KIWISAVER"},
					{ID: "invest-1", Product: "INVEST", Image: "img.png"},
				},
			}},
		},
		portfolioResp: &client.SharesiesPortfolioResponse{
			InstrumentReturns: map[string]client.SharesiesInstrumentReturn{
				"ins-1": {SharesOwned: 10, InvestmentValue: 150, CostBasis: 100, TotalReturn: 50},
			},
		},
		instrumentsResp: &client.SharesiesInstrumentsResponse{
			Instruments: []client.SharesiesInstrument{
				{ID: "ins-1", Symbol: "VOO", Name: "Vanguard S&P 500", Currency: "USD", MarketPrice: "15.00"},
			},
		},
	}
	auth := NewSharesies(api, store)

	p, err := auth.PortfolioData(context.Background(), "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, "Main", p.Profile.Name)
	assert.Equal(t, "sharesies", p.Profile.Brokerage)
	require.Len(t, p.Instruments, 1)
	assert.Equal(t, "VOO", p.Instruments[0].Symbol)
	assert.Equal(t, "15", p.Instruments[0].SharePrice.String())
	assert.Equal(t, "10", p.Instruments[0].SharesOwned.String())
}

func TestSharesiesPortfolioData_NoSession(t *testing.T) {
	auth := NewSharesies(&fakeSharesiesAPI{}, session.NewStore(time.Hour))

	_, err := auth.PortfolioData(context.Background(), "stranger")
	assert.ErrorIs(t, err, ErrNoSession)
}
