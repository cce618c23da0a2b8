package brokerage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/r2r72/pf-agg-v1/internal/client"
	"github.com/r2r72/pf-agg-v1/internal/contracts"
	"github.com/r2r72/pf-agg-v1/internal/service/session"
)

// SharesiesAPI is the transport surface the Sharesies authenticator needs.
// Implemented by client.SharesiesClient.
type SharesiesAPI interface {
	Login(ctx context.Context, email, password, mfaCode string) (*client.SharesiesLoginResponse, error)
	Profile(ctx context.Context) (*client.SharesiesProfileResponse, error)
	Portfolio(ctx context.Context, portfolioID, rakaiaToken string) (*client.SharesiesPortfolioResponse, error)
	Instruments(ctx context.Context, ids []string, distillToken string) (*client.SharesiesInstrumentsResponse, error)
}

// Sharesies authenticates against the Sharesies identity API: password
// login, with an email verification code as the second step when the
// account has MFA enabled.
type Sharesies struct {
	api   SharesiesAPI
	store *session.Store
}

func NewSharesies(api SharesiesAPI, store *session.Store) *Sharesies {
	return &Sharesies{api: api, store: store}
}

func (s *Sharesies) Type() Type { return TypeSharesies }

// Authenticate performs one login round trip. It either completes, asks
// for the email MFA code, or fails; it never waits for the user.
func (s *Sharesies) Authenticate(ctx context.Context, creds Credentials) Result {
	if creds.Username == "" || creds.Password == "" {
		return Failed("username and password are required")
	}

	resp, err := s.api.Login(ctx, creds.Username, creds.Password, creds.MFACode)
	if err != nil {
		// Transport failure, not a credential rejection.
		return Failed(fmt.Sprintf("sharesies did not respond: %v", err))
	}

	if resp.Type == client.MFARequiredType {
		return Result{
			Step:         StepMfaRequired,
			MFAType:      "email",
			MFAMessage:   "Please check your email for the verification code",
			ErrorMessage: "MFA code required",
		}
	}

	if resp.Authenticated {
		if resp.User == nil || resp.User.ID == "" {
			return Failed("login response carried no user identity")
		}

		tokens := map[string]string{}
		if resp.RakaiaToken != "" {
			tokens["rakaia"] = resp.RakaiaToken
		}
		if resp.DistillToken != "" {
			tokens["distill"] = resp.DistillToken
		}
		s.store.Set(creds.Username, session.Bundle{Tokens: tokens})

		// UserID is the store key: session and portfolio lookups resolve
		// with the identity the client got back. The Sharesies-internal
		// id travels as metadata.
		return Result{
			Authenticated: true,
			Step:          StepCompleted,
			SessionID:     uuid.NewString(),
			UserID:        creds.Username,
			Tokens:        tokens,
			Metadata:      map[string]string{"sharesies_user_id": resp.User.ID},
		}
	}

	return Failed("invalid email or password")
}

// Continue resupplies the MFA code; for Sharesies that is the same call
// as the initial login with the code attached.
func (s *Sharesies) Continue(ctx context.Context, creds Credentials) Result {
	if creds.MFACode == "" {
		return Failed("MFA code is required to continue")
	}
	return s.Authenticate(ctx, creds)
}

// ValidateSession checks that the stored session still authenticates.
// Side-effect free beyond the store's own read bookkeeping; transport
// errors read as false.
func (s *Sharesies) ValidateSession(ctx context.Context, userID string) bool {
	if !s.store.Has(userID) {
		return false
	}
	profile, err := s.api.Profile(ctx)
	return err == nil && profile != nil && len(profile.Profiles) > 0
}

// PortfolioData fetches and normalizes the user's holdings.
func (s *Sharesies) PortfolioData(ctx context.Context, userID string) (*contracts.Portfolio, error) {
	bundle, ok := s.store.Get(userID)
	if !ok {
		return nil, ErrNoSession
	}
	rakaia, distill := bundle.Tokens["rakaia"], bundle.Tokens["distill"]
	if rakaia == "" || distill == "" {
		return nil, ErrNoSession
	}

	profileResp, err := s.api.Profile(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	if len(profileResp.Profiles) == 0 {
		return nil, ErrNoPortfolio
	}
	profile := profileResp.Profiles[0]

	var portfolioID, image string
	for _, p := range profile.Portfolios {
		if p.Product == "INVEST" {
			portfolioID, image = p.ID, p.Image
			break
		}
	}
	if portfolioID == "" {
		return nil, ErrNoPortfolio
	}

	portfolio, err := s.api.Portfolio(ctx, portfolioID, rakaia)
	if err != nil {
		return nil, fmt.Errorf("fetch portfolio: %w", err)
	}
	if len(portfolio.InstrumentReturns) == 0 {
		return nil, ErrNoPortfolio
	}

	ids := make([]string, 0, len(portfolio.InstrumentReturns))
	for id := range portfolio.InstrumentReturns {
		ids = append(ids, id)
	}
	instrumentsResp, err := s.api.Instruments(ctx, ids, distill)
	if err != nil {
		return nil, fmt.Errorf("fetch instruments: %w", err)
	}

	meta := make(map[string]client.SharesiesInstrument, len(instrumentsResp.Instruments))
	for _, in := range instrumentsResp.Instruments {
		meta[in.ID] = in
	}

	out := &contracts.Portfolio{
		Profile: contracts.Profile{
			ID:        profile.ID,
			Name:      profile.Name,
			Image:     image,
			Brokerage: string(TypeSharesies),
		},
	}
	for id, ret := range portfolio.InstrumentReturns {
		in, ok := meta[id]
		if !ok {
			return nil, fmt.Errorf("instrument %s missing from metadata response", id)
		}
		price, err := decimal.NewFromString(in.MarketPrice)
		if err != nil {
			return nil, fmt.Errorf("instrument %s has invalid market price %q", id, in.MarketPrice)
		}
		out.Instruments = append(out.Instruments, contracts.Instrument{
			Brokerage:         string(TypeSharesies),
			ID:                in.ID,
			Symbol:            in.Symbol,
			Name:              in.Name,
			Currency:          in.Currency,
			SharesOwned:       decimal.NewFromFloat(ret.SharesOwned),
			SharePrice:        price,
			InvestmentValue:   decimal.NewFromFloat(ret.InvestmentValue),
			CostBasis:         decimal.NewFromFloat(ret.CostBasis),
			TotalReturn:       decimal.NewFromFloat(ret.TotalReturn),
			SimpleReturn:      decimal.NewFromFloat(ret.SimpleReturn),
			DividendsReceived: decimal.NewFromFloat(ret.DividendsReceived),
		})
	}
	return out, nil
}
