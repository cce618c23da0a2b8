// Package client implements the HTTP clients for the supported brokerages.
// These are transport plumbing only; all authentication decisions live in
// internal/service/brokerage.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// MFARequiredType is the login response type Sharesies returns when an
// email verification code is needed.
const MFARequiredType = "identity_email_mfa_required"

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/144.0.0.0 Safari/537.36"

// SharesiesUser is the subset of the login payload we care about.
type SharesiesUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// SharesiesLoginResponse is the identity/login payload.
type SharesiesLoginResponse struct {
	Authenticated bool           `json:"authenticated"`
	Type          string         `json:"type"`
	DistillToken  string         `json:"distill_token"`
	RakaiaToken   string         `json:"rakaia_token"`
	User          *SharesiesUser `json:"user"`
}

// SharesiesPortfolioRef is one portfolio attached to a profile.
type SharesiesPortfolioRef struct {
	ID      string `json:"id"`
	Product string `json:"product"`
	Image   string `json:"image"`
}

// SharesiesProfile is one profile in the profiles payload.
type SharesiesProfile struct {
	ID         string                  `json:"id"`
	Name       string                  `json:"name"`
	Portfolios []SharesiesPortfolioRef `json:"portfolios"`
}

// SharesiesProfileResponse is the profiles payload.
type SharesiesProfileResponse struct {
	Profiles []SharesiesProfile `json:"profiles"`
}

// SharesiesInstrumentReturn is the per-instrument position data.
type SharesiesInstrumentReturn struct {
	SharesOwned       float64 `json:"shares_owned"`
	InvestmentValue   float64 `json:"investment_value"`
	CostBasis         float64 `json:"cost_basis"`
	TotalReturn       float64 `json:"total_return"`
	SimpleReturn      float64 `json:"simple_return"`
	DividendsReceived float64 `json:"dividends_received"`
}

// SharesiesPortfolioResponse is the portfolio instruments payload.
type SharesiesPortfolioResponse struct {
	InstrumentReturns map[string]SharesiesInstrumentReturn `json:"instrument_returns"`
}

// SharesiesInstrument is the instrument metadata payload.
type SharesiesInstrument struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	Name        string `json:"name"`
	Currency    string `json:"currency"`
	MarketPrice string `json:"marketPrice"`
}

// SharesiesInstrumentsResponse is the instruments search payload.
type SharesiesInstrumentsResponse struct {
	Instruments []SharesiesInstrument `json:"instruments"`
}

// SharesiesClient talks to the Sharesies identity, portfolio and data APIs.
// The identity endpoints are cookie-based, so the client keeps an in-process
// cookie jar for the lifetime of a login.
//
// The jar is shared across logins: a new Login replaces the active cookie
// identity, so cookie-backed calls (Profile) ride the most recent login.
// Token-backed calls (Portfolio, Instruments) carry per-user bearer tokens
// from the session store and are unaffected.
type SharesiesClient struct {
	http         *http.Client
	baseURL      string // identity API
	portfolioURL string
	dataURL      string
	origin       string
}

// NewSharesiesClient creates a client against the given API bases.
func NewSharesiesClient(baseURL, portfolioURL, dataURL, origin string) *SharesiesClient {
	jar, _ := cookiejar.New(nil)
	return &SharesiesClient{
		http: &http.Client{
			Jar:     jar,
			Timeout: 30 * time.Second,
		},
		baseURL:      baseURL,
		portfolioURL: portfolioURL,
		dataURL:      dataURL,
		origin:       origin,
	}
}

type sharesiesLoginRequest struct {
	Email         string `json:"email"`
	Password      string `json:"password"`
	Remember      bool   `json:"remember"`
	EmailMfaToken string `json:"email_mfa_token,omitempty"`
}

// Login performs the identity/login round trip. The MFA code is optional; a
// response with Type == MFARequiredType means the caller must resupply it.
func (c *SharesiesClient) Login(ctx context.Context, email, password, mfaCode string) (*SharesiesLoginResponse, error) {
	body := sharesiesLoginRequest{
		Email:         email,
		Password:      password,
		Remember:      true,
		EmailMfaToken: mfaCode,
	}

	var out SharesiesLoginResponse
	if err := c.postJSON(ctx, c.baseURL+"/identity/login", body, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Profile fetches the profiles for the currently logged-in cookie session.
func (c *SharesiesClient) Profile(ctx context.Context) (*SharesiesProfileResponse, error) {
	var out SharesiesProfileResponse
	if err := c.getJSON(ctx, c.baseURL+"/profiles", "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Portfolio fetches the per-instrument returns for a portfolio. Requires the
// rakaia bearer token from the login response.
func (c *SharesiesClient) Portfolio(ctx context.Context, portfolioID, rakaiaToken string) (*SharesiesPortfolioResponse, error) {
	url := fmt.Sprintf("%s/portfolios/%s/instruments", c.portfolioURL, portfolioID)
	var out SharesiesPortfolioResponse
	if err := c.getJSON(ctx, url, rakaiaToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Instruments resolves instrument metadata for the given ids. Requires the
// distill bearer token from the login response.
func (c *SharesiesClient) Instruments(ctx context.Context, ids []string, distillToken string) (*SharesiesInstrumentsResponse, error) {
	payload := map[string]any{
		"query":           "",
		"instruments":     ids,
		"tradingStatuses": []string{"active", "halt", "closeonly", "notrade", "inactive", "unknown"},
		"perPage":         500,
	}

	var out SharesiesInstrumentsResponse
	if err := c.postJSON(ctx, c.dataURL+"/instruments", payload, distillToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *SharesiesClient) getJSON(ctx context.Context, url, bearer string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	return c.do(req, bearer, out)
}

func (c *SharesiesClient) postJSON(ctx context.Context, url string, body any, bearer string, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, bearer, out)
}

func (c *SharesiesClient) do(req *http.Request, bearer string, out any) error {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if c.origin != "" {
		req.Header.Set("Origin", c.origin)
		req.Header.Set("Referer", c.origin+"/")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sharesies: %s %s returned %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
