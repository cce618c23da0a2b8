package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/r2r72/pf-agg-v1/internal/service/session"
)

// IbkrSSOValidation is the sso/validate payload.
type IbkrSSOValidation struct {
	Valid  bool   `json:"RESULT"`
	UserID string `json:"USER_NAME"`
	User   string `json:"USER_ID"`
}

// IbkrAccount is one account in the portfolio/accounts payload.
type IbkrAccount struct {
	AccountID    string `json:"accountId"`
	DisplayName  string `json:"displayName"`
	AccountTitle string `json:"accountTitle"`
}

// IbkrPosition is one row of the positions payload.
type IbkrPosition struct {
	ConID         int64   `json:"conid"`
	Ticker        string  `json:"ticker"`
	ContractDesc  string  `json:"contractDesc"`
	Currency      string  `json:"currency"`
	Position      float64 `json:"position"`
	MktPrice      float64 `json:"mktPrice"`
	MktValue      float64 `json:"mktValue"`
	AvgCost       float64 `json:"avgCost"`
	UnrealizedPnl float64 `json:"unrealizedPnl"`
	Name          string  `json:"name"`
}

// IbkrClient talks to the IBKR client-portal API. The portal is cookie
// authenticated; every request carries the cookies harvested by the QR
// login flow, injected from the caller's credential bundle.
type IbkrClient struct {
	http    *http.Client
	baseURL string
}

// NewIbkrClient creates a client against the given portal API base.
func NewIbkrClient(baseURL string) *IbkrClient {
	return &IbkrClient{
		http:    &http.Client{Timeout: 30 * time.Second},
		baseURL: baseURL,
	}
}

// ValidateSSO checks that the bundle's cookies still authenticate.
func (c *IbkrClient) ValidateSSO(ctx context.Context, bundle session.Bundle) (*IbkrSSOValidation, error) {
	var out IbkrSSOValidation
	if err := c.getJSON(ctx, "/sso/validate", bundle, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Accounts lists the portal accounts reachable with the bundle.
func (c *IbkrClient) Accounts(ctx context.Context, bundle session.Bundle) ([]IbkrAccount, error) {
	var out struct {
		Accounts []IbkrAccount `json:"accounts"`
	}
	if err := c.getJSON(ctx, "/portfolio/accounts", bundle, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// Positions lists the positions of one account.
func (c *IbkrClient) Positions(ctx context.Context, bundle session.Bundle, accountID string) ([]IbkrPosition, error) {
	var out []IbkrPosition
	path := fmt.Sprintf("/portfolio/%s/positions/0", accountID)
	if err := c.getJSON(ctx, path, bundle, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *IbkrClient) getJSON(ctx context.Context, path string, bundle session.Bundle, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if cookie := cookieHeader(bundle.Cookies); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ibkr: GET %s returned %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// cookieHeader flattens harvested cookies into a Cookie header value.
func cookieHeader(cookies []session.Cookie) string {
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}
