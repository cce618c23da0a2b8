package brokerage

import (
	"context"

	"github.com/r2r72/pf-agg-v1/internal/contracts"
)

// Authenticator is the state-machine contract every brokerage implements.
//
// Authenticate performs exactly one network round trip tree (or one device
// bootstrap) and never blocks on external human action. Continue advances
// a non-terminal state. ValidateSession is an idempotent, side-effect-free
// check; transport errors read as false.
//
// No method lets a transport error escape: every outcome is a Result.
type Authenticator interface {
	Type() Type
	Authenticate(ctx context.Context, creds Credentials) Result
	Continue(ctx context.Context, creds Credentials) Result
	ValidateSession(ctx context.Context, userID string) bool
}

// PortfolioProvider is implemented by authenticators that can also fetch
// normalized holdings for an authenticated user.
type PortfolioProvider interface {
	PortfolioData(ctx context.Context, userID string) (*contracts.Portfolio, error)
}

// AuditLog records authentication attempts. Implemented by
// pg.AuditRepository; recording failures never fail a login.
type AuditLog interface {
	Record(ctx context.Context, attempt Attempt) error
}

// NopAudit discards attempts. Used when no database is configured.
type NopAudit struct{}

func (NopAudit) Record(context.Context, Attempt) error { return nil }
