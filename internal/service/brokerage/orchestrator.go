package brokerage

import (
	"context"
	"fmt"
	"log"

	"github.com/r2r72/pf-agg-v1/internal/contracts"
)

// displayNames maps brokerage identifiers to what the dashboard renders.
var displayNames = map[Type]string{
	TypeSharesies: "Sharesies",
	TypeIBKR:      "Interactive Brokers",
}

// Orchestrator dispatches calls to the registered authenticator for a
// brokerage type. It owns no authentication state; its only additions are
// issuing dashboard tokens on completion and audit logging.
type Orchestrator struct {
	authenticators map[Type]Authenticator
	secret         []byte
	audit          AuditLog
}

// NewOrchestrator registers the given authenticators. secret signs the
// dashboard JWTs and must be at least 32 bytes for HS256. audit may be nil.
func NewOrchestrator(secret []byte, audit AuditLog, authenticators ...Authenticator) *Orchestrator {
	if len(secret) < 32 {
		panic("jwt secret must be at least 32 bytes")
	}
	if audit == nil {
		audit = NopAudit{}
	}

	byType := make(map[Type]Authenticator, len(authenticators))
	for _, a := range authenticators {
		byType[a.Type()] = a
	}
	return &Orchestrator{authenticators: byType, secret: secret, audit: audit}
}

// lookup resolves the authenticator or fails with the distinguishable
// unsupported-brokerage error.
func (o *Orchestrator) lookup(t Type) (Authenticator, error) {
	a, ok := o.authenticators[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBrokerage, t)
	}
	return a, nil
}

// Authenticate dispatches the first step. The only error it returns is
// ErrUnsupportedBrokerage; every authentication outcome is a Result.
func (o *Orchestrator) Authenticate(ctx context.Context, t Type, creds Credentials) (Result, error) {
	a, err := o.lookup(t)
	if err != nil {
		return Result{}, err
	}

	res := a.Authenticate(ctx, creds)
	o.finish(ctx, t, creds, &res)
	return res, nil
}

// Continue dispatches a continuation step.
func (o *Orchestrator) Continue(ctx context.Context, t Type, creds Credentials) (Result, error) {
	a, err := o.lookup(t)
	if err != nil {
		return Result{}, err
	}

	res := a.Continue(ctx, creds)
	o.finish(ctx, t, creds, &res)
	return res, nil
}

// finish issues dashboard tokens on completion and records the attempt.
func (o *Orchestrator) finish(ctx context.Context, t Type, creds Credentials, res *Result) {
	switch res.Step {
	case StepCompleted:
		access, refresh, err := issueTokens(o.secret, res.UserID, t)
		if err != nil {
			log.Printf("⚠️ brokerage: signing dashboard tokens for %s: %v", res.UserID, err)
		} else {
			if res.Tokens == nil {
				res.Tokens = map[string]string{}
			}
			res.Tokens["access_token"] = access
			res.Tokens["refresh_token"] = refresh
		}
		o.record(ctx, t, creds, true, "success")
	case StepFailed:
		o.record(ctx, t, creds, false, res.ErrorMessage)
	}
}

func (o *Orchestrator) record(ctx context.Context, t Type, creds Credentials, success bool, reason string) {
	err := o.audit.Record(ctx, Attempt{
		Brokerage: t,
		Username:  creds.Username,
		IP:        creds.ClientIP,
		Success:   success,
		Reason:    reason,
	})
	if err != nil {
		log.Printf("⚠️ brokerage: audit record failed: %v", err)
	}
}

// ValidateSession dispatches the session check.
func (o *Orchestrator) ValidateSession(ctx context.Context, t Type, userID string) (bool, error) {
	a, err := o.lookup(t)
	if err != nil {
		return false, err
	}
	return a.ValidateSession(ctx, userID), nil
}

// Portfolio dispatches the data fetch for brokerages that support it.
func (o *Orchestrator) Portfolio(ctx context.Context, t Type, userID string) (*contracts.Portfolio, error) {
	a, err := o.lookup(t)
	if err != nil {
		return nil, err
	}
	p, ok := a.(PortfolioProvider)
	if !ok {
		return nil, ErrNoPortfolio
	}
	return p.PortfolioData(ctx, userID)
}

// Supported lists the registered brokerages for the metadata endpoint.
func (o *Orchestrator) Supported() []Info {
	out := make([]Info, 0, len(o.authenticators))
	// Stable order for the HTTP response.
	for _, t := range []Type{TypeSharesies, TypeIBKR} {
		if _, ok := o.authenticators[t]; ok {
			out = append(out, Info{Type: t, Name: displayNames[t]})
		}
	}
	for t := range o.authenticators {
		if t != TypeSharesies && t != TypeIBKR {
			out = append(out, Info{Type: t, Name: string(t)})
		}
	}
	return out
}
