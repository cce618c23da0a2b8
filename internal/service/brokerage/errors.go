// Package brokerage defines authentication errors.
package brokerage

import "errors"

var (
	// ErrUnsupportedBrokerage is a dispatch failure, distinct from any
	// Failed authentication result.
	ErrUnsupportedBrokerage = errors.New("unsupported brokerage")

	ErrNoSession   = errors.New("no valid session for user")
	ErrNoPortfolio = errors.New("portfolio data not available")
)
