// Package brokerage defines the shared authentication contract for all
// supported brokerages.
package brokerage

import "time"

// Type identifies a supported brokerage.
type Type string

const (
	TypeSharesies Type = "sharesies"
	TypeIBKR      Type = "ibkr"
)

// Step is the state of an authentication attempt.
type Step string

const (
	StepInitialCredentials   Step = "InitialCredentials"
	StepMfaRequired          Step = "MfaRequired"
	StepQrCodeGenerated      Step = "QrCodeGenerated"
	StepAwaitingConfirmation Step = "AwaitingConfirmation"
	StepCompleted            Step = "Completed"
	StepFailed               Step = "Failed"
)

// Credentials is the caller-supplied input for one authentication call.
// Constructed per call, never persisted.
type Credentials struct {
	Username string
	Password string

	// For MFA / device-confirmation continuation
	MFACode   string
	SessionID string

	// Request metadata
	ClientIP     string
	ConnectionID string // websocket connection for QR streaming, optional

	// Flexible brokerage-specific extras
	Extra map[string]string
}

// Result is the outcome of one state-machine step. It is a value object:
// recreated on every call, never mutated after return.
//
// Invariants: StepCompleted implies Authenticated and a non-empty UserID;
// StepFailed implies a non-empty ErrorMessage; any other step implies
// Authenticated == false.
type Result struct {
	Authenticated bool
	Step          Step
	SessionID     string
	UserID        string
	Tokens        map[string]string
	ErrorMessage  string

	// MFA-specific
	MFAType    string
	MFAMessage string

	// QR-specific
	QRImage []byte

	// Additional metadata
	Metadata map[string]string
}

// Failed builds a terminal failure result.
func Failed(msg string) Result {
	return Result{Step: StepFailed, ErrorMessage: msg}
}

// Attempt is one authentication attempt for audit logging.
type Attempt struct {
	Brokerage Type
	Username  string
	IP        string
	Success   bool
	Reason    string
	At        time.Time
}

// Info describes a supported brokerage for the metadata endpoint.
type Info struct {
	Type Type   `json:"type"`
	Name string `json:"name"`
}
