package brokerage

import (
	"context"
	"sync"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r2r72/pf-agg-v1/internal/contracts"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// stubAuthenticator returns fixed results for every call.
type stubAuthenticator struct {
	typ      Type
	authRes  Result
	contRes  Result
	validRes bool
}

func (s *stubAuthenticator) Type() Type { return s.typ }

func (s *stubAuthenticator) Authenticate(context.Context, Credentials) Result { return s.authRes }

func (s *stubAuthenticator) Continue(context.Context, Credentials) Result { return s.contRes }

func (s *stubAuthenticator) ValidateSession(context.Context, string) bool { return s.validRes }

// stubProvider additionally serves portfolio data.
type stubProvider struct {
	stubAuthenticator
	portfolio *contracts.Portfolio
	err       error
}

func (s *stubProvider) PortfolioData(context.Context, string) (*contracts.Portfolio, error) {
	return s.portfolio, s.err
}

// recordingAudit captures attempts for assertions.
type recordingAudit struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (r *recordingAudit) Record(_ context.Context, a Attempt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, a)
	return nil
}

func TestOrchestratorUnsupportedBrokerage(t *testing.T) {
	orch := NewOrchestrator(testSecret, nil,
		&stubAuthenticator{typ: TypeSharesies})

	_, err := orch.Authenticate(context.Background(), Type("robinhood"), Credentials{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnsupportedBrokerage)
	assert.Contains(t, err.Error(), "robinhood")

	_, err = orch.Continue(context.Background(), Type("robinhood"), Credentials{})
	assert.ErrorIs(t, err, ErrUnsupportedBrokerage)

	_, err = orch.ValidateSession(context.Background(), Type("robinhood"), "u1")
	assert.ErrorIs(t, err, ErrUnsupportedBrokerage)

	_, err = orch.Portfolio(context.Background(), Type("robinhood"), "u1")
	assert.ErrorIs(t, err, ErrUnsupportedBrokerage)
}

func TestOrchestratorFailedResultIsNotAnError(t *testing.T) {
	// A credential rejection is an authentication outcome, not a dispatch
	// error; the two must stay distinguishable for the HTTP layer.
	orch := NewOrchestrator(testSecret, nil,
		&stubAuthenticator{typ: TypeSharesies, authRes: Failed("invalid email or password")})

	res, err := orch.Authenticate(context.Background(), TypeSharesies, Credentials{Username: "a@b.com"})
	require.NoError(t, err)
	assert.Equal(t, StepFailed, res.Step)
}

func TestOrchestratorIssuesDashboardTokensOnCompletion(t *testing.T) {
	orch := NewOrchestrator(testSecret, nil,
		&stubAuthenticator{
			typ:     TypeSharesies,
			authRes: Result{Authenticated: true, Step: StepCompleted, UserID: "user-42"},
		})

	res, err := orch.Authenticate(context.Background(), TypeSharesies, Credentials{Username: "a@b.com"})
	require.NoError(t, err)

	require.NotEmpty(t, res.Tokens["access_token"])
	require.NotEmpty(t, res.Tokens["refresh_token"])

	// The access token carries the user and the brokerage.
	token, err := jwt.Parse(res.Tokens["access_token"], func(tok *jwt.Token) (any, error) {
		return testSecret, nil
	})
	require.NoError(t, err)
	claims := token.Claims.(jwt.MapClaims)
	assert.Equal(t, "user-42", claims["sub"])
	assert.Equal(t, "sharesies", claims["brokerage"])
}

func TestOrchestratorNoTokensOnIntermediateSteps(t *testing.T) {
	orch := NewOrchestrator(testSecret, nil,
		&stubAuthenticator{
			typ:     TypeIBKR,
			authRes: Result{Step: StepQrCodeGenerated, SessionID: "s1"},
			contRes: Result{Step: StepAwaitingConfirmation, SessionID: "s1"},
		})

	res, err := orch.Authenticate(context.Background(), TypeIBKR, Credentials{Username: "u"})
	require.NoError(t, err)
	assert.Empty(t, res.Tokens["access_token"])

	res, err = orch.Continue(context.Background(), TypeIBKR, Credentials{SessionID: "s1"})
	require.NoError(t, err)
	assert.Empty(t, res.Tokens["access_token"])
}

func TestOrchestratorAuditsTerminalSteps(t *testing.T) {
	audit := &recordingAudit{}
	orch := NewOrchestrator(testSecret, audit,
		&stubAuthenticator{
			typ:     TypeSharesies,
			authRes: Result{Authenticated: true, Step: StepCompleted, UserID: "user-42"},
			contRes: Failed("bad MFA code"),
		},
		&stubAuthenticator{
			typ:     TypeIBKR,
			authRes: Result{Step: StepQrCodeGenerated, SessionID: "s1"},
		})

	_, err := orch.Authenticate(context.Background(), TypeSharesies,
		Credentials{Username: "a@b.com", ClientIP: "10.0.0.1"})
	require.NoError(t, err)

	_, err = orch.Continue(context.Background(), TypeSharesies,
		Credentials{Username: "a@b.com", MFACode: "000000"})
	require.NoError(t, err)

	// Intermediate steps are not audited.
	_, err = orch.Authenticate(context.Background(), TypeIBKR, Credentials{Username: "u"})
	require.NoError(t, err)

	require.Len(t, audit.attempts, 2)
	assert.True(t, audit.attempts[0].Success)
	assert.Equal(t, "10.0.0.1", audit.attempts[0].IP)
	assert.False(t, audit.attempts[1].Success)
	assert.Equal(t, "bad MFA code", audit.attempts[1].Reason)
}

func TestOrchestratorPortfolioDispatch(t *testing.T) {
	provider := &stubProvider{
		stubAuthenticator: stubAuthenticator{typ: TypeSharesies},
		portfolio:         &contracts.Portfolio{Profile: contracts.Profile{Name: "Main"}},
	}
	orch := NewOrchestrator(testSecret, nil,
		provider,
		&stubAuthenticator{typ: TypeIBKR})

	p, err := orch.Portfolio(context.Background(), TypeSharesies, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Main", p.Profile.Name)
}

func TestOrchestratorSupportedOrder(t *testing.T) {
	orch := NewOrchestrator(testSecret, nil,
		&stubAuthenticator{typ: TypeIBKR},
		&stubAuthenticator{typ: TypeSharesies})

	infos := orch.Supported()
	require.Len(t, infos, 2)
	assert.Equal(t, TypeSharesies, infos[0].Type)
	assert.Equal(t, "Sharesies", infos[0].Name)
	assert.Equal(t, TypeIBKR, infos[1].Type)
	assert.Equal(t, "Interactive Brokers", infos[1].Name)
}

func TestOrchestratorRejectsShortSecret(t *testing.T) {
	assert.Panics(t, func() {
		NewOrchestrator([]byte("short"), nil)
	})
}
