package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrNoFederatedVerifier is returned when no upstream verifier is configured.
var ErrNoFederatedVerifier = errors.New("no federated verifier configured")

// FederatedVerifier verifies an upstream ID token and returns its identity.
type FederatedVerifier interface {
	VerifyIDToken(ctx context.Context, rawIDToken string) (FederatedIdentity, error)
}

// FederatedChain tries each verifier in order and returns the first success.
type FederatedChain []FederatedVerifier

// VerifyIDToken implements FederatedVerifier.
func (c FederatedChain) VerifyIDToken(ctx context.Context, raw string) (FederatedIdentity, error) {
	if len(c) == 0 {
		return FederatedIdentity{}, ErrNoFederatedVerifier
	}
	var errs []error
	for _, v := range c {
		id, err := v.VerifyIDToken(ctx, raw)
		if err == nil {
			return id, nil
		}
		errs = append(errs, err)
	}
	return FederatedIdentity{}, errors.Join(errs...)
}

// Verifier turns a bearer string into a Principal. Locally issued tokens are
// tried first, then federated ID tokens.
type Verifier struct {
	tokens     *TokenIssuer
	principals PrincipalStore
	federated  FederatedVerifier
	logger     *slog.Logger
}

// NewVerifier constructs a Verifier. federated may be nil.
func NewVerifier(tokens *TokenIssuer, principals PrincipalStore, federated FederatedVerifier, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if federated == nil {
		federated = FederatedChain(nil)
	}
	return &Verifier{tokens: tokens, principals: principals, federated: federated, logger: logger}
}

// Verify resolves bearer to a principal. Every failure other than a
// vanished principal carries the same description.
func (v *Verifier) Verify(ctx context.Context, bearer string) (Principal, error) {
	if bearer == "" {
		return Principal{}, NewAuthenticationError("authentication required", nil)
	}

	claims, localErr := v.tokens.ValidateAccessToken(bearer)
	if localErr == nil {
		p, err := v.principals.GetPrincipal(ctx, claims.Subject)
		if errors.Is(err, ErrPrincipalNotFound) {
			v.logger.Warn("token subject no longer resolves", "principal_id", claims.Subject)
			return Principal{}, NewAuthenticationError("principal not found", err)
		}
		if err != nil {
			return Principal{}, NewInternalError("failed to resolve principal", err)
		}
		return p, nil
	}

	p, fedErr := v.VerifyFederated(ctx, bearer)
	if fedErr == nil {
		return p, nil
	}
	if IsKind(fedErr, KindInternal) {
		return Principal{}, fedErr
	}
	v.logger.Debug("bearer verification failed", "local_error", localErr, "federated_error", fedErr)
	return Principal{}, NewAuthenticationError("invalid authentication token", nil)
}

// VerifyFederated verifies an upstream ID token and resolves or creates
// its principal. It never accepts an unverified identifier.
func (v *Verifier) VerifyFederated(ctx context.Context, rawIDToken string) (Principal, error) {
	identity, err := v.federated.VerifyIDToken(ctx, rawIDToken)
	if err != nil {
		return Principal{}, NewAuthenticationError("invalid authentication token", err)
	}
	p, err := v.principals.ResolveFederated(ctx, identity)
	if err != nil {
		return Principal{}, NewInternalError("failed to resolve principal", fmt.Errorf("resolve %s/%s: %w", identity.Provider, identity.Subject, err))
	}
	return p, nil
}
