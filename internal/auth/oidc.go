package auth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/fruitsalade/workspace-sync/internal/logging"
)

// OIDCConfig holds OIDC provider configuration.
type OIDCConfig struct {
	IssuerURL string // e.g. https://auth.example.com
	ClientID  string
}

// OIDCProvider validates OIDC ID tokens issued to the chat application.
type OIDCProvider struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCProvider discovers the issuer and builds a verifier.
// Returns nil if IssuerURL is empty (OIDC disabled).
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if cfg.IssuerURL == "" {
		return nil, nil
	}

	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc provider init: %w", err)
	}

	logging.Info("OIDC provider initialized",
		zap.String("issuer", cfg.IssuerURL),
		zap.String("client_id", cfg.ClientID))

	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
	}, nil
}

// ValidateToken verifies tokenStr as an OIDC ID token and maps it to Claims.
func (o *OIDCProvider) ValidateToken(ctx context.Context, tokenStr string) (*Claims, error) {
	idToken, err := o.verifier.Verify(ctx, tokenStr)
	if err != nil {
		return nil, err
	}

	var oidcClaims struct {
		PreferredUsername string `json:"preferred_username"`
		Email             string `json:"email"`
	}
	if err := idToken.Claims(&oidcClaims); err != nil {
		return nil, fmt.Errorf("parse oidc claims: %w", err)
	}

	username := oidcClaims.PreferredUsername
	if username == "" {
		username = oidcClaims.Email
	}
	if username == "" {
		username = idToken.Subject
	}

	return &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   idToken.Subject,
			Issuer:    idToken.Issuer,
			ExpiresAt: jwt.NewNumericDate(idToken.Expiry),
		},
	}, nil
}
