package auth

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// SysAdminTenant is the tenant_id claim value of a system administrator
const SysAdminTenant = "*"

// ErrForbidden is returned when a principal acts on another tenant
var ErrForbidden = errors.New("tenant not permitted")

type contextKey string

const principalKey contextKey = "principal"

// Principal is the caller identified by a validated token
type Principal struct {
	Subject  string
	TenantID uuid.UUID // uuid.Nil for a system administrator
	SysAdmin bool
}

// CanAccess reports whether the principal may act on the tenant
func (p Principal) CanAccess(tenantID uuid.UUID) bool {
	return p.SysAdmin || p.TenantID == tenantID
}

// JWTValidator handles JWT token validation
type JWTValidator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

// ParsePublicKey reads a PKCS1 or PKIX encoded RSA public key
func ParsePublicKey(publicKeyPEM []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

// NewJWTValidator creates a new JWT validator
func NewJWTValidator(publicKeyPEM []byte, issuer, audience string) (*JWTValidator, error) {
	key, err := ParsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	return &JWTValidator{publicKey: key, issuer: issuer, audience: audience}, nil
}

// ValidateToken checks signature, issuer, audience and expiry, then reads the tenant_id claim
func (v *JWTValidator) ValidateToken(tokenString string) (Principal, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		if v.publicKey == nil {
			return nil, errors.New("no verification key configured")
		}
		return v.publicKey, nil
	},
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Principal{}, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, fmt.Errorf("invalid claims")
	}
	sub, _ := claims.GetSubject()
	raw, ok := claims["tenant_id"].(string)
	if !ok || raw == "" {
		return Principal{}, fmt.Errorf("missing or invalid tenant_id claim")
	}
	if raw == SysAdminTenant {
		return Principal{Subject: sub, SysAdmin: true}, nil
	}
	tenantID, err := uuid.Parse(raw)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid tenant_id claim: %w", err)
	}
	return Principal{Subject: sub, TenantID: tenantID}, nil
}

// HTTPMiddleware returns an HTTP middleware that validates bearer tokens
func (v *JWTValidator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for probes and scrapes
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}

		p, err := v.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

// PrincipalFromContext returns the caller set by HTTPMiddleware
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

// Authorize allows the call when auth is off (no principal) or the principal covers the tenant
func Authorize(ctx context.Context, tenantID uuid.UUID) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.CanAccess(tenantID) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrForbidden, tenantID)
}

// RequireSysAdmin allows the call when auth is off or the caller is a system administrator
func RequireSysAdmin(ctx context.Context) error {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.SysAdmin {
		return nil
	}
	return fmt.Errorf("%w: system administrator required", ErrForbidden)
}
