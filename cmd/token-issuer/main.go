// Command token-issuer mints RS256 admin tokens for local development.
// The housekeeper service validates them with the key served at /public-key.pem.
package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/austindbirch/housekeeper/internal/auth"
	"github.com/austindbirch/housekeeper/internal/logging"
)

const defaultTTL = time.Hour

type issuer struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
	now      func() time.Time
}

// loadKey parses a PKCS1 private key, or generates one when pemData is empty
func loadKey(pemData string) (*rsa.PrivateKey, error) {
	if pemData == "" {
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM private key")
	}
	return x509.ParsePKCS1PrivateKey(block.Bytes)
}

func (i *issuer) publicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&i.key.PublicKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

type tokenRequest struct {
	TenantID string `json:"tenant_id"` // a tenant uuid, or "*" for a sysadmin token
	Subject  string `json:"subject,omitempty"`
	TTL      int    `json:"ttl_seconds,omitempty"`
}

func (i *issuer) sign(req tokenRequest) (string, time.Duration, error) {
	if req.TenantID == "" {
		return "", 0, errors.New("tenant_id is required")
	}
	if req.TenantID != auth.SysAdminTenant {
		if _, err := uuid.Parse(req.TenantID); err != nil {
			return "", 0, fmt.Errorf("tenant_id must be a uuid or %q", auth.SysAdminTenant)
		}
	}
	ttl := defaultTTL
	if req.TTL > 0 {
		ttl = time.Duration(req.TTL) * time.Second
	}
	sub := req.Subject
	if sub == "" {
		sub = req.TenantID
	}

	now := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss":       i.issuer,
		"aud":       i.audience,
		"sub":       sub,
		"tenant_id": req.TenantID,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
	})
	s, err := token.SignedString(i.key)
	return s, ttl, err
}

func (i *issuer) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/public-key.pem", i.publicKeyHandler)
	r.Post("/token", i.createTokenHandler)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (i *issuer) publicKeyHandler(w http.ResponseWriter, r *http.Request) {
	b, err := i.publicKeyPEM()
	if err != nil {
		http.Error(w, "failed to encode public key", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Cache-Control", "public, max-age=300")
	_, _ = w.Write(b)
}

func (i *issuer) createTokenHandler(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	token, ttl, err := i.sign(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
		"token_type": "Bearer",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	logger := logging.New("token-issuer")

	key, err := loadKey(os.Getenv("JWT_PRIVATE_KEY"))
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to load signing key")
	}
	iss := &issuer{
		key:      key,
		issuer:   getenv("JWT_ISSUER", "housekeeper"),
		audience: getenv("JWT_AUDIENCE", "housekeeper-admin"),
		now:      time.Now,
	}

	// Write the public key where the housekeeper service can read it
	if path := os.Getenv("JWT_PUBLIC_KEY_FILE"); path != "" {
		b, err := iss.publicKeyPEM()
		if err == nil {
			err = os.WriteFile(path, b, 0o644)
		}
		if err != nil {
			logger.Plain().WithError(err).Fatal("Failed to write public key")
		}
		logger.Plain().WithField("path", path).Info("public key written")
	}

	addr := ":" + getenv("PORT", "8082")
	srv := &http.Server{Addr: addr, Handler: iss.routes(), ReadHeaderTimeout: 10 * time.Second}
	logger.Plain().WithFields(map[string]any{"addr": addr, "issuer": iss.issuer, "audience": iss.audience}).Info("token issuer starting")
	if err := srv.ListenAndServe(); err != nil {
		logger.Plain().WithError(err).Fatal("Server failed")
	}
}
