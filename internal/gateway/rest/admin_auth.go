package rest

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"os"
	"slices"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AdminClaims are the JWT claims read from admin bearer tokens.
type AdminClaims struct {
	Username string   `json:"username"`
	Roles    []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier checks RSA-signed bearer tokens.
type TokenVerifier struct {
	publicKey *rsa.PublicKey
}

func NewTokenVerifier(key *rsa.PublicKey) *TokenVerifier {
	return &TokenVerifier{publicKey: key}
}

// LoadTokenVerifier reads a PEM encoded RSA public key. A PKCS#1 private
// key is accepted too, in which case its public half is used.
func LoadTokenVerifier(path string) (*TokenVerifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read admin key: %w", err)
	}
	if key, err := jwt.ParseRSAPublicKeyFromPEM(data); err == nil {
		return NewTokenVerifier(key), nil
	}
	priv, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse admin key %s: %w", path, err)
	}
	return NewTokenVerifier(&priv.PublicKey), nil
}

// Verify parses tokenString and checks its signature and expiry.
func (v *TokenVerifier) Verify(tokenString string) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AdminClaims{}, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	},
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

type adminClaimsKey struct{}

// AdminClaimsFromContext returns the claims of an authenticated admin request.
func AdminClaimsFromContext(ctx context.Context) (*AdminClaims, bool) {
	claims, ok := ctx.Value(adminClaimsKey{}).(*AdminClaims)
	return claims, ok
}

// adminOnly requires a bearer token carrying the admin or system role when a
// verifier is configured.
func (h *Handler) adminOnly(handler http.HandlerFunc) http.HandlerFunc {
	if h.verifier == nil {
		return handler
	}
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Authorization header required")
			return
		}
		tokenString, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || tokenString == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid authorization header format")
			return
		}

		claims, err := h.verifier.Verify(tokenString)
		if err != nil {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid or expired token")
			return
		}
		if !slices.Contains(claims.Roles, "admin") && !slices.Contains(claims.Roles, "system") {
			writeError(w, http.StatusForbidden, ErrCodeForbidden, "Admin access required")
			return
		}

		handler(w, r.WithContext(context.WithValue(r.Context(), adminClaimsKey{}, claims)))
	}
}
