package auth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/wolfeidau/restodesk/internal/authz"
)

var (
	// ErrMissingToken is returned when a request carries no credential.
	ErrMissingToken = errors.New("missing bearer token")

	// ErrInvalidToken is returned when a credential fails verification.
	ErrInvalidToken = errors.New("invalid token")
)

// Verifier validates session tokens and turns them into principals.
type Verifier struct {
	publicKey *ecdsa.PublicKey
}

// NewVerifier creates a verifier from a PEM-encoded ECDSA public key.
func NewVerifier(publicKeyPEM string) (*Verifier, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("JWT public key not provided")
	}

	publicKey, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, err
	}

	return &Verifier{publicKey: publicKey}, nil
}

// Verify checks the token signature, issuer and expiry and returns the principal it describes.
func (v *Verifier) Verify(tokenString string) (authz.Principal, error) {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodES256 {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.publicKey, nil
	}, jwt.WithIssuer(Issuer), jwt.WithExpirationRequired())
	if err != nil {
		return authz.Principal{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !parsed.Valid {
		return authz.Principal{}, ErrInvalidToken
	}

	perms := make([]authz.Permission, len(claims.Permissions))
	for i, perm := range claims.Permissions {
		perms[i] = authz.Permission(perm)
	}

	return authz.Principal{
		Subject:     claims.Subject,
		Roles:       claims.Roles,
		Permissions: perms,
	}, nil
}

// Middleware attaches the verified principal to the request context.
// Requests without a credential continue unauthenticated, so guarded
// routes deny them. Requests with a bad credential are rejected with 401.
func (v *Verifier) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := ExtractToken(r)
			if tokenString == "" {
				next.ServeHTTP(w, r)
				return
			}

			principal, err := v.Verify(tokenString)
			if err != nil {
				zerolog.Ctx(r.Context()).Warn().Err(err).Msg("Failed to verify session token")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			ctx := authz.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExtractToken reads the bearer token from the Authorization header,
// falling back to the token query parameter for clients that cannot set headers.
func ExtractToken(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if ok {
			return strings.TrimSpace(token)
		}
	}

	return r.URL.Query().Get("token")
}
