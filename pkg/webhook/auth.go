package webhook

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// Decision is the outcome of one authenticator.
type Decision int

const (
	// Abstain means the authenticator does not recognize the credential.
	Abstain Decision = iota
	// No means the credential was recognized and rejected.
	No
	// Yes means the credential is valid.
	Yes
)

// Authenticator checks the credential of a notification request.
type Authenticator interface {
	Authenticate(r *http.Request) (Decision, error)
}

// TokenAuthenticator accepts a fixed bearer token.
type TokenAuthenticator struct {
	Token string
}

func (a TokenAuthenticator) Authenticate(r *http.Request) (Decision, error) {
	token, ok := bearer(r)
	if !ok {
		return Abstain, nil
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) == 1 {
		return Yes, nil
	}
	return Abstain, nil
}

// JWTAuthenticator accepts HS256 tokens signed with Secret. Issuer, when
// set, must match the iss claim.
type JWTAuthenticator struct {
	Secret []byte
	Issuer string
}

func (a JWTAuthenticator) Authenticate(r *http.Request) (Decision, error) {
	token, ok := bearer(r)
	if !ok || strings.Count(token, ".") != 2 {
		return Abstain, nil
	}

	opts := []jwtlib.ParserOption{jwtlib.WithValidMethods([]string{"HS256"})}
	if a.Issuer != "" {
		opts = append(opts, jwtlib.WithIssuer(a.Issuer))
	}
	parsed, err := jwtlib.Parse(token, func(t *jwtlib.Token) (any, error) {
		return a.Secret, nil
	}, opts...)
	if err != nil {
		return No, fmt.Errorf("invalid JWT: %w", err)
	}
	if !parsed.Valid {
		return No, errors.New("invalid JWT")
	}
	return Yes, nil
}

// Chain runs authenticators in order. The first Yes or No decides; when
// every authenticator abstains the result is No.
type Chain []Authenticator

func (c Chain) Authenticate(r *http.Request) (Decision, error) {
	for _, a := range c {
		d, err := a.Authenticate(r)
		if d != Abstain {
			return d, err
		}
	}
	return No, errors.New("missing or unknown credential")
}

// RequireAuth rejects requests the authenticator does not accept with 401.
// A nil authenticator lets every request through.
func RequireAuth(a Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if a == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if d, err := a.Authenticate(r); d != Yes {
				logger.Warn("notification rejected",
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
					"error", err,
				)
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}
