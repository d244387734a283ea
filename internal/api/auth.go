package api

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"net/http"
	"strings"
)

const (
	bearerPrefix = "Bearer "
	tokenLength  = 32
	tokenChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
)

// BearerAuth rejects requests whose Authorization header does not carry the
// given token.
func BearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix)
			if !ok || len(want) == 0 || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="blitzid"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GenerateBearerToken returns a random 32 character alphanumeric token.
func GenerateBearerToken() (string, error) {
	max := big.NewInt(int64(len(tokenChars)))
	var sb strings.Builder
	sb.Grow(tokenLength)
	for range tokenLength {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		sb.WriteByte(tokenChars[n.Int64()])
	}
	return sb.String(), nil
}
