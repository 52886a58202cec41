package auth

import (
	"net/http"

	"github.com/go-chi/jwtauth/v5"
)

// NewAuthenticator returns the middlewares that verify HS256 signed bearer tokens on the
// control plane. No middlewares are returned when secret is empty.
func NewAuthenticator(secret string) []func(http.Handler) http.Handler {
	if secret == "" {
		return nil
	}

	tokenAuth := jwtauth.New("HS256", []byte(secret), nil)

	return []func(http.Handler) http.Handler{
		jwtauth.Verifier(tokenAuth),
		jwtauth.Authenticator,
	}
}
