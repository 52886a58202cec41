package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/matryer/is"
)

func TestParseOrigins(t *testing.T) {
	is := is.New(t)

	is.Equal([]string{"https://ops.example.com", "http://localhost:3000"}, ParseOrigins(" https://ops.example.com/, ,http://localhost:3000"))
	is.Equal(0, len(ParseOrigins("")))
}

func TestAllowsOrigin(t *testing.T) {
	is := is.New(t)

	open := Config{}
	is.True(open.AllowsOrigin("https://anywhere.example.com"))

	restricted := Config{AllowedOrigins: []string{"https://ops.example.com"}}
	is.True(restricted.AllowsOrigin(""))
	is.True(restricted.AllowsOrigin("https://ops.example.com/"))
	is.True(!restricted.AllowsOrigin("https://evil.example.com"))
}

func TestCorsHeadersFollowConfiguredOrigins(t *testing.T) {
	is := is.New(t)

	r := New("router-test", Config{AllowedOrigins: []string{"https://ops.example.com"}})
	r.Get("/api/v0/devices", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	allowed := preflight(r, "https://ops.example.com")
	is.Equal("https://ops.example.com", allowed.Header().Get("Access-Control-Allow-Origin"))
	is.Equal("true", allowed.Header().Get("Access-Control-Allow-Credentials"))

	refused := preflight(r, "https://evil.example.com")
	is.Equal("", refused.Header().Get("Access-Control-Allow-Origin"))
}

func TestAnyOriginWithoutCredentialsByDefault(t *testing.T) {
	is := is.New(t)

	r := New("router-test", Config{})
	r.Get("/api/v0/devices", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	w := preflight(r, "https://anywhere.example.com")
	is.Equal("*", w.Header().Get("Access-Control-Allow-Origin"))
	is.Equal("", w.Header().Get("Access-Control-Allow-Credentials"))
}

func preflight(h http.Handler, origin string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodOptions, "/api/v0/devices", nil)
	req.Header.Set("Origin", origin)
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}
