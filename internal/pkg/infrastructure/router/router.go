package router

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"github.com/rs/cors"
	"github.com/samber/lo"
)

type Config struct {
	// AllowedOrigins lists the browser origins that may call the control plane. An empty
	// list accepts any origin but never with credentials.
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

// ParseOrigins splits a comma separated origin list, such as the value of an
// environment variable.
func ParseOrigins(value string) []string {
	origins := lo.Map(strings.Split(value, ","), func(o string, _ int) string {
		return strings.TrimRight(strings.TrimSpace(o), "/")
	})
	return lo.Compact(origins)
}

// AllowsOrigin reports if a request carrying origin may use the service. Requests
// without an Origin header, like the ones sent by lock controllers, are always allowed.
func (c Config) AllowsOrigin(origin string) bool {
	if origin == "" || len(c.AllowedOrigins) == 0 {
		return true
	}
	return lo.Contains(c.AllowedOrigins, "*") || lo.Contains(c.AllowedOrigins, strings.TrimRight(origin, "/"))
}

func New(serviceName string, cfg Config) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)

	options := cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}

	if len(cfg.AllowedOrigins) > 0 && !lo.Contains(cfg.AllowedOrigins, "*") {
		options.AllowedOrigins = nil
		options.AllowOriginFunc = cfg.AllowsOrigin
		options.AllowCredentials = true
	}

	r.Use(cors.New(options).Handler)
	r.Use(otelchi.Middleware(serviceName, otelchi.WithChiRoutes(r)))

	return r
}
