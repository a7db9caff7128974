package controllers

import (
	"context"
	"net/http"

	"github.com/keylojahq/keyloja-backend/api/responses"
	"github.com/keylojahq/keyloja-backend/pkg/config"
	"github.com/keylojahq/keyloja-backend/pkg/logger"
)

const envHeader = "X-Keyloja-Env"

type pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady reports readiness of the process's hard dependencies. A nil
// pinger is treated as not wired rather than failing, so partial deployments
// (worker without redis, for example) stay honest.
func HealthReady(cfg *config.Config, logg *logger.Logger, db, redis pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)

		checks := map[string]string{}
		healthy := true

		probe := func(name string, p pinger) {
			if p == nil {
				checks[name] = "not wired"
				return
			}
			if err := p.Ping(r.Context()); err != nil {
				checks[name] = err.Error()
				healthy = false
				if logg != nil {
					logg.Error(r.Context(), "health.ready "+name, err)
				}
				return
			}
			checks[name] = "ok"
		}

		probe("db", db)
		probe("redis", redis)

		status := "ready"
		code := http.StatusOK
		if !healthy {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		responses.WriteSuccessStatus(w, code, map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}
