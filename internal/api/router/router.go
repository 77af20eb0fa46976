// Package router wires the HTTP surface: public provider webhooks and
// the collaborator API the external gateway fronts. Auth lives in that
// gateway, not here.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/voicelane/voicelane/internal/balance"
	"github.com/voicelane/voicelane/internal/http/handlers"
	httpmiddleware "github.com/voicelane/voicelane/internal/http/middleware"
	"github.com/voicelane/voicelane/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Logger             *logging.Logger
	Webhooks           *handlers.WebhookHandler
	Campaigns          *handlers.CampaignHandler
	Tenants            *handlers.TenantHandler
	TestCall           *handlers.TestCallHandler
	BalanceStream      *balance.Handler
	MetricsHandler     http.Handler
	CORSAllowedOrigins []string

	// WebhookRatePerSecond throttles the public webhook routes per IP.
	// Zero disables the limiter.
	WebhookRatePerSecond float64
	WebhookBurst         int
}

// New builds the chi router with all routes configured.
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(httpmiddleware.CORS(cfg.CORSAllowedOrigins))
	}
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints: provider webhooks, health, metrics.
	r.Group(func(public chi.Router) {
		public.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		})
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}

		if cfg.Webhooks != nil {
			public.Route("/webhooks", func(wh chi.Router) {
				if cfg.WebhookRatePerSecond > 0 {
					wh.Use(httpmiddleware.RateLimit(cfg.WebhookRatePerSecond, cfg.WebhookBurst))
				}
				wh.Route("/plivo", func(p chi.Router) {
					p.Post("/ring", cfg.Webhooks.HandlePlivoRing)
					p.Post("/answer", cfg.Webhooks.HandlePlivoAnswer)
					p.Post("/hangup", cfg.Webhooks.HandlePlivoHangup)
					p.Post("/recording", cfg.Webhooks.HandlePlivoRecording)
				})
				wh.Route("/twilio", func(t chi.Router) {
					t.Post("/answer", cfg.Webhooks.HandleTwilioAnswer)
					t.Post("/status", cfg.Webhooks.HandleTwilioStatus)
					t.Post("/recording", cfg.Webhooks.HandleTwilioRecording)
				})
			})
		}
	})

	// Collaborator API, consumed by the external gateway.
	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(httpmiddleware.TenantContext)
		if cfg.Campaigns != nil {
			v1.Route("/campaigns", func(c chi.Router) {
				c.Post("/", cfg.Campaigns.HandleCreate)
				c.Route("/{campaignID}", func(cc chi.Router) {
					cc.Post("/pause", cfg.Campaigns.HandlePause)
					cc.Post("/resume", cfg.Campaigns.HandleResume)
					cc.Post("/cancel", cfg.Campaigns.HandleCancel)
					cc.Get("/progress", cfg.Campaigns.HandleProgress)
					cc.Get("/report", cfg.Campaigns.HandleReport)
				})
			})
		}
		if cfg.TestCall != nil {
			v1.Post("/calls/test", cfg.TestCall.HandleTestCall)
		}
		v1.Route("/tenants/{tenantID}", func(t chi.Router) {
			if cfg.Tenants != nil {
				t.Get("/calls", cfg.Tenants.HandleCalls)
				t.Get("/history", cfg.Tenants.HandleHistory)
			}
			if cfg.BalanceStream != nil {
				t.Get("/balance/stream", cfg.BalanceStream.HandleStream)
			}
		})
	})

	return r
}
