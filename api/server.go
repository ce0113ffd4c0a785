/*
server.go - HTTP router and middleware configuration

Wires URLs to handlers. The middleware stack is RequestID, RealIP, the
zerolog request logger, Recoverer, and CORS; every /api route runs
behind the actor resolver, which turns X-User-ID into a core.Actor and
refuses requests without one. /health, /ready, and /metrics stay
outside it for the probes.
*/

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterOptions tune the HTTP surface.
type RouterOptions struct {
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID"},
		AllowCredentials: true,
	}))

	// Probes and metrics, unauthenticated.
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(h.resolveActor)

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.PostPayment)
			r.Get("/", h.ListPayments)
			r.Get("/{id}", h.GetPayment)
			r.Post("/{id}/reverse", h.ReversePayment)
		})

		r.Route("/members", func(r chi.Router) {
			r.Post("/", h.RegisterMember)
			r.Get("/{id}", h.GetMember)
			r.Get("/{id}/debt", h.GetDebt)
			r.Post("/{id}/cancel", h.CancelMember)
			r.Put("/{id}/fees", h.SetMemberFees)
		})

		r.Route("/cash", func(r chi.Router) {
			r.Post("/arqueo", h.Arqueo)
			r.Post("/petty-deposit", h.PettyDeposit)
			r.Post("/vault-ingress", h.VaultIngress)
			r.Post("/vault-egress", h.VaultEgress)
			r.Post("/commission-payout", h.CommissionPayout)
			r.Get("/boxes", h.ListBoxes)
			r.Get("/boxes/{target}/detail", h.MovementDetail)
		})

		r.Get("/groups/{id}/pricing", h.GroupPricing)
		r.Get("/ledger/entries", h.LedgerEntries)
		r.Get("/agents/{id}/commission", h.CommissionReport)
	})

	return r
}
