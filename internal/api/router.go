/**
 * @description
 * This file sets up the HTTP router for the vault-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * authentication middleware: internal-key routes for the web backend (vault
 * administration, grading oracle, migration overrides) and wallet-JWT routes
 * for students (deposits, claims).
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS for the browser-facing endpoints.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// VaultRoutes creates and returns a new router for the vault service.
func VaultRoutes(h *VaultHandlers, jwksURL string, internalKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})
	r.Get("/version", h.VersionHandler)

	// Public reads
	r.Get("/vaults/{courseId}", h.GetVaultHandler)
	r.Get("/vaults/{courseId}/students/{address}/can-submit", h.CanSubmitHandler)
	r.Get("/vaults/{courseId}/guides/{guideNumber}/students/{address}", h.GuideStatusHandler)

	// Server-to-server routes for the learn.tg web backend.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalKey))

		r.Post("/vaults", h.CreateVaultHandler)
		r.Post("/vaults/{courseId}/guides/{guideNumber}/submissions", h.SubmitGuideResultHandler)
		r.Get("/treasury/balance", h.TreasuryBalanceHandler)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/withdrawals", h.WithdrawHandler)
			r.Put("/guide-paid", h.SetGuidePaidHandler)
			r.Put("/vaults/{courseId}/balance", h.SetVaultBalanceHandler)
		})
	})

	// Wallet-authenticated student routes.
	r.Group(func(r chi.Router) {
		r.Use(WalletAuthMiddleware(jwksURL))

		r.Post("/vaults/{courseId}/deposits", h.DepositHandler)
		r.Post("/vaults/{courseId}/guides/{guideNumber}/claim", h.ClaimScholarshipHandler)
	})

	return r
}
