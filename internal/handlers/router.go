package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"

	mW "github.com/ruralpay/cardengine/internal/middleware"
	"github.com/ruralpay/cardengine/internal/services"
)

type RouterConfig struct {
	CORSOrigins []string
	// SwaggerURL points the UI at doc.json. Empty disables the docs route.
	SwaggerURL string
}

func pathParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// NewRouter mounts every API route under /api/v1.
func NewRouter(engine *services.Engine, auth *mW.Authenticator, cfg RouterConfig) http.Handler {
	terminal := NewTerminalHandler(engine)
	cards := NewCardHandler(engine)
	vendors := NewVendorHandler(engine)
	admin := NewAdminHandler(engine)
	settlement := NewSettlementHandler(engine)
	qr := NewQRHandler()

	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(mW.AccessLog)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(60 * time.Second))

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := engine.Store().Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	if cfg.SwaggerURL != "" {
		r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL(cfg.SwaggerURL)))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Route("/terminal", func(r chi.Router) {
			r.Use(mW.RequireRole(mW.RoleTerminal, mW.RoleAdmin))
			r.Post("/challenges", terminal.IssueChallenge)
			r.Post("/authorize", terminal.Authorize)
			r.Post("/transactions/{txId}/capture", terminal.Capture)
			r.Post("/offline-sync", terminal.SyncOffline)
		})

		r.Route("/cards", func(r chi.Router) {
			r.Use(mW.RequireRole(mW.RoleUser, mW.RoleTerminal, mW.RoleAdmin))
			r.Post("/activate", cards.Activate)
			r.Group(func(r chi.Router) {
				r.Use(mW.RequireRole(mW.RoleUser, mW.RoleAdmin))
				r.Get("/{cardId}", cards.GetCard)
				r.Get("/{cardId}/transactions", cards.ListTransactions)
				r.Post("/{cardId}/reload", cards.Reload)
				r.Post("/{cardId}/pin", cards.SetPIN)
				r.Post("/{cardId}/suspend", cards.Suspend)
			})
		})

		r.With(mW.RequireRole(mW.RoleUser, mW.RoleVendor, mW.RoleAdmin)).Post("/qr/process", qr.ProcessQR)

		r.Route("/vendor", func(r chi.Router) {
			r.Use(mW.RequireRole(mW.RoleVendor, mW.RoleAdmin))
			r.Post("/sales", vendors.RecordSale)
			r.Post("/returns", vendors.ReturnCard)
			r.Post("/damaged", vendors.RecordDamaged)
			r.Post("/reloads", vendors.AgentReload)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(mW.RequireRole(mW.RoleAdmin))

			r.Get("/programs", admin.ListPrograms)
			r.Post("/programs", admin.CreateProgram)
			r.Get("/programs/{programId}", admin.GetProgram)
			r.Put("/programs/{programId}", admin.UpdateProgram)
			r.Post("/programs/{programId}/publish", admin.PublishProgram)
			r.Post("/programs/{programId}/retire", admin.RetireProgram)

			r.Get("/batches", admin.ListBatches)
			r.Post("/batches", admin.CreateBatch)
			r.Get("/batches/{batchId}", admin.GetBatch)
			r.Post("/batches/{batchId}/cards", admin.ProvisionCard)
			r.Post("/batches/{batchId}/issue", admin.IssueCards)

			r.Post("/vendors", admin.CreateVendor)
			r.Post("/vendors/{vendorId}/inventory", admin.AssignInventory)
			r.Get("/vendors/{vendorId}/reconciliation", admin.ReconcileVendor)

			r.Post("/cards/{cardId}/replace", admin.ReplaceCard)
			r.Post("/cards/{cardId}/rekey", admin.RekeyCard)
			r.Post("/cards/{cardId}/{action}", admin.ChangeCardState)

			r.Post("/transactions/{txId}/reverse", admin.ReverseTransaction)
			r.Post("/transactions/{txId}/refund", admin.RefundTransaction)
			r.Post("/reloads/{txId}/confirm", admin.ConfirmReload)
			r.Post("/reloads/{txId}/fail", admin.FailReload)

			r.Get("/fraud-rules", admin.ListFraudRules)
			r.Put("/fraud-rules/{ruleId}", admin.UpsertFraudRule)

			r.Get("/keys", admin.ListKeys)
			r.Post("/keys/{keyId}/revoke", admin.RevokeKey)

			r.Post("/settlements", settlement.Settle)
			r.Get("/settlements/{batchId}", settlement.GetBatch)
			r.Get("/settlements/{batchId}/pacs008", settlement.ExportPacs008)
			r.Post("/settlements/{batchId}/status", settlement.StatusReport)
		})
	})

	return r
}
