package main

import (
	"net/http"

	"go.uber.org/zap"

	httphandlers "finlink/internal/interfaces/http"
	"finlink/internal/shared/config"
	"finlink/internal/shared/middleware"
)

// SetupRoutes configures all HTTP routes and returns the final handler with middleware.
func SetupRoutes(deps *Dependencies, cfg *config.Config, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health checks
	mux.HandleFunc("GET /health", httphandlers.HandleHealth)
	mux.HandleFunc("GET /ready", httphandlers.HandleReady(deps.DB))

	// Every API route acts on behalf of one client user
	clientUser := middleware.ClientUser(cfg.Server.DefaultClientUserID)
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, clientUser(h))
	}

	// Link handshake
	api("POST /api/link/session", deps.LinkHandler.HandleCreateSession)
	api("POST /api/link/exchange", deps.LinkHandler.HandleExchange)
	api("GET /api/link/state", deps.LinkHandler.HandleState)
	api("POST /api/link/exit", deps.LinkHandler.HandleExit)

	// Institution links
	api("GET /api/links", deps.LinkHandler.HandleListLinks)
	api("POST /api/links/sync", deps.LinkHandler.HandleSyncAll)
	api("POST /api/links/{id}/sync", deps.LinkHandler.HandleSync)
	api("DELETE /api/links/{id}", deps.LinkHandler.HandleDisconnect)

	// Stored data
	api("GET /api/accounts", deps.AccountHandler.HandleListAccounts)
	api("GET /api/transactions", deps.TransactionHandler.HandleListTransactions)
	api("POST /api/transactions", deps.TransactionHandler.HandleCreateTransaction)
	api("DELETE /api/transactions/{id}", deps.TransactionHandler.HandleDeleteTransaction)

	// Insights
	api("GET /api/insights/categories", deps.InsightsHandler.HandleCategories)
	api("GET /api/insights/months", deps.InsightsHandler.HandleMonths)
	api("GET /api/insights/summary", deps.InsightsHandler.HandleSummary)

	// Apply global middleware
	handler := middleware.Telemetry(
		middleware.Logging(logger)(
			middleware.CORS(cfg.Server.AllowedHosts)(
				middleware.Tracing(mux),
			),
		),
	)

	// Apply security middleware when TLS is enabled
	if cfg.TLS.Enabled {
		handler = middleware.HSTS(handler)
		logger.Info("TLS security middleware enabled (HSTS)")
	}

	return handler
}
