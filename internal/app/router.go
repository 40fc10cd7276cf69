package app

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"settld-gateway/internal/gates/handler"
	"settld-gateway/internal/infrastructure/auth"
	"settld-gateway/internal/tokens/keyset"
	"settld-gateway/pkg/errors"
	"settld-gateway/pkg/httputil"
	"settld-gateway/pkg/log"
)

// Router assembles the API surface: gate lifecycle, holds, ops, receiver,
// well-known keyset, health, and metrics.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger(a.logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(a.cfg.APP.Timeout))
	r.Use(chimiddleware.Heartbeat("/health"))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
	}))

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler())

	r.Get("/ready", a.handleReady)
	r.Handle("/metrics", a.metrics.Handler())
	r.Get("/.well-known/settldpay-keyset", a.handleKeyset)

	gateHandler := handler.NewGateHandler(a.service)
	apiAuth := a.auth.Middleware(auth.ScopeAPI)
	opsAuth := auth.OpsMiddleware(a.auth, a.ops)

	r.Group(func(r chi.Router) {
		r.Use(apiAuth)
		r.Mount("/x402", gateHandler.Routes(opsAuth))
	})

	r.Group(func(r chi.Router) {
		r.Use(opsAuth)
		r.Post("/ops/token", a.handleOpsToken)
		r.Post("/ops/maintenance/holdback/run", a.handleHoldbackRun)
		r.Post("/ops/maintenance/reconcile/run", a.handleReconcileRun)
		r.Post("/ops/outbox/run", a.handleOutboxRun)
	})

	r.Mount("/deliveries", a.receiver.Routes())

	return otelhttp.NewHandler(r, "settld-api")
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := a.store.Ping(r.Context()); err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"ok": true})
}

// handleKeyset serves the active JWKS with the cache lifetime clients must
// honor before re-fetching.
func (a *App) handleKeyset(w http.ResponseWriter, r *http.Request) {
	snapshot := a.keyset.Active(r.Context())
	local := snapshot.Merge(keyset.SnapshotForSigningKey(a.signer))
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d", int(a.cfg.Keyset.CacheTTL.Seconds())))
	render.JSON(w, r, local.JWKS())
}

// handleOpsToken mints a short-lived ops JWT for automation that should not
// hold the long-lived ops API key.
func (a *App) handleOpsToken(w http.ResponseWriter, r *http.Request) {
	if !a.ops.Enabled() {
		httputil.RespondError(w, r, errors.ErrStoreUnavailable.
			WithMessage("ops token service is not configured"))
		return
	}
	token, err := a.ops.Mint(a.cfg.APP.TenantID)
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"ok": true, "token": token})
}

func (a *App) handleHoldbackRun(w http.ResponseWriter, r *http.Request) {
	released, err := a.scheduler.RunHoldbackSweep(r.Context())
	if err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"ok": true, "released": released})
}

func (a *App) handleReconcileRun(w http.ResponseWriter, r *http.Request) {
	if err := a.scheduler.RunReconciliation(r.Context()); err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"ok": true})
}

func (a *App) handleOutboxRun(w http.ResponseWriter, r *http.Request) {
	if err := a.scheduler.RunOutboxPump(r.Context()); err != nil {
		httputil.RespondError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"ok": true})
}

// requestLogger attaches a per-request logger and emits one access line.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := chimiddleware.GetReqID(r.Context())
			reqLogger := logger.With(zap.String("request_id", requestID))
			ctx := log.ContextWithLogger(r.Context(), reqLogger)

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			reqLogger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
			)
		})
	}
}
