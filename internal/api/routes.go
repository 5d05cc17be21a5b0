package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"

	"storefront/internal/auth"
	"storefront/internal/models"
	"storefront/internal/pipeline"
)

const (
	LoginPath   = "/api/v1/auth/login"
	LogoutPath  = "/api/v1/auth/logout"
	RefreshPath = "/api/v1/auth/refresh"
)

// PublicPaths never require a bearer token.
var PublicPaths = []string{"/health", "/api/v1/health", LoginPath, RefreshPath}

// RouteOption configures optional route behavior.
type RouteOption func(*mux.Router)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(r *mux.Router) {
		r.Use(otelmux.Middleware(serviceName,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" &&
					r.URL.Path != "/api/v1/health"
			}),
		))
	}
}

// SetupRoutes configures the HTTP routes for the API. When security is
// non-nil it wraps the whole router, so unmatched paths and methods are
// rate limited the same as routed ones.
func SetupRoutes(handlers *Handlers, security *pipeline.Pipeline, opts ...RouteOption) http.Handler {
	router := mux.NewRouter()

	for _, opt := range opts {
		opt(router)
	}
	var events *auth.EventLogger
	if security != nil {
		events = security.Events
	}

	router.HandleFunc("/health", handlers.HealthCheck).Methods("GET")
	router.HandleFunc("/api/v1/health", handlers.HealthCheck).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/login", handlers.Login).Methods("POST")
	api.HandleFunc("/auth/refresh", handlers.Refresh).Methods("POST")
	api.Handle("/auth/logout", auth.RequireIdentity(http.HandlerFunc(handlers.Logout))).Methods("POST")

	api.HandleFunc("/products", handlers.ListProducts).Methods("GET")
	api.HandleFunc("/products/{product_id}", handlers.GetProduct).Methods("GET")

	api.HandleFunc("/inventory/{product_id}", handlers.GetInventory).Methods("GET")
	api.Handle("/inventory/{product_id}",
		auth.RequireRole(events, models.RoleAdmin, models.RoleStaff)(http.HandlerFunc(handlers.SetInventory)),
	).Methods("PUT")

	orders := api.PathPrefix("/orders").Subrouter()
	orders.Use(auth.RequireIdentity)
	orders.HandleFunc("", handlers.CreateOrder).Methods("POST")
	orders.HandleFunc("/{order_id}", handlers.GetOrder).Methods("GET")
	orders.HandleFunc("/{order_id}/cancel", handlers.CancelOrder).Methods("POST")

	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)
	router.NotFoundHandler = http.HandlerFunc(notFoundHandler)

	var h http.Handler = router
	if security != nil {
		h = security.Handler(h)
	}
	return recoveryMiddleware(loggingMiddleware(h))
}

// methodNotAllowedHandler handles requests with invalid HTTP methods
func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusMethodNotAllowed)
	json.NewEncoder(w).Encode(models.NewErrorResponse("Method not allowed"))
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	json.NewEncoder(w).Encode(models.NewErrorResponse("Not found"))
}
