package main

import (
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/md-rashed-zaman/reachflow/libs/httpx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type upstreams struct {
	Booking *url.URL
	Journey *url.URL
}

// registerRoutes maps the public API surface onto the booking and journey services. Only the
// anonymous slot and booking endpoints are rate limited; tenant-scoped routes must carry
// X-Tenant-Id.
func registerRoutes(mux *http.ServeMux, up upstreams, rateLimit httpx.Middleware) {
	otelTransport := otelhttp.NewTransport(http.DefaultTransport)
	bookingProxy := httputil.NewSingleHostReverseProxy(up.Booking)
	journeyProxy := httputil.NewSingleHostReverseProxy(up.Journey)
	bookingProxy.Transport = otelTransport
	journeyProxy.Transport = otelTransport

	if rateLimit == nil {
		rateLimit = func(next http.Handler) http.Handler { return next }
	}

	registerProxy(mux, "/api/v1/public", rateLimit(bookingProxy))
	registerProxy(mux, "/api/v1/bookings", requireTenant(bookingProxy))
	registerProxy(mux, "/api/v1/event-types", requireTenant(bookingProxy))
	registerProxy(mux, "/api/v1/availability", requireTenant(bookingProxy))

	registerProxy(mux, "/api/v1/journeys", requireTenant(journeyProxy))
	registerProxy(mux, "/api/v1/contacts", requireTenant(journeyProxy))
	registerProxy(mux, "/api/v1/enrollments", requireTenant(journeyProxy))
	registerProxy(mux, "/api/v1/admin/dids", requireTenant(journeyProxy))
}

func registerProxy(mux *http.ServeMux, prefix string, handler http.Handler) {
	if !strings.HasSuffix(prefix, "/") {
		mux.Handle(prefix, handler)
		mux.Handle(prefix+"/", handler)
		return
	}
	mux.Handle(prefix, handler)
}

func requireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := strings.TrimSpace(r.Header.Get("X-Tenant-Id"))
		if tenant == "" {
			httpx.WriteError(w, http.StatusBadRequest, "X-Tenant-Id header required")
			return
		}
		r.Header.Set("X-Tenant-Id", tenant)
		next.ServeHTTP(w, r)
	})
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}
