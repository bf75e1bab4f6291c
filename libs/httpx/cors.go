package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CORSPolicy defines the CORS headers to emit for matching origins.
//
// Origins are exact ("https://app.reachflow.io"), "*", or a subdomain wildcard
// ("https://*.bookings.reachflow.io"). TenantOrigins allows origins for a single tenant, so a
// booking widget embedded on a tenant's own site is accepted for that tenant only. The tenant
// comes from X-Tenant-Id or, on preflights which never carry custom headers, the tenant_id
// query parameter.
type CORSPolicy struct {
	AllowedOrigins   []string
	TenantOrigins    map[string][]string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

// WithCORS adds CORS handling. With no origins configured it is a no-op.
func WithCORS(cfg CORSPolicy) Middleware {
	p := compileCORS(cfg)
	if p.global.empty() && len(p.tenants) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			headers := w.Header()
			headers.Add("Vary", "Origin")
			if len(p.tenants) > 0 {
				headers.Add("Vary", TenantHeader)
			}

			allowOrigin, ok := p.allow(r, origin)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			p.writeHeaders(headers, allowOrigin)

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type corsPolicy struct {
	global      originSet
	tenants     map[string]originSet
	methods     string
	headers     string
	maxAge      string
	credentials bool
}

func compileCORS(cfg CORSPolicy) corsPolicy {
	p := corsPolicy{
		global:      newOriginSet(cfg.AllowedOrigins),
		tenants:     make(map[string]originSet, len(cfg.TenantOrigins)),
		methods:     strings.Join(normalizeList(cfg.AllowedMethods), ", "),
		credentials: cfg.AllowCredentials,
	}
	for tenant, origins := range cfg.TenantOrigins {
		tenant = strings.TrimSpace(tenant)
		if set := newOriginSet(origins); tenant != "" && !set.empty() {
			p.tenants[tenant] = set
		}
	}
	headerList := normalizeList(cfg.AllowedHeaders)
	if len(headerList) == 0 {
		headerList = []string{"Content-Type", RequestIDHeader, TenantHeader}
	}
	p.headers = strings.Join(headerList, ", ")
	if secs := int(cfg.MaxAge.Seconds()); secs > 0 {
		p.maxAge = strconv.Itoa(secs)
	}
	return p
}

// allow returns the Access-Control-Allow-Origin value for origin. A bare "*" is only echoed
// back literally when credentials are off.
func (p corsPolicy) allow(r *http.Request, origin string) (string, bool) {
	wildcard, ok := p.global.match(origin)
	if !ok {
		if set, found := p.tenants[corsTenant(r)]; found {
			wildcard, ok = set.match(origin)
		}
	}
	switch {
	case !ok:
		return "", false
	case wildcard && !p.credentials:
		return "*", true
	default:
		return origin, true
	}
}

func (p corsPolicy) writeHeaders(h http.Header, allowOrigin string) {
	h.Set("Access-Control-Allow-Origin", allowOrigin)
	if p.credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if p.methods != "" {
		h.Set("Access-Control-Allow-Methods", p.methods)
	}
	if p.headers != "" {
		h.Set("Access-Control-Allow-Headers", p.headers)
	}
	if p.maxAge != "" {
		h.Set("Access-Control-Max-Age", p.maxAge)
	}
	h.Set("Access-Control-Expose-Headers", RequestIDHeader)
	h.Add("Vary", "Access-Control-Request-Method")
	h.Add("Vary", "Access-Control-Request-Headers")
}

func corsTenant(r *http.Request) string {
	if tenant := TenantFromRequest(r); tenant != "" {
		return tenant
	}
	return strings.TrimSpace(r.URL.Query().Get("tenant_id"))
}

type originSet struct {
	any   bool
	exact map[string]struct{}
	// subdomain wildcards split as "https://" and ".bookings.reachflow.io"
	wild [][2]string
}

func newOriginSet(values []string) originSet {
	s := originSet{exact: map[string]struct{}{}}
	for _, v := range normalizeList(values) {
		v = strings.ToLower(strings.TrimSuffix(v, "/"))
		if v == "*" {
			s.any = true
			continue
		}
		if scheme, domain, ok := strings.Cut(v, "://*."); ok && domain != "" {
			s.wild = append(s.wild, [2]string{scheme + "://", "." + domain})
			continue
		}
		s.exact[v] = struct{}{}
	}
	return s
}

func (s originSet) empty() bool {
	return !s.any && len(s.exact) == 0 && len(s.wild) == 0
}

// match reports whether origin is allowed and whether only the "*" entry allowed it.
func (s originSet) match(origin string) (wildcard, ok bool) {
	o := strings.ToLower(origin)
	if _, found := s.exact[o]; found {
		return false, true
	}
	for _, w := range s.wild {
		sub, found := strings.CutPrefix(o, w[0])
		if found && strings.HasSuffix(sub, w[1]) && len(sub) > len(w[1]) {
			return false, true
		}
	}
	return s.any, s.any
}

func normalizeList(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		out = append(out, trimmed)
	}
	return out
}
