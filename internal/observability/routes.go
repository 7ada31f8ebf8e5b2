package observability

import (
	"crypto/subtle"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultPprofPrefix = "/debug/pprof/"

// Handler builds the routes for cfg. Every route sits behind the token when one is set.
func (s *Server) Handler(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(tokenGate(cfg.Token))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	if cfg.Pprof {
		mountPprof(r, normalizePrefix(cfg.PprofPrefix))
	}
	return r
}

func mountPprof(r chi.Router, prefix string) {
	bare := strings.TrimSuffix(prefix, "/")
	r.HandleFunc(bare, func(w http.ResponseWriter, req *http.Request) {
		http.Redirect(w, req, prefix, http.StatusPermanentRedirect)
	})
	r.HandleFunc(prefix+"cmdline", hpprof.Cmdline)
	r.HandleFunc(prefix+"profile", hpprof.Profile)
	r.HandleFunc(prefix+"symbol", hpprof.Symbol)
	r.HandleFunc(prefix+"trace", hpprof.Trace)
	// pprof.Index resolves profile names relative to /debug/pprof/.
	r.HandleFunc(prefix+"*", func(w http.ResponseWriter, req *http.Request) {
		req = req.Clone(req.Context())
		req.URL.Path = defaultPprofPrefix + strings.TrimPrefix(req.URL.Path, prefix)
		hpprof.Index(w, req)
	})
}

// tokenGate accepts "Authorization: Bearer <token>" or "?token=<token>".
func tokenGate(token string) func(http.Handler) http.Handler {
	want := []byte(strings.TrimSpace(token))
	return func(next http.Handler) http.Handler {
		if len(want) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				bearer, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
				got = strings.TrimSpace(bearer)
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func normalizePrefix(prefix string) string {
	p := strings.Trim(strings.TrimSpace(prefix), "/")
	if p == "" {
		return defaultPprofPrefix
	}
	return "/" + p + "/"
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
