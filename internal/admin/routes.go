package admin

import (
	"context"
	"encoding/json"
	"net/http"
	hpprof "net/http/pprof"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "jobrunner/pkg/logx"
)

const stdPprofPrefix = "/debug/pprof/"

// Handler builds the admin mux. /healthz is never authenticated.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	guard := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(s.cfg.Token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	if s.src.Gatherer != nil {
		mux.Handle("GET /metrics", guard(promhttp.HandlerFor(s.src.Gatherer, promhttp.HandlerOpts{}).ServeHTTP))
	}
	for path, fn := range map[string]func() any{
		"GET /queues":    s.src.Queues,
		"GET /schedules": s.src.Schedules,
	} {
		if fn != nil {
			mux.HandleFunc(path, guard(serveJSON(fn)))
		}
	}
	if s.src.Supervisor != nil {
		mux.HandleFunc("GET /supervisor", guard(serveJSON(func() any { return s.src.Supervisor() })))
	}
	if s.act.BecameActive != nil {
		mux.HandleFunc("POST /lifecycle/active", guard(s.action("became_active", s.act.BecameActive)))
	}
	if s.act.EnteredBackground != nil {
		mux.HandleFunc("POST /lifecycle/background", guard(s.action("entered_background", s.act.EnteredBackground)))
	}

	prefix := normalizePrefix(s.cfg.PprofPrefix)
	base := strings.TrimSuffix(prefix, "/")
	mux.HandleFunc(prefix, guard(pprofIndexAt(prefix)))
	for name, h := range map[string]http.HandlerFunc{
		"cmdline": hpprof.Cmdline,
		"profile": hpprof.Profile,
		"symbol":  hpprof.Symbol,
		"trace":   hpprof.Trace,
	} {
		mux.HandleFunc(base+"/"+name, guard(h))
	}
	mux.HandleFunc(base, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, prefix, http.StatusPermanentRedirect)
	})
	return mux
}

func serveJSON(fn func() any) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(fn())
	}
}

func (s *Service) action(name string, fn func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(r.Context()); err != nil {
			s.log.Warn("admin action failed", logx.String("action", name), logx.Err(err))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.log.Info("admin action", logx.String("action", name), logx.String("remote", r.RemoteAddr))
		w.WriteHeader(http.StatusNoContent)
	}
}

// normalizePrefix returns an absolute path with a trailing slash.
func normalizePrefix(prefix string) string {
	p := strings.Trim(strings.TrimSpace(prefix), "/")
	if p == "" {
		return stdPprofPrefix
	}
	return "/" + p + "/"
}

// pprofIndexAt serves pprof.Index under prefix. Index resolves profile
// names relative to /debug/pprof/, so the path is rewritten first.
func pprofIndexAt(prefix string) http.HandlerFunc {
	canon := normalizePrefix(prefix)
	return func(w http.ResponseWriter, r *http.Request) {
		r2 := r.Clone(r.Context())
		r2.URL.Path = stdPprofPrefix + strings.TrimPrefix(r.URL.Path, canon)
		hpprof.Index(w, r2)
	}
}
