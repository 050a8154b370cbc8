package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "jobrunner/pkg/logx"
)

func waitForHTTP(ctx context.Context, url string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func do(t *testing.T, h http.Handler, method, target, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, http.NoBody)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerServesSources(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "admin_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	svc := New(Config{}, Sources{
		Gatherer:  reg,
		Queues:    func() any { return map[string]int{"general": 2} },
		Schedules: func() any { return []string{"gc"} },
	}, Actions{}, logx.Nop())
	h := svc.Handler()

	if rec := do(t, h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q, want 200 ok", rec.Code, rec.Body.String())
	}

	rec := do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "admin_test_total 1") {
		t.Fatalf("metrics = %d %q", rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/queues", "")
	var queues map[string]int
	if err := json.Unmarshal(rec.Body.Bytes(), &queues); err != nil {
		t.Fatalf("decode queues: %v", err)
	}
	if queues["general"] != 2 {
		t.Fatalf("queues = %v, want general=2", queues)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}

	// Supervisor was not provided.
	if rec := do(t, h, http.MethodGet, "/supervisor", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("supervisor = %d, want 404", rec.Code)
	}
}

func TestHandlerRequiresToken(t *testing.T) {
	svc := New(Config{Token: "s3cret"}, Sources{Queues: func() any { return 1 }}, Actions{}, logx.Nop())
	h := svc.Handler()

	tests := []struct {
		name   string
		target string
		auth   string
		want   int
	}{
		{"none", "/queues", "", http.StatusUnauthorized},
		{"wrong bearer", "/queues", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/queues", "Bearer s3cret", http.StatusOK},
		{"query", "/queues?token=s3cret", "", http.StatusOK},
		{"wrong query", "/queues?token=x", "Bearer s3cret", http.StatusUnauthorized},
		{"healthz open", "/healthz", "", http.StatusOK},
		{"pprof guarded", "/debug/pprof/", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodGet, tt.target, tt.auth); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestLifecycleActions(t *testing.T) {
	var active, background int
	svc := New(Config{}, Sources{}, Actions{
		BecameActive: func(context.Context) error { active++; return nil },
		EnteredBackground: func(context.Context) error {
			background++
			return errors.New("busy")
		},
	}, logx.Nop())
	h := svc.Handler()

	if rec := do(t, h, http.MethodPost, "/lifecycle/active", ""); rec.Code != http.StatusNoContent {
		t.Fatalf("active = %d, want 204", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/lifecycle/active", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET active = %d, want 405", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/lifecycle/background", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("background = %d, want 500", rec.Code)
	}
	if active != 1 || background != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", active, background)
	}
}

func TestPprofCustomPrefix(t *testing.T) {
	svc := New(Config{PprofPrefix: "ops/pprof"}, Sources{}, Actions{}, logx.Nop())
	h := svc.Handler()

	rec := do(t, h, http.MethodGet, "/ops/pprof", "")
	if rec.Code != http.StatusPermanentRedirect || rec.Header().Get("Location") != "/ops/pprof/" {
		t.Fatalf("redirect = %d %q", rec.Code, rec.Header().Get("Location"))
	}
	rec = do(t, h, http.MethodGet, "/ops/pprof/", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "goroutine") {
		t.Fatalf("index = %d", rec.Code)
	}
}

func TestNormalizePrefix(t *testing.T) {
	tests := []struct{ in, want string }{
		{"", "/debug/pprof/"},
		{"  ", "/debug/pprof/"},
		{"x", "/x/"},
		{"/x", "/x/"},
		{"/x/", "/x/"},
	}
	for _, tt := range tests {
		if got := normalizePrefix(tt.in); got != tt.want {
			t.Fatalf("normalizePrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:9090", true},
		{"localhost:1", true},
		{"[::1]:80", true},
		{":9090", false},
		{"0.0.0.0:9090", false},
		{"10.0.0.1:9090", false},
		{"nonsense", false},
	}
	for _, tt := range tests {
		if got := isLoopbackAddr(tt.addr); got != tt.want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestServiceStartStop(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, Sources{}, Actions{}, logx.Nop())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	svc.Start(ctx)
	svc.Start(ctx)

	var addr string
	for addr == "" {
		if ctx.Err() != nil {
			t.Fatal("admin server never bound")
		}
		addr = svc.Addr()
		time.Sleep(10 * time.Millisecond)
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/healthz"); err != nil {
		t.Fatalf("healthz not reachable: %v", err)
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("body = %q, want ok", body)
	}

	svc.Stop(ctx)
	if got := svc.Addr(); got != "" {
		t.Fatalf("Addr after Stop = %q, want empty", got)
	}
	if svc.Supervisor() != nil {
		t.Fatal("supervisor should be cleared after Stop")
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, Sources{}, Actions{}, logx.Nop())
	err := svc.serveOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("serveOnce = %v, want insecure bind error", err)
	}
}
