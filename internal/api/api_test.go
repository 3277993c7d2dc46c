package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/skillfence/skillfence/internal/executor"
	"github.com/skillfence/skillfence/internal/ratelimit"
	"github.com/skillfence/skillfence/internal/skill"
)

func newTestServer(t *testing.T, limiter *ratelimit.Limiter) *Server {
	t.Helper()
	exec := executor.New(executor.Options{
		Loader:  skill.NewLoader(nil),
		Limiter: limiter,
	})
	return NewServer(exec)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, ratelimit.NewDefault())
	w := do(t, s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("health = %d", w.Code)
	}
}

func TestStats(t *testing.T) {
	limiter := ratelimit.NewDefault()
	limiter.RecordStart("u1")
	s := newTestServer(t, limiter)

	w := do(t, s, http.MethodGet, "/api/stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("stats = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"global_concurrent":1`) {
		t.Errorf("body = %s", w.Body.String())
	}
	limiter.RecordEnd("u1")
}

func TestStatsWithoutLimiter(t *testing.T) {
	s := newTestServer(t, nil)
	w := do(t, s, http.MethodGet, "/api/stats", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("stats = %d, want 503", w.Code)
	}
}

func TestClearCooldown(t *testing.T) {
	s := newTestServer(t, ratelimit.NewDefault())

	w := do(t, s, http.MethodPost, "/api/cooldown/clear", `{"requester":"u1"}`)
	if w.Code != http.StatusOK {
		t.Errorf("clear = %d: %s", w.Code, w.Body.String())
	}

	w = do(t, s, http.MethodPost, "/api/cooldown/clear", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("clear without requester = %d, want 400", w.Code)
	}
}

func TestSelfIDLifecycle(t *testing.T) {
	limiter := ratelimit.NewDefault()
	s := newTestServer(t, limiter)

	if w := do(t, s, http.MethodPost, "/api/selfids", `{"id":"bot-9"}`); w.Code != http.StatusOK {
		t.Fatalf("add = %d", w.Code)
	}
	if d := limiter.Check("BOT-9"); d.Allowed {
		t.Error("added self id not enforced")
	}
	if w := do(t, s, http.MethodDelete, "/api/selfids", `{"id":"bot-9"}`); w.Code != http.StatusOK {
		t.Fatalf("remove = %d", w.Code)
	}
	if d := limiter.Check("bot-9"); !d.Allowed {
		t.Errorf("removed self id still enforced: %s", d.Reason)
	}
}

func TestSkillCacheEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	if w := do(t, s, http.MethodPost, "/api/skills/invalidate", `{"path":"/tmp/x.skill"}`); w.Code != http.StatusOK {
		t.Errorf("invalidate = %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/skills/reset", ""); w.Code != http.StatusOK {
		t.Errorf("reset = %d", w.Code)
	}
}
