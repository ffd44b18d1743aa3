package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func statusChecker(name string, s Status) Checker {
	return NewFuncChecker(name, func(context.Context) (Status, string, error) {
		return s, string(s), nil
	})
}

func TestManager_CheckAll(t *testing.T) {
	m := NewManager(time.Second, nil)
	m.Register(NewPingChecker("database", func(context.Context) error { return nil }))
	m.Register(NewPingChecker("replication", func(context.Context) error { return errors.New("slot missing") }))

	results := m.CheckAll(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results["database"].Status != StatusHealthy {
		t.Errorf("expected database healthy, got %s", results["database"].Status)
	}
	if r := results["replication"]; r.Status != StatusUnhealthy || r.Error != "slot missing" {
		t.Errorf("expected replication unhealthy with error, got %+v", r)
	}

	if r, ok := m.LastResult("replication"); !ok || r.Status != StatusUnhealthy {
		t.Errorf("expected last result to be recorded, got %+v", r)
	}
}

func TestManager_CheckTimeout(t *testing.T) {
	m := NewManager(10*time.Millisecond, nil)
	m.Register(NewPingChecker("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	start := time.Now()
	r := m.CheckAll(context.Background())["slow"]
	if r.Status != StatusUnhealthy {
		t.Errorf("expected timed out check to be unhealthy, got %s", r.Status)
	}
	if time.Since(start) > time.Second {
		t.Error("expected check to be bounded by the timeout")
	}
}

func TestManager_Overall(t *testing.T) {
	tests := []struct {
		name     string
		statuses []Status
		want     Status
	}{
		{"no checks", nil, StatusHealthy},
		{"all healthy", []Status{StatusHealthy, StatusHealthy}, StatusHealthy},
		{"one degraded", []Status{StatusHealthy, StatusDegraded}, StatusDegraded},
		{"unknown beats degraded", []Status{StatusDegraded, StatusUnknown}, StatusUnknown},
		{"unhealthy wins", []Status{StatusUnknown, StatusUnhealthy, StatusDegraded}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(0, nil)
			for i, s := range tt.statuses {
				m.Register(statusChecker(string(rune('a'+i)), s))
			}
			o := m.Overall(context.Background())
			if o.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, o.Status)
			}
		})
	}
}

func TestManager_Ready(t *testing.T) {
	m := NewManager(0, nil)
	m.Register(statusChecker("pipeline", StatusDegraded))
	if !m.Ready(context.Background()) {
		t.Error("expected degraded to be ready")
	}
	m.Register(statusChecker("database", StatusUnhealthy))
	if m.Ready(context.Background()) {
		t.Error("expected unhealthy to be not ready")
	}
}

func TestRoutes(t *testing.T) {
	healthy := NewManager(0, nil)
	healthy.Register(statusChecker("database", StatusHealthy))
	broken := NewManager(0, nil)
	broken.Register(statusChecker("database", StatusUnhealthy))

	tests := []struct {
		name     string
		manager  *Manager
		path     string
		wantCode int
		wantBody string
	}{
		{"live", broken, "/health/live", http.StatusOK, "alive"},
		{"ready", healthy, "/health/ready", http.StatusOK, "ready"},
		{"not ready", broken, "/health/ready", http.StatusServiceUnavailable, "not_ready"},
		{"health", healthy, "/health", http.StatusOK, "healthy"},
		{"unhealthy", broken, "/health", http.StatusServiceUnavailable, "unhealthy"},
		{"no manager", nil, "/health", http.StatusOK, "healthy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(":0", tt.manager, false, nil)
			w := httptest.NewRecorder()
			s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, w.Code)
			}
			var body componentResponse
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Status != tt.wantBody {
				t.Errorf("expected status %q, got %q", tt.wantBody, body.Status)
			}
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	s := NewServer(":0", nil, true, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected metrics endpoint, got %d", w.Code)
	}

	s = NewServer(":0", nil, false, nil)
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected no metrics endpoint, got %d", w.Code)
	}
}
