package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/janovincze/shapesync/internal/api/services"
	"github.com/janovincze/shapesync/internal/changelog"
	"github.com/janovincze/shapesync/internal/config"
	"github.com/janovincze/shapesync/internal/health"
	"github.com/janovincze/shapesync/internal/shape"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticLog struct{}

func (staticLog) Handle(_ context.Context, table string) (changelog.HandleInfo, error) {
	return changelog.HandleInfo{Table: table, Handle: "h1"}, nil
}

func (staticLog) Head(context.Context, string) (shape.Offset, error) { return 1, nil }

func (staticLog) ReadLog(context.Context, string, shape.Offset, int) ([]changelog.Entry, error) {
	return nil, nil
}

func (staticLog) ReadCompacted(_ context.Context, table string, after shape.Offset, _ int) ([]changelog.Entry, error) {
	if after >= 1 {
		return nil, nil
	}
	return []changelog.Entry{{Offset: 1, Table: table, Key: "k1", Operation: shape.OperationInsert, Value: shape.Row{"id": "k1"}}}, nil
}

func newTestServer(t *testing.T, metricsEnabled bool) *Server {
	t.Helper()
	cfg := &config.Config{Version: "test", Environment: "test"}
	cfg.API.ListenAddr = ":0"
	cfg.API.CORSOrigins = []string{"*"}
	cfg.API.RateLimitRPS = 1000
	cfg.API.RateLimitBurst = 1000
	cfg.API.LongPollTimeout = 50 * time.Millisecond
	cfg.Shapes.Tables = []string{"items"}
	cfg.Metrics.Enabled = metricsEnabled

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	shapes := services.NewShapeService(staticLog{}, changelog.NewBroadcaster(), services.ShapeServiceConfig{
		Tables:          cfg.Shapes.Tables,
		LongPollTimeout: cfg.API.LongPollTimeout,
	}, logger)

	return NewServer(ServerConfig{
		Config:        cfg,
		Logger:        logger,
		HealthManager: health.NewManager(time.Second, logger),
		ShapeService:  shapes,
	})
}

func TestServer_Routes(t *testing.T) {
	server := newTestServer(t, true)

	tests := []struct {
		path   string
		status int
	}{
		{"/health", http.StatusOK},
		{"/health/live", http.StatusOK},
		{"/health/ready", http.StatusOK},
		{"/metrics", http.StatusOK},
		{"/api/v1/version", http.StatusOK},
		{"/api/v1/config", http.StatusOK},
		{"/v1/shape/items", http.StatusOK},
		{"/v1/shape/orders", http.StatusNotFound},
		{"/api/v1/items", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, w.Code)
			}
		})
	}
}

func TestServer_MetricsDisabled(t *testing.T) {
	server := newTestServer(t, false)

	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestServer_ShapeSnapshot(t *testing.T) {
	server := newTestServer(t, false)

	w := httptest.NewRecorder()
	server.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/shape/items?offset=-1", nil))

	if w.Header().Get(shape.HeaderHandle) != "h1" || w.Header().Get(shape.HeaderOffset) != "1" {
		t.Errorf("unexpected shape headers: %v", w.Header())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id header")
	}

	var msgs []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &msgs); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if len(msgs) != 2 || msgs[0]["key"] != "k1" {
		t.Errorf("expected one row then up-to-date, got %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"up-to-date"`) {
		t.Errorf("expected up-to-date control, got %s", w.Body.String())
	}
}

func TestServer_StartStop(t *testing.T) {
	server := newTestServer(t, false)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("expected clean shutdown, got %v", err)
	}
}
