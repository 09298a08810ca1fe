package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"arbtrader/internal/models"
	"arbtrader/internal/repository"
	"arbtrader/pkg/crypto"
	"arbtrader/pkg/utils"
)

type stubEngine struct{}

func (stubEngine) Cycles() []models.CycleState { return nil }
func (stubEngine) Connections() []models.ConnectionState {
	return []models.ConnectionState{{Venue: "gate", Class: models.ChannelPublic, Phase: models.ConnReady}}
}

type stubHistory struct{}

func (stubHistory) ListRecent(context.Context, string, int) ([]*repository.CycleRecord, error) {
	return []*repository.CycleRecord{}, nil
}

func (stubHistory) GetByID(_ context.Context, id int64) (*repository.CycleRecord, error) {
	return &repository.CycleRecord{ID: id}, nil
}

func (stubHistory) Stats(context.Context, time.Time) (*repository.CycleStats, error) {
	return &repository.CycleStats{}, nil
}

func serve(router http.Handler, method, path string, auth bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth {
		req.SetBasicAuth("operator", "s3cret")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSetupRoutes(t *testing.T) {
	hash, err := crypto.HashPassword("s3cret", bcrypt.MinCost)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}

	router := SetupRoutes(&Dependencies{
		Engine:               stubEngine{},
		History:              stubHistory{},
		Stream:               func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) },
		OperatorUsername:     "operator",
		OperatorPasswordHash: hash,
		Log:                  utils.NewNopLogger(),
	})

	tests := []struct {
		name       string
		method     string
		path       string
		auth       bool
		wantStatus int
	}{
		{"health is public", http.MethodGet, "/health", false, http.StatusOK},
		{"metrics is public", http.MethodGet, "/metrics", false, http.StatusOK},
		{"cycles require auth", http.MethodGet, "/api/v1/cycles", false, http.StatusUnauthorized},
		{"cycles", http.MethodGet, "/api/v1/cycles", true, http.StatusOK},
		{"connections", http.MethodGet, "/api/v1/connections", true, http.StatusOK},
		{"history", http.MethodGet, "/api/v1/cycles/history", true, http.StatusOK},
		{"history by id", http.MethodGet, "/api/v1/cycles/history/3", true, http.StatusOK},
		{"history non-numeric id", http.MethodGet, "/api/v1/cycles/history/abc", true, http.StatusNotFound},
		{"stats", http.MethodGet, "/api/v1/stats", true, http.StatusOK},
		{"stream requires auth", http.MethodGet, "/ws/stream", false, http.StatusUnauthorized},
		{"stream", http.MethodGet, "/ws/stream", true, http.StatusOK},
		{"writes not allowed", http.MethodPost, "/api/v1/cycles", true, http.StatusMethodNotAllowed},
		{"history writes not allowed", http.MethodDelete, "/api/v1/cycles/history/3", true, http.StatusMethodNotAllowed},
		{"health is read only", http.MethodPost, "/health", false, http.StatusMethodNotAllowed},
		{"unknown path", http.MethodGet, "/api/v1/orders", true, http.StatusNotFound},
		{"preflight without credentials", http.MethodOptions, "/api/v1/cycles", false, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serve(router, tt.method, tt.path, tt.auth)
			if w.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, w.Code, tt.wantStatus)
			}
		})
	}
}

func TestSetupRoutes_WithoutDatabase(t *testing.T) {
	router := SetupRoutes(&Dependencies{Engine: stubEngine{}, Log: utils.NewNopLogger()})

	if w := serve(router, http.MethodGet, "/api/v1/cycles/history", false); w.Code != http.StatusNotFound {
		t.Errorf("history without database = %d, want 404", w.Code)
	}
	// без хеша пароля API открыто
	w := serve(router, http.MethodGet, "/api/v1/connections", false)
	if w.Code != http.StatusOK {
		t.Fatalf("connections = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"all_ready":true`) {
		t.Errorf("unexpected body %s", w.Body.String())
	}
}
