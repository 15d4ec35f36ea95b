package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]bool
		wantStatus string
	}{
		{
			name:       "no components",
			components: map[string]bool{},
			wantStatus: "healthy",
		},
		{
			name:       "all healthy",
			components: map[string]bool{"raft": true, "store": true},
			wantStatus: "healthy",
		},
		{
			name:       "store unhealthy",
			components: map[string]bool{"raft": true, "store": false},
			wantStatus: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ResetHealth()
			for name, healthy := range tt.components {
				RegisterComponent(name, healthy, "")
			}

			health := GetHealth()
			assert.Equal(t, tt.wantStatus, health.Status)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetReadinessWaitsForCriticalComponents(t *testing.T) {
	ResetHealth()

	RegisterComponent("raft", true, "leader")
	RegisterComponent("api", true, "")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not registered", readiness.Components["store"])
	assert.Equal(t, "waiting for store initialization", readiness.Message)

	RegisterComponent("store", false, "opening")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not ready: opening", readiness.Components["store"])

	UpdateComponent("store", true, "")
	readiness = GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
	assert.Empty(t, readiness.Message)
}

func TestSetCriticalComponents(t *testing.T) {
	ResetHealth()
	defer ResetHealth()

	SetCriticalComponents("store")
	RegisterComponent("store", true, "")

	assert.Equal(t, "ready", GetReadiness().Status)
}

func TestHandlers(t *testing.T) {
	ResetHealth()
	SetVersion("v0.1.0")
	defer SetVersion("")

	RegisterComponent("raft", true, "")
	RegisterComponent("store", true, "")

	// api is still missing, so only /health and /live succeed
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantCode int
		wantKey  string
		wantVal  string
	}{
		{"health", HealthHandler(), http.StatusOK, "status", "healthy"},
		{"ready", ReadyHandler(), http.StatusServiceUnavailable, "status", "not_ready"},
		{"live", LivenessHandler(), http.StatusOK, "status", "alive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tt.handler(rec, httptest.NewRequest(http.MethodGet, "/"+tt.name, nil))

			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantVal, body[tt.wantKey])
		})
	}

	RegisterComponent("raft", false, "no leader")
	rec := httptest.NewRecorder()
	HealthHandler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
