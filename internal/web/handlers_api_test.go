package web

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"miaircon/internal/automation"
	"miaircon/internal/climate"
	"miaircon/internal/store"
)

func setupTestServer(t *testing.T, apiKey string) (*Server, *store.BoltStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := store.NewBoltStore(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	bus := climate.NewEventBus(logger)
	manager := climate.NewManager(db, bus, nil, time.Minute, logger)

	scriptMgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"))
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(manager, scriptMgr, logger, automation.SystemConfig{}, automation.TelegramConfig{})

	opts := []ServerOption{
		WithAutomation(engine, scriptMgr),
		WithVersion("test"),
	}
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv, err := NewServer(manager, db, logger, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { srv.Stop() })

	return srv, db
}

func seedUnit(t *testing.T, db *store.BoltStore, id, name string) {
	t.Helper()
	if err := db.SaveUnit(&store.Unit{
		ID:    id,
		Name:  name,
		Host:  "192.168.1.40",
		Token: "00112233445566778899aabbccddeeff",
		Model: "zhimi.aircondition.ma1",
		MAC:   "28:6c:07:aa:bb:cc",
		LastState: &store.State{
			Power:      true,
			Mode:       "cool",
			TargetTemp: 24,
		},
	}); err != nil {
		t.Fatal(err)
	}
}

func TestAPIListUnits(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedUnit(t, db, "zhimi.aircondition.ma1-28:6c:07:aa:bb:cc", "Bedroom AC")
	seedUnit(t, db, "xiaomi.aircondition.ma2-28:6c:07:dd:ee:ff", "Living Room AC")

	req := httptest.NewRequest("GET", "/api/units", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var units []map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&units); err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Errorf("unit count = %d, want 2", len(units))
	}
}

func TestAPIListUnitsHidesToken(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedUnit(t, db, "zhimi.aircondition.ma1-28:6c:07:aa:bb:cc", "Bedroom AC")

	req := httptest.NewRequest("GET", "/api/units", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if strings.Contains(w.Body.String(), "00112233445566778899aabbccddeeff") {
		t.Error("device token leaked into API response")
	}
}

func TestAPIGetUnit(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedUnit(t, db, "zhimi.aircondition.ma1-28:6c:07:aa:bb:cc", "Bedroom AC")

	req := httptest.NewRequest("GET", "/api/units/zhimi.aircondition.ma1-28:6c:07:aa:bb:cc", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var unit map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&unit); err != nil {
		t.Fatal(err)
	}
	if unit["name"] != "Bedroom AC" {
		t.Errorf("name = %v, want Bedroom AC", unit["name"])
	}
	if unit["model"] != "zhimi.aircondition.ma1" {
		t.Errorf("model = %v", unit["model"])
	}
}

func TestAPIGetUnitNotFound(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/units/nope", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIRenameUnitNotFound(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	body := `{"name": "Kitchen AC"}`
	req := httptest.NewRequest("PATCH", "/api/units/nope", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIDeleteUnit(t *testing.T) {
	srv, db := setupTestServer(t, "")
	id := "zhimi.aircondition.ma1-28:6c:07:aa:bb:cc"
	seedUnit(t, db, id, "Bedroom AC")

	req := httptest.NewRequest("DELETE", "/api/units/"+id, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	// The record is gone; a second lookup 404s.
	req = httptest.NewRequest("GET", "/api/units/"+id, nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status after delete = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIDeleteUnitNotFound(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("DELETE", "/api/units/nope", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIRenameUnitEmptyName(t *testing.T) {
	srv, db := setupTestServer(t, "")
	seedUnit(t, db, "zhimi.aircondition.ma1-28:6c:07:aa:bb:cc", "Bedroom AC")

	body := `{"name": ""}`
	req := httptest.NewRequest("PATCH", "/api/units/zhimi.aircondition.ma1-28:6c:07:aa:bb:cc", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPISetClimateUnknownUnit(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	body := `{"hvac_mode": "cool"}`
	req := httptest.NewRequest("POST", "/api/units/nope/set", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIRefreshUnknownUnit(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("POST", "/api/units/nope/refresh", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIListModels(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/models", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var models []string
	if err := json.NewDecoder(w.Body).Decode(&models); err != nil {
		t.Fatal(err)
	}
	if len(models) == 0 {
		t.Fatal("expected at least one supported model")
	}
	found := false
	for _, m := range models {
		if m == "zhimi.aircondition.ma1" {
			found = true
		}
	}
	if !found {
		t.Errorf("models = %v, want to include zhimi.aircondition.ma1", models)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	req := httptest.NewRequest("GET", "/api/version", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]string
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp["version"] != "test" {
		t.Errorf("version = %q, want test", resp["version"])
	}
}

func TestAuthMiddlewareHeader(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/units", nil)
	req.Header.Set("X-API-Key", "secret-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct header key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareQueryParam(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/units?api_key=secret-key", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("correct query key: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAuthMiddlewareMissing(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/units", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAuthMiddlewareWrongKey(t *testing.T) {
	srv, _ := setupTestServer(t, "secret-key")

	req := httptest.NewRequest("GET", "/api/units", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	srv.allowedOrigins = []string{"http://dashboard.local"}

	req := httptest.NewRequest("OPTIONS", "/api/units", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://dashboard.local" {
		t.Errorf("allow-origin = %q", got)
	}
}

func TestCORSForbiddenOrigin(t *testing.T) {
	srv, _ := setupTestServer(t, "")
	srv.allowedOrigins = []string{"http://dashboard.local"}

	body := `{"name": "x"}`
	req := httptest.NewRequest("PATCH", "/api/units/some-id", bytes.NewBufferString(body))
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestAPIAutomationCRUD(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	// Create
	body := `{"name": "Night Cooling", "lua_code": "aircon.log(\"hi\")", "enabled": false}`
	req := httptest.NewRequest("POST", "/api/automations", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created automation.Script
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.ID != "night_cooling" {
		t.Errorf("id = %q, want night_cooling", created.ID)
	}

	// List
	req = httptest.NewRequest("GET", "/api/automations", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	var scripts []automation.Script
	if err := json.NewDecoder(w.Body).Decode(&scripts); err != nil {
		t.Fatal(err)
	}
	if len(scripts) != 1 {
		t.Fatalf("script count = %d, want 1", len(scripts))
	}

	// Update
	body = `{"name": "Night Cooling", "lua_code": "aircon.log(\"v2\")", "enabled": false}`
	req = httptest.NewRequest("PUT", "/api/automations/night_cooling", bytes.NewBufferString(body))
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d, body = %s", w.Code, w.Body.String())
	}

	// Get
	req = httptest.NewRequest("GET", "/api/automations/night_cooling", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	var got automation.Script
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got.LuaCode, "v2") {
		t.Errorf("lua_code = %q, want updated code", got.LuaCode)
	}

	// Delete
	req = httptest.NewRequest("DELETE", "/api/automations/night_cooling", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}

	req = httptest.NewRequest("GET", "/api/automations/night_cooling", nil)
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestAPIAutomationCreateRequiresName(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	body := `{"lua_code": "aircon.log(\"hi\")"}`
	req := httptest.NewRequest("POST", "/api/automations", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAPIRunInlineAutomation(t *testing.T) {
	srv, _ := setupTestServer(t, "")

	body := `{"lua_code": "aircon.log(\"inline\")"}`
	req := httptest.NewRequest("POST", "/api/automations/_inline/run", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}

	var result automation.RunResult
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatal(err)
	}
	if !result.OK {
		t.Fatalf("run failed: %s", result.Error)
	}
	if len(result.Logs) != 1 || result.Logs[0] != "inline" {
		t.Errorf("logs = %v", result.Logs)
	}
}
