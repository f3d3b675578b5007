package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/craftlink/craftlink/proto"
)

func newTestAPI(t *testing.T) (*APIServer, *Registry) {
	t.Helper()
	reg := NewRegistry(time.Second)
	router := NewRouter(reg)
	api := NewAPIServer("127.0.0.1:0", reg, router)
	api.started = time.Now()
	return api, reg
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var decoded map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("Response was not a JSON object: %v (%s)", err, rr.Body.String())
	}
	return rr, decoded
}

func TestAPI_Register_Success(t *testing.T) {
	api, reg := newTestAPI(t)
	handler := api.Routes()

	body := `{
		"computerName": "Turtle1",
		"computerType": "turtle",
		"functions": [{"name": "dig", "description": "Dig forward", "category": "movement"}],
		"status": {"isActive": true}
	}`
	rr, resp := doJSON(t, handler, http.MethodPost, "/register", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	if resp["success"] != true {
		t.Error("Expected success=true")
	}
	if resp["registeredFunctions"] != float64(1) {
		t.Errorf("Expected registeredFunctions=1, got %v", resp["registeredFunctions"])
	}

	rec, ok := reg.FindDeviceByName("Turtle1")
	if !ok {
		t.Fatal("Expected HTTP-registered device in the registry")
	}
	if rec.ComputerType != proto.TypeTurtle || len(rec.Functions) != 1 {
		t.Errorf("Unexpected device record %+v", rec)
	}
}

func TestAPI_Register_MissingFields(t *testing.T) {
	api, reg := newTestAPI(t)
	handler := api.Routes()

	rr, resp := doJSON(t, handler, http.MethodPost, "/register", `{"computerName": "Turtle1"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rr.Code)
	}

	missing, ok := resp["missing"].([]any)
	if !ok {
		t.Fatalf("Expected the response to name the missing fields, got %v", resp)
	}
	found := map[any]bool{}
	for _, m := range missing {
		found[m] = true
	}
	if !found["computerType"] || !found["functions"] {
		t.Errorf("Expected missing computerType and functions, got %v", missing)
	}

	if reg.Stats().Total != 0 {
		t.Error("Expected no registry mutation on a rejected registration")
	}
}

func TestAPI_Message_WellFormed(t *testing.T) {
	api, reg := newTestAPI(t)
	handler := api.Routes()

	viewer := newMockConn()
	reg.Register(viewer, RoleViewer, "test")

	body := `{
		"id": "env-1",
		"timestamp": 1756000000000,
		"kind": "chat",
		"source": "Turtle1",
		"content": "<b>mined 64 cobblestone</b>",
		"priority": "low"
	}`
	rr, resp := doJSON(t, handler, http.MethodPost, "/message", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d (%s)", rr.Code, rr.Body.String())
	}
	if resp["success"] != true || resp["timestamp"] == nil {
		t.Errorf("Unexpected response %v", resp)
	}

	got := viewer.Sent()
	if len(got) != 1 {
		t.Fatalf("Expected chat routed to viewer, got %d envelopes", len(got))
	}
	if got[0].Content != "bmined 64 cobblestone/b" {
		t.Errorf("Expected angle brackets stripped, got %q", got[0].Content)
	}

	// The synthetic per-request identity must not linger as a viewer.
	if reg.Stats().Total != 1 {
		t.Errorf("Expected only the real viewer to remain, got %d records", reg.Stats().Total)
	}
}

func TestAPI_Message_Malformed(t *testing.T) {
	api, reg := newTestAPI(t)
	handler := api.Routes()

	rr, resp := doJSON(t, handler, http.MethodPost, "/message", `{"kind": "chat", "content": "hi"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rr.Code)
	}

	required, ok := resp["required"].([]any)
	if !ok || len(required) != 4 {
		t.Fatalf("Expected the four mandatory base fields named, got %v", resp)
	}
	if reg.Stats().Total != 0 {
		t.Error("Expected no registry mutation for a malformed message")
	}
}

func TestAPI_Message_RefreshesDeviceLiveness(t *testing.T) {
	api, reg := newTestAPI(t)
	handler := api.Routes()

	conn := newMockConn()
	id := reg.Register(conn, RoleViewer, "test")
	role := RoleDevice
	name := "Turtle1"
	reg.Update(id, RecordUpdate{Role: &role, ComputerName: &name})
	stale := time.Now().Add(-time.Hour)
	reg.Update(id, RecordUpdate{LastPing: &stale})

	body := `{
		"id": "st-1",
		"timestamp": 1756000000000,
		"kind": "status_update",
		"source": "Turtle1",
		"computerName": "Turtle1",
		"status": {"isActive": true}
	}`
	rr, _ := doJSON(t, handler, http.MethodPost, "/message", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}

	if !reg.IsAlive(id) {
		t.Error("Expected posting telemetry to refresh the device's liveness")
	}
}

func TestAPI_Command(t *testing.T) {
	api, reg := newTestAPI(t)
	handler := api.Routes()

	conn := newMockConn()
	id := reg.Register(conn, RoleViewer, "test")
	role := RoleDevice
	name := "Turtle1"
	reg.Update(id, RecordUpdate{Role: &role, ComputerName: &name})

	rr, resp := doJSON(t, handler, http.MethodPost, "/command",
		`{"targetComputer": "Turtle1", "functionName": "dig", "parameters": {"depth": 2}}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if resp["success"] != true {
		t.Error("Expected success=true")
	}

	got := conn.Sent()
	if len(got) != 1 || got[0].Kind != proto.KindCommand || got[0].FunctionName != "dig" {
		t.Fatalf("Expected command delivered to the device, got %v", got)
	}
}

func TestAPI_Command_MissingFields(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Routes()

	rr, resp := doJSON(t, handler, http.MethodPost, "/command", `{"functionName": "dig"}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", rr.Code)
	}
	missing, ok := resp["missing"].([]any)
	if !ok || len(missing) != 1 || missing[0] != "targetComputer" {
		t.Errorf("Expected missing targetComputer, got %v", resp)
	}
}

func TestAPI_Command_UnknownTargetIsStillAccepted(t *testing.T) {
	// The failure response is routed to the synthetic request identity,
	// which is an unreachable sink: the HTTP caller still gets 200.
	api, _ := newTestAPI(t)
	handler := api.Routes()

	rr, resp := doJSON(t, handler, http.MethodPost, "/command",
		`{"targetComputer": "Ghost", "functionName": "dig"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if resp["success"] != true {
		t.Error("Expected success=true")
	}
}

func TestAPI_Computers(t *testing.T) {
	api, reg := newTestAPI(t)
	handler := api.Routes()

	conn := newMockConn()
	id := reg.Register(conn, RoleViewer, "test")
	role := RoleDevice
	name := "Turtle1"
	ctype := proto.TypeTurtle
	reg.Update(id, RecordUpdate{Role: &role, ComputerName: &name, ComputerType: &ctype})

	req := httptest.NewRequest(http.MethodGet, "/computers", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}

	var computers []ComputerInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &computers); err != nil {
		t.Fatalf("Expected a JSON array, got %v", err)
	}
	if len(computers) != 1 || computers[0].Name != "Turtle1" || computers[0].Type != proto.TypeTurtle {
		t.Errorf("Unexpected computer summary %v", computers)
	}
}

func TestAPI_Health(t *testing.T) {
	api, reg := newTestAPI(t)
	handler := api.Routes()

	reg.Register(newMockConn(), RoleViewer, "test")

	rr, resp := doJSON(t, handler, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected status healthy, got %v", resp["status"])
	}
	if resp["timestamp"] == nil || resp["uptime"] == nil {
		t.Error("Expected timestamp and uptime in health response")
	}
	stats, ok := resp["stats"].(map[string]any)
	if !ok {
		t.Fatalf("Expected stats object, got %v", resp["stats"])
	}
	if stats["total"] != float64(1) || stats["viewers"] != float64(1) {
		t.Errorf("Unexpected stats %v", stats)
	}
}
