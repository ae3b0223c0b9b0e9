package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"regcomms/internal/deadline"
	"regcomms/internal/directory"
	"regcomms/internal/escalation"
	"regcomms/internal/evidence"
	"regcomms/internal/incident"
	"regcomms/internal/notify"
	"regcomms/internal/rules"
	"regcomms/internal/storage"
	"regcomms/internal/throttle"
)

type stubTransport struct {
	mu      sync.Mutex
	channel directory.Channel
	fail    error
	count   int
}

func (s *stubTransport) Channel() directory.Channel { return s.channel }

func (s *stubTransport) Deliver(ctx context.Context, address, subject, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.count++
	return nil
}

type apiFixture struct {
	server *httptest.Server
	lookup *incident.MemoryLookup
	email  *stubTransport
	paths  *storage.PathStore
	sched  *storage.ScheduleStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	catalog := rules.NewCatalog("")
	if err := catalog.Load(); err != nil {
		t.Fatal(err)
	}

	f := &apiFixture{
		lookup: incident.NewMemoryLookup(),
		email:  &stubTransport{channel: directory.ChannelEmail},
		paths:  storage.NewPathStore(nil),
		sched:  storage.NewScheduleStore(nil),
	}
	f.lookup.Put(&incident.Snapshot{
		ID:         "inc-1",
		Title:      "Customer data exposure",
		Type:       "DATA_BREACH",
		Severity:   incident.SeverityHigh,
		OccurredAt: time.Now().Add(-time.Hour),
	})

	dir := directory.NewStatic([]directory.Stakeholder{
		{ID: "st-dpo", Name: "Dana Osei", Role: "DPO",
			Contacts: map[directory.Channel]string{directory.ChannelEmail: "dpo@example.com"}},
		{ID: "st-ciso", Name: "Kim Park", Role: "CISO",
			Contacts: map[directory.Channel]string{directory.ChannelEmail: "ciso@example.com"}},
		{ID: "st-legal", Name: "Lee Tran", Role: "LEGAL_TEAM",
			Contacts: map[directory.Channel]string{directory.ChannelEmail: "legal@example.com"}},
	})

	transports := notify.Transports{}
	transports.Register(f.email)

	emitter := evidence.NewLogEmitter()
	comms := storage.NewCommunicationStore(nil)
	dispatcher := notify.NewDispatcher(f.lookup, dir, transports, comms, emitter).
		WithThrottle(throttle.NewMemoryWindow(), 15*time.Minute)
	scheduler := deadline.NewScheduler(f.sched, emitter)
	engine := escalation.NewEngine(catalog, f.lookup, dispatcher, scheduler, f.paths, emitter)

	mux := http.NewServeMux()
	NewHandler(engine, dispatcher, scheduler, catalog, f.paths, comms, f.sched).RegisterRoutes(mux)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)
	return f
}

func (f *apiFixture) post(t *testing.T, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.server.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func (f *apiFixture) get(t *testing.T, path string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func (f *apiFixture) evaluate(t *testing.T) string {
	t.Helper()
	resp, body := f.post(t, "/v1/incidents/inc-1/evaluate", `{"trigger":"INCIDENT_CREATED"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("evaluate status = %d, body %v", resp.StatusCode, body)
	}
	path := body["path"].(map[string]any)
	return path["id"].(string)
}

func TestHandleEvaluate(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.post(t, "/v1/incidents/inc-1/evaluate", `{"trigger":"INCIDENT_CREATED"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if body["matched"] != true {
		t.Errorf("matched = %v, want true", body["matched"])
	}
	path := body["path"].(map[string]any)
	if path["rule_id"] != "builtin-data-breach" {
		t.Errorf("rule_id = %v", path["rule_id"])
	}
	if path["status"] != "ACTIVE" {
		t.Errorf("status = %v", path["status"])
	}
}

func TestHandleEvaluate_NoMatch(t *testing.T) {
	f := newAPIFixture(t)
	f.lookup.Put(&incident.Snapshot{
		ID:         "inc-quiet",
		Type:       "MINOR_GLITCH",
		Severity:   incident.SeverityLow,
		OccurredAt: time.Now(),
	})

	resp, body := f.post(t, "/v1/incidents/inc-quiet/evaluate", `{"trigger":"INCIDENT_CREATED"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["matched"] != false {
		t.Errorf("matched = %v, want false", body["matched"])
	}
}

func TestHandleEvaluate_Errors(t *testing.T) {
	f := newAPIFixture(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown incident", "/v1/incidents/nope/evaluate", `{"trigger":"INCIDENT_CREATED"}`, http.StatusNotFound},
		{"missing trigger", "/v1/incidents/inc-1/evaluate", `{}`, http.StatusBadRequest},
		{"unknown trigger", "/v1/incidents/inc-1/evaluate", `{"trigger":"SOMETHING_ELSE"}`, http.StatusBadRequest},
		{"malformed body", "/v1/incidents/inc-1/evaluate", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.post(t, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (body %v)", resp.StatusCode, tt.want, body)
			}
			if _, ok := body["error"]; !ok {
				t.Error("error body missing")
			}
		})
	}
}

func TestPathEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	pathID := f.evaluate(t)

	resp, body := f.get(t, "/v1/paths?incident_id=inc-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if body["total"].(float64) != 1 {
		t.Errorf("total = %v, want 1", body["total"])
	}

	resp, body = f.get(t, "/v1/paths/"+pathID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if body["incident_id"] != "inc-1" {
		t.Errorf("incident_id = %v", body["incident_id"])
	}

	// Idempotent check returns the refreshed path.
	resp, body = f.post(t, "/v1/paths/"+pathID+"/check", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check status = %d", resp.StatusCode)
	}
	if body["status"] != "ACTIVE" {
		t.Errorf("status after check = %v", body["status"])
	}

	resp, body = f.post(t, "/v1/paths/"+pathID+"/acknowledge", `{"actor":"dpo@example.com"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acknowledge status = %d, body %v", resp.StatusCode, body)
	}

	_, body = f.get(t, "/v1/paths/"+pathID)
	if body["status"] != "ACKNOWLEDGED" {
		t.Errorf("status after acknowledge = %v", body["status"])
	}

	resp, _ = f.post(t, "/v1/paths/"+pathID+"/acknowledge", `{}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("acknowledge without actor = %d, want 400", resp.StatusCode)
	}

	resp, _ = f.get(t, "/v1/paths/"+uuid.NewString())
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown path status = %d, want 404", resp.StatusCode)
	}
	resp, _ = f.get(t, "/v1/paths/not-a-uuid")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed id status = %d, want 400", resp.StatusCode)
	}
}

func TestHandleSendNotification(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.post(t, "/v1/notifications",
		`{"incident_id":"inc-1","stakeholder_id":"st-dpo","channel":"EMAIL","type":"INITIAL_NOTIFICATION"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	if body["status"] != "SENT" {
		t.Errorf("status = %v, want SENT", body["status"])
	}

	resp, _ = f.post(t, "/v1/notifications",
		`{"incident_id":"inc-1","stakeholder_id":"nobody","channel":"EMAIL","type":"INITIAL_NOTIFICATION"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown stakeholder = %d, want 404", resp.StatusCode)
	}
}

func TestHandleSendNotification_TransportFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.email.fail = errors.New("relay down")

	resp, body := f.post(t, "/v1/notifications",
		`{"incident_id":"inc-1","stakeholder_id":"st-dpo","channel":"EMAIL","type":"INITIAL_NOTIFICATION"}`)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", resp.StatusCode)
	}
	// The failed communication is returned so the caller sees the
	// per-recipient failure reason.
	if body["status"] != "FAILED" {
		t.Errorf("status = %v, want FAILED", body["status"])
	}
}

func TestHandleSendBulk(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.post(t, "/v1/notifications/bulk",
		`{"incident_id":"inc-1","roles":["DPO","LEGAL_TEAM"],"type":"INITIAL_NOTIFICATION","channel":"EMAIL"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	stats := body["stats"].(map[string]any)
	if stats["total"].(float64) != 2 {
		t.Errorf("total = %v, want 2", stats["total"])
	}

	resp, _ = f.post(t, "/v1/notifications/bulk", `{"incident_id":"inc-1","roles":[],"type":"ESCALATION","channel":"EMAIL"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty roles = %d, want 400", resp.StatusCode)
	}
}

func TestHandleSendBulk_StatusUpdateSuppressed(t *testing.T) {
	f := newAPIFixture(t)
	body := `{"incident_id":"inc-1","roles":["DPO"],"type":"STATUS_UPDATE","channel":"EMAIL"}`

	resp, _ := f.post(t, "/v1/notifications/bulk", body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first update = %d, want 201", resp.StatusCode)
	}
	resp, _ = f.post(t, "/v1/notifications/bulk", body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("duplicate update = %d, want 429", resp.StatusCode)
	}
}

func TestCommunicationEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	resp, created := f.post(t, "/v1/notifications/bulk",
		`{"incident_id":"inc-1","roles":["DPO"],"type":"INITIAL_NOTIFICATION","channel":"EMAIL"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatal("bulk send failed")
	}
	commID := created["id"].(string)

	resp, body := f.get(t, "/v1/communications?incident_id=inc-1")
	if resp.StatusCode != http.StatusOK || body["total"].(float64) != 1 {
		t.Errorf("list = %d total %v", resp.StatusCode, body["total"])
	}

	resp, body = f.get(t, "/v1/communications/"+commID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	if body["incident_id"] != "inc-1" {
		t.Errorf("incident_id = %v", body["incident_id"])
	}

	resp, _ = f.post(t, "/v1/communications/"+commID+"/acknowledge", `{"stakeholder_id":"st-dpo"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("acknowledge status = %d", resp.StatusCode)
	}
	resp, _ = f.post(t, "/v1/communications/"+commID+"/acknowledge", `{"stakeholder_id":"st-stranger"}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown recipient = %d, want 404", resp.StatusCode)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.evaluate(t) // creates the GDPR schedule via the matched rule

	resp, body := f.get(t, "/v1/schedules?incident_id=inc-1")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	if body["total"].(float64) != 1 {
		t.Fatalf("total = %v, want 1", body["total"])
	}
	entry := body["schedules"].([]any)[0].(map[string]any)
	if entry["regulation"] != "GDPR" {
		t.Errorf("regulation = %v", entry["regulation"])
	}
	schedID := entry["id"].(string)

	resp, _ = f.post(t, "/v1/schedules/"+schedID+"/sent", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("mark sent status = %d", resp.StatusCode)
	}
	// SENT is terminal.
	resp, _ = f.post(t, "/v1/schedules/"+schedID+"/sent", `{}`)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("repeat mark sent = %d, want 409", resp.StatusCode)
	}

	resp, _ = f.post(t, "/v1/schedules/"+uuid.NewString()+"/sent", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown schedule = %d, want 404", resp.StatusCode)
	}
}

func TestHandleListRules(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.get(t, "/v1/rules")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["total"].(float64) != 4 {
		t.Errorf("total = %v, want 4 builtin rules", body["total"])
	}
}
