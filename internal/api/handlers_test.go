package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BTreeMap/CarePulse/internal/messaging"
	"github.com/BTreeMap/CarePulse/internal/models"
	"github.com/BTreeMap/CarePulse/internal/scheduler"
	"github.com/BTreeMap/CarePulse/internal/store"
	"github.com/BTreeMap/CarePulse/internal/twiliowhatsapp"
	"github.com/BTreeMap/CarePulse/internal/userdata"
)

var testNow = time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)

type testServer struct {
	server  *Server
	mux     *http.ServeMux
	mock    *twiliowhatsapp.MockClient
	data    *userdata.Store
	memory  *store.InMemoryStore
	service *messaging.TwilioService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	data, err := userdata.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create userdata store: %v", err)
	}
	mock := twiliowhatsapp.NewMockClient()
	svc := messaging.NewTwilioService(mock)
	manager := scheduler.NewManager(data, svc, scheduler.WithManagerNowFunc(func() time.Time { return testNow }))
	memory := store.NewInMemoryStore()

	server := &Server{
		data:       data,
		manager:    manager,
		msgService: svc,
		st:         memory,
		twilioSvc:  svc,
		startTime:  time.Now(),
	}
	mux := http.NewServeMux()
	server.routes(mux)
	return &testServer{server: server, mux: mux, mock: mock, data: data, memory: memory, service: svc}
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder) models.APIResponse {
	t.Helper()
	var resp models.APIResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
	return resp
}

func TestRegisterUser(t *testing.T) {
	ts := newTestServer(t)

	body := `{
		"phone": "+15551234567",
		"name": "Maria",
		"diagnosis": "breast cancer",
		"upcoming_treatment_dates": ["2026-01-10T14:00:00Z", "2026-01-08T14:00:00Z"],
		"check_in_frequency": "daily",
		"check_in_time": "10:30"
	}`
	rec := ts.do(t, http.MethodPost, "/users", body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("response status = %s", resp.Status)
	}

	profile, err := ts.data.LoadProfile("15551234567")
	if err != nil {
		t.Fatalf("failed to load profile: %v", err)
	}
	if profile.Name != "Maria" || profile.Diagnosis != "breast cancer" {
		t.Errorf("profile = %+v", profile)
	}
	// The earliest treatment date becomes the reminder target.
	want := time.Date(2026, 1, 8, 14, 0, 0, 0, time.UTC)
	if profile.Treatment == nil || !profile.Treatment.NextTreatment.Equal(want) {
		t.Errorf("treatment = %+v, want %v", profile.Treatment, want)
	}

	schedule, err := ts.data.LoadSchedule("15551234567")
	if err != nil {
		t.Fatalf("failed to load schedule: %v", err)
	}
	if schedule.Preferences.CheckInTime != "10:30" {
		t.Errorf("check-in time = %s", schedule.Preferences.CheckInTime)
	}
	if len(schedule.Upcoming) == 0 {
		t.Error("registration should produce upcoming check-ins")
	}
}

func TestRegisterUserValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"missing phone", `{"name": "Maria"}`},
		{"bad frequency", `{"phone": "15551234567", "check_in_frequency": "hourly"}`},
		{"bad time", `{"phone": "15551234567", "check_in_time": "9am"}`},
		{"bad treatment date", `{"phone": "15551234567", "upcoming_treatment_dates": ["tomorrow"]}`},
		{"invalid json", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/users", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestRegisterUserMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/users", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

func TestGetUser(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/users/15551234567", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d for unknown user, want 404", rec.Code)
	}

	ts.do(t, http.MethodPost, "/users", `{"phone": "15551234567", "name": "Maria"}`)

	rec = ts.do(t, http.MethodGet, "/users/15551234567", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	resp := decodeResponse(t, rec)
	if resp.Status != string(models.APIStatusOK) {
		t.Errorf("response status = %s", resp.Status)
	}
}

func TestUpdateUserPreservesReminderSetting(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/users", `{"phone": "15551234567", "name": "Maria", "reminder_enabled": false}`)

	// A later update without the reminder field must not re-enable reminders.
	rec := ts.do(t, http.MethodPut, "/users/15551234567", `{"phone": "15551234567", "diagnosis": "lymphoma"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	schedule, err := ts.data.LoadSchedule("15551234567")
	if err != nil {
		t.Fatalf("failed to load schedule: %v", err)
	}
	if schedule.Preferences.ReminderEnabled {
		t.Error("update without reminder_enabled re-enabled reminders")
	}

	profile, _ := ts.data.LoadProfile("15551234567")
	if profile.Name != "Maria" || profile.Diagnosis != "lymphoma" {
		t.Errorf("partial update lost fields: %+v", profile)
	}
}

func TestRecordSymptom(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/users/15551234567/symptoms", `{"name": "nausea", "severity": "moderate"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	profile, err := ts.data.LoadProfile("15551234567")
	if err != nil {
		t.Fatalf("failed to load profile: %v", err)
	}
	if len(profile.Symptoms) != 1 || profile.Symptoms[0].Name != "nausea" || profile.Symptoms[0].Severity != models.SeverityModerate {
		t.Errorf("symptoms = %+v", profile.Symptoms)
	}
}

func TestRecordSymptomValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/users/15551234567/symptoms", `{"severity": "moderate"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d for missing name, want 400", rec.Code)
	}
	rec = ts.do(t, http.MethodPost, "/users/15551234567/symptoms", `{"name": "nausea", "severity": "extreme"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d for bad severity, want 400", rec.Code)
	}
}

func TestScheduleTreatment(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/users/15551234567/treatments", `{"next_treatment": "2026-01-09T15:00:00Z"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	profile, err := ts.data.LoadProfile("15551234567")
	if err != nil {
		t.Fatalf("failed to load profile: %v", err)
	}
	want := time.Date(2026, 1, 9, 15, 0, 0, 0, time.UTC)
	if profile.Treatment == nil || !profile.Treatment.NextTreatment.Equal(want) {
		t.Errorf("treatment = %+v, want %v", profile.Treatment, want)
	}

	rec = ts.do(t, http.MethodPost, "/users/15551234567/treatments", `{"next_treatment": "next friday"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d for bad date, want 400", rec.Code)
	}
}

func TestSendMessage(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/users/15551234567/messages", `{"body": "How are you feeling?"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(ts.mock.SentMessages) != 1 || ts.mock.SentMessages[0].Body != "How are you feeling?" {
		t.Errorf("sent = %+v", ts.mock.SentMessages)
	}

	rec = ts.do(t, http.MethodPost, "/users/15551234567/messages", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d for missing body, want 400", rec.Code)
	}
}

// mockPromptClient implements promptClient.
type mockPromptClient struct {
	generated  string
	err        error
	lastPrompt string
}

func (m *mockPromptClient) GeneratePrompt(systemPrompt, userPrompt string) (string, error) {
	m.lastPrompt = userPrompt
	if m.err != nil {
		return "", m.err
	}
	return m.generated, nil
}

func (m *mockPromptClient) SessionCount() int { return 0 }

func TestSendMessageGeneratesFromPrompt(t *testing.T) {
	ts := newTestServer(t)
	gen := &mockPromptClient{generated: "Remember to drink plenty of water today."}
	ts.server.gaClient = gen

	rec := ts.do(t, http.MethodPost, "/users/15551234567/messages", `{"prompt": "write a short hydration nudge"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if gen.lastPrompt != "write a short hydration nudge" {
		t.Errorf("prompt passed through = %q", gen.lastPrompt)
	}
	if len(ts.mock.SentMessages) != 1 || ts.mock.SentMessages[0].Body != gen.generated {
		t.Errorf("sent = %+v, want the generated body", ts.mock.SentMessages)
	}

	// An explicit body always wins over the prompt.
	rec = ts.do(t, http.MethodPost, "/users/15551234567/messages", `{"body": "Hello", "prompt": "ignored"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(ts.mock.SentMessages) != 2 || ts.mock.SentMessages[1].Body != "Hello" {
		t.Errorf("sent = %+v, want the explicit body", ts.mock.SentMessages)
	}
}

func TestSendMessagePromptWithoutGenerator(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/users/15551234567/messages", `{"prompt": "write something"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d without a generator, want 503", rec.Code)
	}
	if len(ts.mock.SentMessages) != 0 {
		t.Errorf("nothing should be sent, got %+v", ts.mock.SentMessages)
	}
}

func TestReceiptsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	if err := ts.memory.AddReceipt(models.Receipt{To: "15551234567", Status: models.MessageStatusSent, Time: testNow.Unix()}); err != nil {
		t.Fatalf("AddReceipt failed: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/receipts", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Status != string(models.APIStatusOK) || resp.Result == nil {
		t.Errorf("response = %+v", resp)
	}
}

func TestInboundMessagesEndpoint(t *testing.T) {
	ts := newTestServer(t)

	if err := ts.memory.AddInbound(models.InboundMessage{From: "15551234567", Body: "hello", Time: testNow.Unix()}); err != nil {
		t.Fatalf("AddInbound failed: %v", err)
	}

	rec := ts.do(t, http.MethodGet, "/messages", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	ts.do(t, http.MethodPost, "/users", `{"phone": "15551234567", "name": "Maria"}`)

	rec := ts.do(t, http.MethodGet, "/stats", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		Status string      `json:"status"`
		Result statsResult `json:"result"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode stats: %v", err)
	}
	if resp.Result.Users != 1 || resp.Result.ActiveEngines != 1 {
		t.Errorf("stats = %+v", resp.Result)
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeResponse(t, rec)
	if resp.Message != "healthy" {
		t.Errorf("message = %q", resp.Message)
	}
}

func TestTwilioWebhookRoute(t *testing.T) {
	ts := newTestServer(t)

	body := "From=whatsapp%3A%2B15551234567&Body=hello"
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	select {
	case msg := <-ts.service.Inbound():
		if msg.Body != "hello" {
			t.Errorf("inbound body = %q", msg.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("webhook did not emit an inbound message")
	}
}
