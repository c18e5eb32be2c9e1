package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CarePulse/internal/models"
	"github.com/BTreeMap/CarePulse/internal/userdata"
)

// mockMessagingService implements messaging.Service for testing.
type mockMessagingService struct {
	mu       sync.Mutex
	sent     []sentMessage
	sendErr  error
	receipts chan models.Receipt
	inbound  chan models.InboundMessage
}

type sentMessage struct {
	To   string
	Body string
}

func newMockMessagingService() *mockMessagingService {
	return &mockMessagingService{
		receipts: make(chan models.Receipt, 10),
		inbound:  make(chan models.InboundMessage, 10),
	}
}

func (m *mockMessagingService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return recipient, nil
}

func (m *mockMessagingService) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, sentMessage{To: to, Body: body})
	return nil
}

func (m *mockMessagingService) Start(ctx context.Context) error { return nil }
func (m *mockMessagingService) Stop() error                     { return nil }

func (m *mockMessagingService) Receipts() <-chan models.Receipt       { return m.receipts }
func (m *mockMessagingService) Inbound() <-chan models.InboundMessage { return m.inbound }

func (m *mockMessagingService) sentMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// Monday January 5, 2026 at 10:00 local time.
var testNow = time.Date(2026, time.January, 5, 10, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *mockMessagingService, *userdata.Store) {
	t.Helper()
	data, err := userdata.New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create userdata store: %v", err)
	}
	msg := newMockMessagingService()
	engine := NewEngine("15551234567", data, msg, WithNowFunc(func() time.Time { return testNow }))
	return engine, msg, data
}

func TestGenerateUpcomingDailyFutureSlot(t *testing.T) {
	prefs := models.SchedulePreferences{
		CheckInFrequency: models.FrequencyDaily,
		CheckInTime:      "14:30",
		ReminderEnabled:  true,
	}
	upcoming, err := generateUpcoming(prefs, testNow)
	if err != nil {
		t.Fatalf("generateUpcoming failed: %v", err)
	}
	if len(upcoming) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(upcoming))
	}
	want := time.Date(2026, time.January, 5, 14, 30, 0, 0, time.UTC)
	if !upcoming[0].ScheduledFor.Equal(want) {
		t.Errorf("expected %v, got %v", want, upcoming[0].ScheduledFor)
	}
	if upcoming[0].Status != models.CheckInStatusPending {
		t.Errorf("expected pending status, got %s", upcoming[0].Status)
	}
}

func TestGenerateUpcomingDailyElapsedSlotRollsToTomorrow(t *testing.T) {
	prefs := models.SchedulePreferences{
		CheckInFrequency: models.FrequencyDaily,
		CheckInTime:      "09:00",
		ReminderEnabled:  true,
	}
	upcoming, err := generateUpcoming(prefs, testNow)
	if err != nil {
		t.Fatalf("generateUpcoming failed: %v", err)
	}
	want := time.Date(2026, time.January, 6, 9, 0, 0, 0, time.UTC)
	if !upcoming[0].ScheduledFor.Equal(want) {
		t.Errorf("expected roll to tomorrow %v, got %v", want, upcoming[0].ScheduledFor)
	}
}

func TestGenerateUpcomingWeekly(t *testing.T) {
	prefs := models.SchedulePreferences{
		CheckInFrequency: models.FrequencyWeekly,
		CheckInTime:      "09:00",
		CheckInDay:       time.Wednesday,
		ReminderEnabled:  true,
	}
	upcoming, err := generateUpcoming(prefs, testNow)
	if err != nil {
		t.Fatalf("generateUpcoming failed: %v", err)
	}
	want := time.Date(2026, time.January, 7, 9, 0, 0, 0, time.UTC)
	if !upcoming[0].ScheduledFor.Equal(want) {
		t.Errorf("expected next Wednesday %v, got %v", want, upcoming[0].ScheduledFor)
	}
}

func TestGenerateUpcomingWeeklySameDayElapsedRollsAWeek(t *testing.T) {
	// testNow is a Monday at 10:00; the 09:00 slot has already passed.
	prefs := models.SchedulePreferences{
		CheckInFrequency: models.FrequencyWeekly,
		CheckInTime:      "09:00",
		CheckInDay:       time.Monday,
		ReminderEnabled:  true,
	}
	upcoming, err := generateUpcoming(prefs, testNow)
	if err != nil {
		t.Fatalf("generateUpcoming failed: %v", err)
	}
	want := time.Date(2026, time.January, 12, 9, 0, 0, 0, time.UTC)
	if !upcoming[0].ScheduledFor.Equal(want) {
		t.Errorf("expected next Monday %v, got %v", want, upcoming[0].ScheduledFor)
	}
}

func TestGenerateUpcomingCustomRules(t *testing.T) {
	prefs := models.SchedulePreferences{
		CheckInFrequency: models.FrequencyCustom,
		ReminderEnabled:  true,
		CustomRules: []models.CustomRule{
			{Time: "20:00", Type: models.FrequencyDaily, Enabled: true},
			{Time: "11:00", Type: models.FrequencyWeekly, Day: time.Monday, Enabled: true},
			{Time: "08:00", Type: models.FrequencyDaily, Enabled: false},
		},
	}
	upcoming, err := generateUpcoming(prefs, testNow)
	if err != nil {
		t.Fatalf("generateUpcoming failed: %v", err)
	}
	if len(upcoming) != 2 {
		t.Fatalf("expected 2 entries (disabled rule skipped), got %d", len(upcoming))
	}
	// Entries must be chronological: Monday 11:00 before Monday 20:00.
	if !upcoming[0].ScheduledFor.Before(upcoming[1].ScheduledFor) {
		t.Errorf("entries not sorted: %v then %v", upcoming[0].ScheduledFor, upcoming[1].ScheduledFor)
	}
}

func TestGenerateUpcomingRemindersDisabled(t *testing.T) {
	prefs := models.SchedulePreferences{
		CheckInFrequency: models.FrequencyDaily,
		CheckInTime:      "09:00",
		ReminderEnabled:  false,
	}
	upcoming, err := generateUpcoming(prefs, testNow)
	if err != nil {
		t.Fatalf("generateUpcoming failed: %v", err)
	}
	if len(upcoming) != 0 {
		t.Errorf("expected no entries when reminders disabled, got %d", len(upcoming))
	}
}

func TestGenerateUpcomingInvalidTime(t *testing.T) {
	prefs := models.SchedulePreferences{
		CheckInFrequency: models.FrequencyDaily,
		CheckInTime:      "25:99",
		ReminderEnabled:  true,
	}
	if _, err := generateUpcoming(prefs, testNow); !errors.Is(err, models.ErrInvalidTimeOfDay) {
		t.Errorf("expected ErrInvalidTimeOfDay, got %v", err)
	}
}

func TestRecomputePreservesPendingFollowUps(t *testing.T) {
	engine, _, data := newTestEngine(t)

	schedule, err := data.LoadSchedule(engine.ID())
	if err != nil {
		t.Fatalf("failed to load schedule: %v", err)
	}
	followUpAt := testNow.Add(2 * time.Hour)
	schedule.Upcoming = []models.UpcomingCheckIn{
		{ScheduledFor: followUpAt, Type: models.CheckInTypeSymptomFollowUp, Status: models.CheckInStatusPending},
	}
	if err := data.SaveSchedule(engine.ID(), schedule); err != nil {
		t.Fatalf("failed to save schedule: %v", err)
	}

	if err := engine.Recompute(nil); err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}

	schedule, err = data.LoadSchedule(engine.ID())
	if err != nil {
		t.Fatalf("failed to reload schedule: %v", err)
	}
	var foundFollowUp bool
	for _, entry := range schedule.Upcoming {
		if entry.Type == models.CheckInTypeSymptomFollowUp && entry.ScheduledFor.Equal(followUpAt) {
			foundFollowUp = true
		}
	}
	if !foundFollowUp {
		t.Error("pending follow-up was dropped by recompute")
	}
}

func TestDueCheckProcessesDueEntry(t *testing.T) {
	engine, msg, data := newTestEngine(t)

	// Keep the trigger pass quiet: interaction is fresh.
	profile, _ := data.LoadProfile(engine.ID())
	profile.LastInteraction = testNow
	if err := data.SaveProfile(profile); err != nil {
		t.Fatalf("failed to save profile: %v", err)
	}

	schedule, _ := data.LoadSchedule(engine.ID())
	schedule.Upcoming = []models.UpcomingCheckIn{
		{ScheduledFor: testNow.Add(-5 * time.Minute), Type: models.CheckInTypeScheduled, Status: models.CheckInStatusPending},
	}
	if err := data.SaveSchedule(engine.ID(), schedule); err != nil {
		t.Fatalf("failed to save schedule: %v", err)
	}

	if err := engine.DueCheck(context.Background()); err != nil {
		t.Fatalf("DueCheck failed: %v", err)
	}

	sent := msg.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message sent, got %d", len(sent))
	}
	if sent[0].To != engine.ID() {
		t.Errorf("message sent to %s, want %s", sent[0].To, engine.ID())
	}

	schedule, _ = data.LoadSchedule(engine.ID())
	if len(schedule.History) != 1 || schedule.History[0].Type != models.CheckInTypeScheduled {
		t.Errorf("expected one scheduled history record, got %+v", schedule.History)
	}
	if schedule.LastCheckIn == nil || !schedule.LastCheckIn.Equal(testNow) {
		t.Errorf("expected LastCheckIn %v, got %v", testNow, schedule.LastCheckIn)
	}
	// Recompute replaced the processed entry with the next occurrence.
	for _, entry := range schedule.Upcoming {
		if entry.Status == models.CheckInStatusPending && !entry.ScheduledFor.After(testNow) {
			t.Errorf("stale pending entry left behind: %+v", entry)
		}
	}

	// Nothing is newly due, so a second pass must not send or record again.
	if err := engine.DueCheck(context.Background()); err != nil {
		t.Fatalf("second DueCheck failed: %v", err)
	}
	if got := len(msg.sentMessages()); got != 1 {
		t.Errorf("second DueCheck sent a duplicate, %d messages total", got)
	}
	schedule, _ = data.LoadSchedule(engine.ID())
	if len(schedule.History) != 1 {
		t.Errorf("second DueCheck duplicated history: %+v", schedule.History)
	}
}

func TestDueCheckGreetsUnonboardedUser(t *testing.T) {
	engine, msg, data := newTestEngine(t)

	// Default profile with no name yet, interaction fresh so triggers stay quiet.
	profile, _ := data.LoadProfile(engine.ID())
	profile.LastInteraction = testNow
	if err := data.SaveProfile(profile); err != nil {
		t.Fatalf("failed to save profile: %v", err)
	}

	schedule, _ := data.LoadSchedule(engine.ID())
	schedule.Upcoming = []models.UpcomingCheckIn{
		{ScheduledFor: testNow.Add(-time.Minute), Type: models.CheckInTypeScheduled, Status: models.CheckInStatusPending},
	}
	if err := data.SaveSchedule(engine.ID(), schedule); err != nil {
		t.Fatalf("failed to save schedule: %v", err)
	}

	if err := engine.DueCheck(context.Background()); err != nil {
		t.Fatalf("DueCheck failed: %v", err)
	}

	sent := msg.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 message sent, got %d", len(sent))
	}
	if !strings.Contains(sent[0].Body, "share your name") {
		t.Errorf("unnamed user should be welcomed first, got %q", sent[0].Body)
	}

	// Once the name is known, the next scheduled check-in asks for a diagnosis.
	profile, _ = data.LoadProfile(engine.ID())
	profile.Name = "Maria"
	if err := data.SaveProfile(profile); err != nil {
		t.Fatalf("failed to save profile: %v", err)
	}
	schedule, _ = data.LoadSchedule(engine.ID())
	schedule.Upcoming = []models.UpcomingCheckIn{
		{ScheduledFor: testNow.Add(-time.Minute), Type: models.CheckInTypeScheduled, Status: models.CheckInStatusPending},
	}
	if err := data.SaveSchedule(engine.ID(), schedule); err != nil {
		t.Fatalf("failed to save schedule: %v", err)
	}

	if err := engine.DueCheck(context.Background()); err != nil {
		t.Fatalf("second DueCheck failed: %v", err)
	}
	sent = msg.sentMessages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 messages sent, got %d", len(sent))
	}
	if !strings.Contains(sent[1].Body, "diagnosis") {
		t.Errorf("undiagnosed user should be asked for a diagnosis, got %q", sent[1].Body)
	}
}

func TestDueCheckSendFailureLeavesEntryPending(t *testing.T) {
	engine, msg, data := newTestEngine(t)
	msg.sendErr = errors.New("channel down")

	profile, _ := data.LoadProfile(engine.ID())
	profile.LastInteraction = testNow
	if err := data.SaveProfile(profile); err != nil {
		t.Fatalf("failed to save profile: %v", err)
	}

	schedule, _ := data.LoadSchedule(engine.ID())
	schedule.Preferences.ReminderEnabled = false
	dueAt := testNow.Add(-time.Minute)
	schedule.Upcoming = []models.UpcomingCheckIn{
		{ScheduledFor: dueAt, Type: models.CheckInTypeScheduled, Status: models.CheckInStatusPending},
	}
	if err := data.SaveSchedule(engine.ID(), schedule); err != nil {
		t.Fatalf("failed to save schedule: %v", err)
	}

	if err := engine.DueCheck(context.Background()); err != nil {
		t.Fatalf("DueCheck failed: %v", err)
	}

	schedule, _ = data.LoadSchedule(engine.ID())
	if len(schedule.Upcoming) != 1 || schedule.Upcoming[0].Status != models.CheckInStatusPending {
		t.Errorf("expected entry to stay pending for retry, got %+v", schedule.Upcoming)
	}
	if len(schedule.History) != 0 {
		t.Errorf("expected no history on failed send, got %+v", schedule.History)
	}
}

func TestScheduleFollowUp(t *testing.T) {
	engine, _, data := newTestEngine(t)

	if err := engine.ScheduleFollowUp(models.CheckInTypeSymptomFollowUp, 3*time.Hour); err != nil {
		t.Fatalf("ScheduleFollowUp failed: %v", err)
	}

	schedule, _ := data.LoadSchedule(engine.ID())
	var found bool
	for _, entry := range schedule.Upcoming {
		if entry.Type == models.CheckInTypeSymptomFollowUp {
			found = true
			if !entry.ScheduledFor.Equal(testNow.Add(3 * time.Hour)) {
				t.Errorf("follow-up at %v, want %v", entry.ScheduledFor, testNow.Add(3*time.Hour))
			}
		}
	}
	if !found {
		t.Error("follow-up entry not found in schedule")
	}
}

func TestAddSymptomSevereSchedulesFollowUp(t *testing.T) {
	engine, _, data := newTestEngine(t)

	if err := engine.AddSymptom("nausea", models.SeveritySevere); err != nil {
		t.Fatalf("AddSymptom failed: %v", err)
	}

	profile, _ := data.LoadProfile(engine.ID())
	if len(profile.Symptoms) != 1 {
		t.Fatalf("expected 1 symptom, got %d", len(profile.Symptoms))
	}
	if profile.Symptoms[0].Severity != models.SeveritySevere {
		t.Errorf("severity %s, want severe", profile.Symptoms[0].Severity)
	}
	if !profile.LastInteraction.Equal(testNow) {
		t.Errorf("LastInteraction %v, want %v", profile.LastInteraction, testNow)
	}

	schedule, _ := data.LoadSchedule(engine.ID())
	var found bool
	for _, entry := range schedule.Upcoming {
		if entry.Type == models.CheckInTypeSymptomFollowUp && entry.ScheduledFor.Equal(testNow.Add(SevereSymptomFollowUpDelay)) {
			found = true
		}
	}
	if !found {
		t.Error("severe symptom did not schedule a follow-up")
	}
}

func TestAddSymptomDefaultsSeverity(t *testing.T) {
	engine, _, data := newTestEngine(t)

	if err := engine.AddSymptom("fatigue", ""); err != nil {
		t.Fatalf("AddSymptom failed: %v", err)
	}
	profile, _ := data.LoadProfile(engine.ID())
	if profile.Symptoms[0].Severity != models.SeverityUnspecified {
		t.Errorf("severity %s, want %s", profile.Symptoms[0].Severity, models.SeverityUnspecified)
	}
}

func TestAddSymptomValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	if err := engine.AddSymptom("", models.SeverityMild); !errors.Is(err, models.ErrMissingSymptomName) {
		t.Errorf("expected ErrMissingSymptomName, got %v", err)
	}
	if err := engine.AddSymptom("nausea", "extreme"); !errors.Is(err, models.ErrInvalidSeverity) {
		t.Errorf("expected ErrInvalidSeverity, got %v", err)
	}
}

func TestSetPreferencesValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	err := engine.SetPreferences(&models.SchedulePreferences{CheckInFrequency: "hourly"})
	if !errors.Is(err, models.ErrInvalidFrequency) {
		t.Errorf("expected ErrInvalidFrequency, got %v", err)
	}
	err = engine.SetPreferences(&models.SchedulePreferences{CheckInTime: "9am", ReminderEnabled: true})
	if !errors.Is(err, models.ErrInvalidTimeOfDay) {
		t.Errorf("expected ErrInvalidTimeOfDay, got %v", err)
	}
}

func TestSetTreatmentResetsReminderGate(t *testing.T) {
	engine, _, data := newTestEngine(t)

	next := testNow.Add(48 * time.Hour)
	if err := engine.SetTreatment(next); err != nil {
		t.Fatalf("SetTreatment failed: %v", err)
	}

	profile, _ := data.LoadProfile(engine.ID())
	if profile.Treatment == nil {
		t.Fatal("treatment not set")
	}
	if !profile.Treatment.NextTreatment.Equal(next) {
		t.Errorf("next treatment %v, want %v", profile.Treatment.NextTreatment, next)
	}
	if profile.Treatment.ReminderSent {
		t.Error("reminder gate should reset on a new treatment date")
	}
}

func TestSetWellnessRating(t *testing.T) {
	engine, _, data := newTestEngine(t)

	if err := engine.SetWellnessRating(7); err != nil {
		t.Fatalf("SetWellnessRating failed: %v", err)
	}

	profile, _ := data.LoadProfile(engine.ID())
	if profile.LastWellnessRating == nil || *profile.LastWellnessRating != 7 {
		t.Errorf("wellness rating %v, want 7", profile.LastWellnessRating)
	}
	if profile.LastWellnessDate == nil || !profile.LastWellnessDate.Equal(testNow) {
		t.Errorf("wellness date %v, want %v", profile.LastWellnessDate, testNow)
	}
}
