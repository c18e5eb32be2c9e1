// Package scheduler implements the per-user check-in engine and the manager
// that owns the heartbeat driving all engines.
//
// Each user is served by exactly one Engine instance, which owns that user's
// schedule document. The engine computes upcoming check-ins from the user's
// preferences, processes due entries on every heartbeat, and finishes each
// pass by evaluating the proactive trigger policy.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CarePulse/internal/composer"
	"github.com/BTreeMap/CarePulse/internal/messaging"
	"github.com/BTreeMap/CarePulse/internal/models"
	"github.com/BTreeMap/CarePulse/internal/userdata"
)

// SevereSymptomFollowUpDelay is how long after a severe symptom report the
// engine schedules a follow-up check-in.
const SevereSymptomFollowUpDelay = 3 * time.Hour

// Engine drives check-ins for a single user. All read-modify-write cycles on
// the user's documents are serialized through the engine's mutex.
type Engine struct {
	id   string
	data *userdata.Store
	msg  messaging.Service
	mu   sync.Mutex
	now  func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithNowFunc overrides the engine's clock, used in tests.
func WithNowFunc(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine for the given user identifier.
func NewEngine(id string, data *userdata.Store, msg messaging.Service, opts ...EngineOption) *Engine {
	e := &Engine{
		id:   id,
		data: data,
		msg:  msg,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the user identifier this engine serves.
func (e *Engine) ID() string {
	return e.id
}

// parseTimeOfDay parses an HH:MM value into hour and minute components.
func parseTimeOfDay(value string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, models.ErrInvalidTimeOfDay
	}
	return t.Hour(), t.Minute(), nil
}

// nextDaily returns the next occurrence of HH:MM on or after now,
// rolling to tomorrow if today's slot has already passed.
func nextDaily(now time.Time, timeOfDay string) (time.Time, error) {
	hour, minute, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next, nil
}

// nextWeekly returns the next occurrence of day at HH:MM on or after now,
// rolling a full week if today is the configured day but the slot has passed.
func nextWeekly(now time.Time, timeOfDay string, day time.Weekday) (time.Time, error) {
	hour, minute, err := parseTimeOfDay(timeOfDay)
	if err != nil {
		return time.Time{}, err
	}
	daysAhead := (int(day) - int(now.Weekday()) + 7) % 7
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location()).AddDate(0, 0, daysAhead)
	if !next.After(now) {
		next = next.AddDate(0, 0, 7)
	}
	return next, nil
}

// generateUpcoming computes the scheduled check-in entries for the given
// preferences. Disabled reminders yield no entries. Invalid custom rules are
// skipped; an invalid top-level time is an error.
func generateUpcoming(prefs models.SchedulePreferences, now time.Time) ([]models.UpcomingCheckIn, error) {
	if !prefs.ReminderEnabled {
		return []models.UpcomingCheckIn{}, nil
	}

	var upcoming []models.UpcomingCheckIn
	appendEntry := func(at time.Time) {
		upcoming = append(upcoming, models.UpcomingCheckIn{
			ScheduledFor: at,
			Type:         models.CheckInTypeScheduled,
			Status:       models.CheckInStatusPending,
		})
	}

	switch prefs.CheckInFrequency {
	case models.FrequencyDaily:
		at, err := nextDaily(now, prefs.CheckInTime)
		if err != nil {
			return nil, err
		}
		appendEntry(at)
	case models.FrequencyWeekly:
		at, err := nextWeekly(now, prefs.CheckInTime, prefs.CheckInDay)
		if err != nil {
			return nil, err
		}
		appendEntry(at)
	case models.FrequencyCustom:
		for _, rule := range prefs.CustomRules {
			if !rule.Enabled {
				continue
			}
			var at time.Time
			var err error
			switch rule.Type {
			case models.FrequencyWeekly:
				at, err = nextWeekly(now, rule.Time, rule.Day)
			default:
				at, err = nextDaily(now, rule.Time)
			}
			if err != nil {
				slog.Warn("Engine.generateUpcoming: skipping invalid custom rule", "time", rule.Time, "error", err)
				continue
			}
			appendEntry(at)
		}
	default:
		return nil, models.ErrInvalidFrequency
	}

	sort.Slice(upcoming, func(i, j int) bool {
		return upcoming[i].ScheduledFor.Before(upcoming[j].ScheduledFor)
	})
	return upcoming, nil
}

// Recompute regenerates the user's upcoming check-ins from their preferences.
// When overrides is non-nil its non-zero fields replace the stored preferences
// first. Pending follow-up entries that are still in the future survive the
// regeneration; scheduled entries are replaced wholesale.
func (e *Engine) Recompute(overrides *models.SchedulePreferences) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recomputeLocked(overrides)
}

func (e *Engine) recomputeLocked(overrides *models.SchedulePreferences) error {
	schedule, err := e.data.LoadSchedule(e.id)
	if err != nil {
		return err
	}

	if overrides != nil {
		mergePreferences(&schedule.Preferences, overrides)
	}

	now := e.now()
	generated, err := generateUpcoming(schedule.Preferences, now)
	if err != nil {
		return fmt.Errorf("failed to compute schedule for %s: %w", e.id, err)
	}

	// Carry over pending follow-ups so a recompute cannot cancel them.
	for _, entry := range schedule.Upcoming {
		if entry.Status == models.CheckInStatusPending &&
			entry.Type != models.CheckInTypeScheduled &&
			entry.ScheduledFor.After(now) {
			generated = append(generated, entry)
		}
	}
	sort.Slice(generated, func(i, j int) bool {
		return generated[i].ScheduledFor.Before(generated[j].ScheduledFor)
	})

	schedule.Upcoming = generated
	if err := e.data.SaveSchedule(e.id, schedule); err != nil {
		return err
	}
	slog.Debug("Engine.Recompute: schedule regenerated", "user", e.id, "entries", len(generated))
	return nil
}

// mergePreferences applies the non-zero fields of overrides onto prefs.
// ReminderEnabled is always taken from overrides since false is meaningful.
func mergePreferences(prefs *models.SchedulePreferences, overrides *models.SchedulePreferences) {
	if overrides.CheckInFrequency != "" {
		prefs.CheckInFrequency = overrides.CheckInFrequency
	}
	if overrides.CheckInTime != "" {
		prefs.CheckInTime = overrides.CheckInTime
	}
	if overrides.CheckInDay != 0 || overrides.CheckInFrequency == models.FrequencyWeekly {
		prefs.CheckInDay = overrides.CheckInDay
	}
	if overrides.CustomRules != nil {
		prefs.CustomRules = overrides.CustomRules
	}
	prefs.ReminderEnabled = overrides.ReminderEnabled
}

// DueCheck is one heartbeat pass for this user: process every due pending
// entry, then evaluate the trigger policy. A failed send leaves its entry
// pending so the next heartbeat retries it.
func (e *Engine) DueCheck(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	schedule, err := e.data.LoadSchedule(e.id)
	if err != nil {
		slog.Error("Engine.DueCheck: failed to load schedule", "error", err, "user", e.id)
		return err
	}
	profile, err := e.data.LoadProfile(e.id)
	if err != nil {
		slog.Error("Engine.DueCheck: failed to load profile", "error", err, "user", e.id)
		return err
	}

	processed := 0
	for i := range schedule.Upcoming {
		entry := &schedule.Upcoming[i]
		if entry.Status != models.CheckInStatusPending || entry.ScheduledFor.After(now) {
			continue
		}

		body := composer.ComposeScheduled(entry.Type, profile, recentSymptoms(profile.Symptoms, now))
		if err := e.msg.SendMessage(ctx, e.id, body); err != nil {
			slog.Error("Engine.DueCheck: send failed, leaving entry pending", "error", err, "user", e.id, "type", entry.Type)
			continue
		}

		entry.Status = models.CheckInStatusProcessed
		schedule.History = append(schedule.History, models.CheckInRecord{Type: entry.Type, Timestamp: now})
		checkInAt := now
		schedule.LastCheckIn = &checkInAt
		processed++
		slog.Info("Engine.DueCheck: check-in sent", "user", e.id, "type", entry.Type)
	}

	if processed > 0 {
		if err := e.data.SaveSchedule(e.id, schedule); err != nil {
			slog.Error("Engine.DueCheck: failed to save schedule", "error", err, "user", e.id)
			return err
		}
		if err := e.recomputeLocked(nil); err != nil {
			slog.Error("Engine.DueCheck: recompute failed", "error", err, "user", e.id)
		}
	}

	// The trigger pass runs on every heartbeat, whether or not anything was due.
	if err := e.triggerPassLocked(ctx); err != nil {
		slog.Error("Engine.DueCheck: trigger pass failed", "error", err, "user", e.id)
		return err
	}
	return nil
}

// ScheduleFollowUp appends a pending follow-up entry delay from now.
func (e *Engine) ScheduleFollowUp(checkInType models.CheckInType, delay time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.scheduleFollowUpLocked(checkInType, delay)
}

func (e *Engine) scheduleFollowUpLocked(checkInType models.CheckInType, delay time.Duration) error {
	schedule, err := e.data.LoadSchedule(e.id)
	if err != nil {
		return err
	}
	schedule.Upcoming = append(schedule.Upcoming, models.UpcomingCheckIn{
		ScheduledFor: e.now().Add(delay),
		Type:         checkInType,
		Status:       models.CheckInStatusPending,
	})
	sort.Slice(schedule.Upcoming, func(i, j int) bool {
		return schedule.Upcoming[i].ScheduledFor.Before(schedule.Upcoming[j].ScheduledFor)
	})
	if err := e.data.SaveSchedule(e.id, schedule); err != nil {
		return err
	}
	slog.Info("Engine.ScheduleFollowUp: follow-up scheduled", "user", e.id, "type", checkInType, "delay", delay)
	return nil
}

// RecordCheckIn appends a history record and stamps the last check-in time.
func (e *Engine) RecordCheckIn(checkInType models.CheckInType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recordCheckInLocked(checkInType)
}

func (e *Engine) recordCheckInLocked(checkInType models.CheckInType) error {
	schedule, err := e.data.LoadSchedule(e.id)
	if err != nil {
		return err
	}
	now := e.now()
	schedule.History = append(schedule.History, models.CheckInRecord{Type: checkInType, Timestamp: now})
	schedule.LastCheckIn = &now
	return e.data.SaveSchedule(e.id, schedule)
}

// UpdateProfile loads the user's profile, applies the mutation, and saves it.
func (e *Engine) UpdateProfile(apply func(*models.UserProfile)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	profile, err := e.data.LoadProfile(e.id)
	if err != nil {
		return err
	}
	apply(profile)
	return e.data.SaveProfile(profile)
}

// TouchInteraction stamps the user's last interaction time.
func (e *Engine) TouchInteraction() error {
	return e.UpdateProfile(func(p *models.UserProfile) {
		p.LastInteraction = e.now()
	})
}

// AddSymptom appends a symptom report to the user's profile. A severe symptom
// also schedules a follow-up check-in and kicks off an immediate trigger
// evaluation in the background.
func (e *Engine) AddSymptom(name string, severity models.Severity) error {
	if name == "" {
		return models.ErrMissingSymptomName
	}
	if severity == "" {
		severity = models.SeverityUnspecified
	}
	if !models.IsValidSeverity(severity) {
		return models.ErrInvalidSeverity
	}

	e.mu.Lock()
	profile, err := e.data.LoadProfile(e.id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	now := e.now()
	profile.Symptoms = append(profile.Symptoms, models.Symptom{
		Name:       name,
		Severity:   severity,
		ReportedAt: now,
	})
	profile.LastInteraction = now
	if err := e.data.SaveProfile(profile); err != nil {
		e.mu.Unlock()
		return err
	}

	severe := severity == models.SeveritySevere
	if severe {
		if err := e.scheduleFollowUpLocked(models.CheckInTypeSymptomFollowUp, SevereSymptomFollowUpDelay); err != nil {
			slog.Error("Engine.AddSymptom: failed to schedule follow-up", "error", err, "user", e.id)
		}
	}
	e.mu.Unlock()

	if severe {
		go func() {
			if err := e.TriggerPass(context.Background()); err != nil {
				slog.Error("Engine.AddSymptom: background trigger pass failed", "error", err, "user", e.id)
			}
		}()
	}
	slog.Info("Engine.AddSymptom: symptom recorded", "user", e.id, "symptom", name, "severity", severity)
	return nil
}

// SetTreatment records the user's next treatment and resets the reminder gate.
func (e *Engine) SetTreatment(next time.Time) error {
	return e.UpdateProfile(func(p *models.UserProfile) {
		p.Treatment = &models.TreatmentSchedule{NextTreatment: next}
	})
}

// SetWellnessRating records a wellness rating and its timestamp.
func (e *Engine) SetWellnessRating(rating int) error {
	return e.UpdateProfile(func(p *models.UserProfile) {
		now := e.now()
		p.LastWellnessRating = &rating
		p.LastWellnessDate = &now
		p.LastInteraction = now
	})
}

// SetPreferences replaces the stored preferences and recomputes the schedule.
func (e *Engine) SetPreferences(overrides *models.SchedulePreferences) error {
	if overrides != nil && overrides.CheckInFrequency != "" && !models.IsValidFrequency(overrides.CheckInFrequency) {
		return models.ErrInvalidFrequency
	}
	if overrides != nil && overrides.CheckInTime != "" {
		if _, _, err := parseTimeOfDay(overrides.CheckInTime); err != nil {
			return err
		}
	}
	return e.Recompute(overrides)
}

// TriggerPass evaluates the proactive trigger policy once and acts on the
// resulting decision.
func (e *Engine) TriggerPass(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.triggerPassLocked(ctx)
}
