package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/BTreeMap/CarePulse/internal/composer"
	"github.com/BTreeMap/CarePulse/internal/models"
)

// Trigger policy thresholds.
const (
	// TreatmentReminderWindow is how far ahead of a treatment the reminder fires.
	TreatmentReminderWindow = 24 * time.Hour
	// InactivityThreshold is how long without interaction before a re-engagement check.
	InactivityThreshold = 72 * time.Hour
	// LowWellnessThreshold is the rating at or below which a wellness follow-up fires.
	LowWellnessThreshold = 3
	// RecentSymptomWindow bounds how far back symptoms count as recent.
	RecentSymptomWindow = 72 * time.Hour
	// ContactHourStart and ContactHourEnd bound the routine contact window.
	ContactHourStart = 9
	ContactHourEnd   = 20
	// WeeklyWellnessIntervalDays is the minimum gap between weekly wellness checks.
	WeeklyWellnessIntervalDays = 7
)

// recentSymptoms returns the symptoms reported within the recent window,
// newest first.
func recentSymptoms(symptoms []models.Symptom, now time.Time) []models.Symptom {
	cutoff := now.Add(-RecentSymptomWindow)
	var recent []models.Symptom
	for _, s := range symptoms {
		if s.ReportedAt.After(cutoff) {
			recent = append(recent, s)
		}
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].ReportedAt.After(recent[j].ReportedAt)
	})
	return recent
}

// sameCalendarDay reports whether a and b fall on the same calendar date in
// a's location. This deliberately differs from a 24-hour delta: a message sent
// late yesterday does not count as sent today.
func sameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// buildTriggerContext assembles a fresh policy snapshot from the user's
// documents. Nothing in the snapshot is persisted.
func buildTriggerContext(profile *models.UserProfile, schedule *models.ScheduleState, now time.Time) models.TriggerContext {
	tc := models.TriggerContext{
		UserID:                    profile.PhoneNumber,
		UserName:                  profile.Name,
		CurrentHour:               now.Hour(),
		DayOfWeek:                 now.Weekday(),
		HoursSinceLastInteraction: -1,
		HoursTillTreatment:        -1,
		LastWellnessRating:        -1,
		DaysSinceWellness:         -1,
		ReminderEnabled:           schedule.Preferences.ReminderEnabled,
		CheckInFrequency:          schedule.Preferences.CheckInFrequency,
	}

	if !profile.LastInteraction.IsZero() {
		tc.HoursSinceLastInteraction = int(now.Sub(profile.LastInteraction).Hours())
	}
	if schedule.LastCheckIn != nil {
		tc.SentMessageToday = sameCalendarDay(*schedule.LastCheckIn, now)
	}

	tc.RecentSymptoms = recentSymptoms(profile.Symptoms, now)
	for _, s := range tc.RecentSymptoms {
		if s.Severity == models.SeveritySevere && !s.FollowedUp {
			tc.HasSevereSymptoms = true
			break
		}
	}

	if profile.Treatment != nil && profile.Treatment.NextTreatment.After(now) {
		until := profile.Treatment.NextTreatment.Sub(now)
		// Round to the nearest hour so a treatment under an hour away still
		// reports as one hour out and can fire a reminder.
		tc.HoursTillTreatment = int(math.Round(until.Hours()))
		tc.TreatmentReminderDue = !profile.Treatment.ReminderSent && until <= TreatmentReminderWindow
	}

	if profile.LastWellnessRating != nil {
		tc.LastWellnessRating = *profile.LastWellnessRating
	}
	if profile.LastWellnessDate != nil {
		tc.DaysSinceWellness = int(now.Sub(*profile.LastWellnessDate).Hours() / 24)
	}
	return tc
}

// decide runs the trigger rule cascade over the snapshot. Rules are evaluated
// in priority order and the first match wins; when nothing matches the
// decision is no contact.
func decide(tc models.TriggerContext) models.Decision {
	if tc.HasSevereSymptoms {
		return models.Decision{
			ShouldContact: true,
			MessageType:   models.CheckInTypeSymptomFollowUp,
			Urgency:       models.UrgencyHigh,
			Reasoning:     "severe symptom reported without follow-up",
		}
	}

	if tc.TreatmentReminderDue && tc.HoursTillTreatment > 0 {
		return models.Decision{
			ShouldContact: true,
			MessageType:   models.CheckInTypeTreatmentReminder,
			Urgency:       models.UrgencyMedium,
			Reasoning:     fmt.Sprintf("treatment in %d hours and no reminder sent", tc.HoursTillTreatment),
		}
	}

	if tc.HoursSinceLastInteraction > int(InactivityThreshold.Hours()) {
		return models.Decision{
			ShouldContact: true,
			MessageType:   models.CheckInTypeInactivityCheck,
			Urgency:       models.UrgencyMedium,
			Reasoning:     fmt.Sprintf("no interaction for %d hours", tc.HoursSinceLastInteraction),
		}
	}

	if tc.LastWellnessRating >= 0 && tc.LastWellnessRating <= LowWellnessThreshold && !tc.SentMessageToday {
		return models.Decision{
			ShouldContact: true,
			MessageType:   models.CheckInTypeWellnessFollowUp,
			Urgency:       models.UrgencyMedium,
			Reasoning:     fmt.Sprintf("last wellness rating was %d", tc.LastWellnessRating),
		}
	}

	inContactWindow := tc.CurrentHour >= ContactHourStart && tc.CurrentHour <= ContactHourEnd

	if tc.ReminderEnabled && tc.CheckInFrequency == models.FrequencyDaily &&
		!tc.SentMessageToday && inContactWindow {
		return models.Decision{
			ShouldContact: true,
			MessageType:   models.CheckInTypeDailyCheckIn,
			Urgency:       models.UrgencyLow,
			Reasoning:     "daily check-in due",
		}
	}

	if tc.ReminderEnabled && tc.CheckInFrequency == models.FrequencyWeekly &&
		(tc.DaysSinceWellness < 0 || tc.DaysSinceWellness >= WeeklyWellnessIntervalDays) &&
		!tc.SentMessageToday && inContactWindow {
		return models.Decision{
			ShouldContact: true,
			MessageType:   models.CheckInTypeWeeklyWellness,
			Urgency:       models.UrgencyLow,
			Reasoning:     "weekly wellness check due",
		}
	}

	return models.Decision{Reasoning: "no trigger condition met"}
}

// triggerPassLocked builds the snapshot, evaluates the cascade, and executes
// the resulting decision. Evaluation errors degrade to no contact.
func (e *Engine) triggerPassLocked(ctx context.Context) error {
	profile, err := e.data.LoadProfile(e.id)
	if err != nil {
		slog.Error("Engine.triggerPass: failed to load profile, skipping contact", "error", err, "user", e.id)
		return err
	}
	schedule, err := e.data.LoadSchedule(e.id)
	if err != nil {
		slog.Error("Engine.triggerPass: failed to load schedule, skipping contact", "error", err, "user", e.id)
		return err
	}

	now := e.now()
	tc := buildTriggerContext(profile, schedule, now)
	decision := decide(tc)
	slog.Debug("Engine.triggerPass: decision made", "user", e.id, "should_contact", decision.ShouldContact, "type", decision.MessageType, "reasoning", decision.Reasoning)

	if !decision.ShouldContact {
		return nil
	}
	return e.executeDecision(ctx, decision, profile, schedule, tc, now)
}

// executeDecision sends the message for a positive decision and performs its
// bookkeeping: marking symptoms followed up, arming the treatment reminder
// gate, stamping the weekly check, and recording the check-in.
func (e *Engine) executeDecision(ctx context.Context, decision models.Decision, profile *models.UserProfile, schedule *models.ScheduleState, tc models.TriggerContext, now time.Time) error {
	body := composer.Compose(decision.MessageType, profile, tc.RecentSymptoms)
	if err := e.msg.SendMessage(ctx, e.id, body); err != nil {
		slog.Error("Engine.executeDecision: send failed", "error", err, "user", e.id, "type", decision.MessageType)
		return fmt.Errorf("failed to send %s to %s: %w", decision.MessageType, e.id, err)
	}

	profileDirty := false
	switch decision.MessageType {
	case models.CheckInTypeSymptomFollowUp:
		// Mark so the same reports cannot fire again.
		for _, recent := range tc.RecentSymptoms {
			if recent.Severity != models.SeveritySevere || recent.FollowedUp {
				continue
			}
			for i := range profile.Symptoms {
				if profile.Symptoms[i].Name == recent.Name && profile.Symptoms[i].ReportedAt.Equal(recent.ReportedAt) {
					profile.Symptoms[i].FollowedUp = true
					followedAt := now
					profile.Symptoms[i].FollowUpDate = &followedAt
					profileDirty = true
				}
			}
		}
	case models.CheckInTypeTreatmentReminder:
		if profile.Treatment != nil {
			profile.Treatment.ReminderSent = true
			profileDirty = true
		}
	case models.CheckInTypeWeeklyWellness:
		weeklyAt := now
		schedule.LastWeeklyCheck = &weeklyAt
	}

	if profileDirty {
		if err := e.data.SaveProfile(profile); err != nil {
			slog.Error("Engine.executeDecision: failed to save profile", "error", err, "user", e.id)
			return err
		}
	}

	schedule.History = append(schedule.History, models.CheckInRecord{Type: decision.MessageType, Timestamp: now})
	checkInAt := now
	schedule.LastCheckIn = &checkInAt
	if err := e.data.SaveSchedule(e.id, schedule); err != nil {
		slog.Error("Engine.executeDecision: failed to save schedule", "error", err, "user", e.id)
		return err
	}

	slog.Info("Engine.executeDecision: proactive message sent", "user", e.id, "type", decision.MessageType, "urgency", decision.Urgency)
	return nil
}
