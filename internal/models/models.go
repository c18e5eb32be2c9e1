// Package models defines the core data structures for CarePulse.
//
// It includes the per-user profile and schedule documents, trigger decisions,
// and delivery receipts, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Severity classifies the intensity of a reported symptom.
type Severity string

const (
	// SeverityUnspecified indicates the user did not qualify the symptom.
	SeverityUnspecified Severity = "not specified"
	// SeverityMild indicates a mild symptom.
	SeverityMild Severity = "mild"
	// SeverityModerate indicates a moderate symptom.
	SeverityModerate Severity = "moderate"
	// SeveritySevere indicates a severe symptom requiring follow-up.
	SeveritySevere Severity = "severe"
)

// IsValidSeverity checks if the given severity is supported.
func IsValidSeverity(s Severity) bool {
	switch s {
	case SeverityUnspecified, SeverityMild, SeverityModerate, SeveritySevere:
		return true
	default:
		return false
	}
}

// Symptom is a single symptom report. Entries are append-only; only the
// follow-up fields are mutated in place.
type Symptom struct {
	Name         string     `json:"name"` // normalized lowercase token
	Severity     Severity   `json:"severity"`
	ReportedAt   time.Time  `json:"reported_at"`
	FollowedUp   bool       `json:"followed_up"`
	FollowUpDate *time.Time `json:"follow_up_date,omitempty"`
}

// TreatmentSchedule tracks the single upcoming treatment for a user.
// ReminderSent gates the treatment reminder so it fires once per instance.
type TreatmentSchedule struct {
	NextTreatment time.Time `json:"next_treatment"`
	ReminderSent  bool      `json:"reminder_sent"`
}

// EmergencyContact holds emergency contact details captured at registration.
type EmergencyContact struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Relationship string `json:"relationship,omitempty"`
}

// UserProfile is the per-user health document, persisted as one JSON file
// under the users partition.
type UserProfile struct {
	PhoneNumber        string             `json:"phone_number"`
	Name               string             `json:"name,omitempty"`
	Email              string             `json:"email,omitempty"`
	Diagnosis          string             `json:"diagnosis,omitempty"`
	Age                int                `json:"age,omitempty"`
	Gender             string             `json:"gender,omitempty"`
	TreatmentType      string             `json:"treatment_type,omitempty"`
	TreatmentFrequency string             `json:"treatment_frequency,omitempty"`
	TreatmentStartDate *time.Time         `json:"treatment_start_date,omitempty"`
	Medications        []string           `json:"medications,omitempty"`
	Allergies          []string           `json:"allergies,omitempty"`
	EmergencyContact   *EmergencyContact  `json:"emergency_contact,omitempty"`
	CareTeam           []string           `json:"care_team,omitempty"`
	Notes              string             `json:"notes,omitempty"` // free-form preference block
	CreatedAt          time.Time          `json:"created_at"`
	LastInteraction    time.Time          `json:"last_interaction"`
	LastWellnessRating *int               `json:"last_wellness_rating,omitempty"`
	LastWellnessDate   *time.Time         `json:"last_wellness_date,omitempty"`
	Symptoms           []Symptom          `json:"symptoms"`
	Treatment          *TreatmentSchedule `json:"treatment_schedule,omitempty"`
}

// Frequency defines how often scheduled check-ins recur.
type Frequency string

const (
	// FrequencyDaily schedules one check-in per day.
	FrequencyDaily Frequency = "daily"
	// FrequencyWeekly schedules one check-in per week.
	FrequencyWeekly Frequency = "weekly"
	// FrequencyCustom schedules check-ins from a custom rule list.
	FrequencyCustom Frequency = "custom"
)

// IsValidFrequency checks if the given check-in frequency is supported.
func IsValidFrequency(f Frequency) bool {
	switch f {
	case FrequencyDaily, FrequencyWeekly, FrequencyCustom:
		return true
	default:
		return false
	}
}

// CustomRule is one entry of a custom check-in schedule.
type CustomRule struct {
	Time    string       `json:"time"` // HH:MM, 24-hour
	Type    Frequency    `json:"type"` // daily or weekly
	Day     time.Weekday `json:"day,omitempty"`
	Enabled bool         `json:"enabled"`
}

// SchedulePreferences holds the user's check-in recurrence preferences.
type SchedulePreferences struct {
	CheckInFrequency Frequency    `json:"check_in_frequency"`
	CheckInTime      string       `json:"check_in_time"` // HH:MM, 24-hour
	CheckInDay       time.Weekday `json:"check_in_day,omitempty"`
	CustomRules      []CustomRule `json:"custom_rules,omitempty"`
	ReminderEnabled  bool         `json:"reminder_enabled"`
}

// CheckInStatus tracks whether an upcoming check-in has been handled.
type CheckInStatus string

const (
	// CheckInStatusPending indicates the check-in has not fired yet.
	CheckInStatusPending CheckInStatus = "pending"
	// CheckInStatusProcessed indicates the check-in was sent and recorded.
	CheckInStatusProcessed CheckInStatus = "processed"
)

// CheckInType tags the kind of outbound contact, scheduled or triggered.
type CheckInType string

const (
	// CheckInTypeScheduled is a regular calendar-driven check-in.
	CheckInTypeScheduled CheckInType = "scheduled"
	// CheckInTypeSymptomFollowUp follows up on a severe symptom report.
	CheckInTypeSymptomFollowUp CheckInType = "symptom_followup"
	// CheckInTypeTreatmentReminder reminds about an upcoming treatment.
	CheckInTypeTreatmentReminder CheckInType = "treatment_reminder"
	// CheckInTypeInactivityCheck re-engages a user after prolonged silence.
	CheckInTypeInactivityCheck CheckInType = "inactivity_check"
	// CheckInTypeWellnessFollowUp follows up on a low wellness rating.
	CheckInTypeWellnessFollowUp CheckInType = "wellness_followup"
	// CheckInTypeDailyCheckIn is the routine daily check-in.
	CheckInTypeDailyCheckIn CheckInType = "daily_checkin"
	// CheckInTypeWeeklyWellness is the routine weekly wellness check.
	CheckInTypeWeeklyWellness CheckInType = "weekly_wellness"
	// CheckInTypeHydrationReminder nudges the user to stay hydrated.
	CheckInTypeHydrationReminder CheckInType = "hydration_reminder"
	// CheckInTypeMedicationReminder reminds about a medication.
	CheckInTypeMedicationReminder CheckInType = "medication_reminder"
	// CheckInTypeEncouragement sends positive reinforcement.
	CheckInTypeEncouragement CheckInType = "positive_reinforcement"
)

// UpcomingCheckIn is one entry of the generated check-in schedule.
type UpcomingCheckIn struct {
	ScheduledFor time.Time     `json:"scheduled_for"`
	Type         CheckInType   `json:"check_in_type"`
	Status       CheckInStatus `json:"status"`
}

// CheckInRecord is a bookkeeping entry for a sent check-in.
type CheckInRecord struct {
	Type      CheckInType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// ScheduleState is the per-user schedule document, persisted as one JSON file
// under the schedules partition. It is owned exclusively by the user's
// schedule engine instance.
type ScheduleState struct {
	Upcoming        []UpcomingCheckIn   `json:"upcoming_check_ins"`
	History         []CheckInRecord     `json:"check_ins"`
	LastCheckIn     *time.Time          `json:"last_check_in,omitempty"`
	LastWeeklyCheck *time.Time          `json:"last_weekly_check,omitempty"`
	Preferences     SchedulePreferences `json:"preferences"`
}

// Urgency ranks how pressing a proactive contact decision is.
type Urgency string

const (
	// UrgencyLow marks routine contact.
	UrgencyLow Urgency = "low"
	// UrgencyMedium marks time-sensitive contact.
	UrgencyMedium Urgency = "medium"
	// UrgencyHigh marks contact that should not wait.
	UrgencyHigh Urgency = "high"
)

// Decision is the outcome of one trigger policy evaluation. It is ephemeral
// and never persisted.
type Decision struct {
	ShouldContact bool        `json:"should_contact"`
	MessageType   CheckInType `json:"message_type,omitempty"`
	Urgency       Urgency     `json:"urgency,omitempty"`
	Reasoning     string      `json:"reasoning"`
}

// TriggerContext is the snapshot the trigger policy evaluates. It is
// assembled fresh on every pass and never persisted.
type TriggerContext struct {
	UserID                    string
	UserName                  string
	CurrentHour               int
	DayOfWeek                 time.Weekday
	HoursSinceLastInteraction int // -1 when no interaction recorded
	// SentMessageToday compares calendar dates of the last check-in and now;
	// it is deliberately distinct from the raw hour delta above.
	SentMessageToday     bool
	RecentSymptoms       []Symptom // last 3 days, newest first
	HasSevereSymptoms    bool
	HoursTillTreatment   int // -1 when no upcoming treatment
	TreatmentReminderDue bool
	LastWellnessRating   int // -1 when never rated
	DaysSinceWellness    int // -1 when never rated
	ReminderEnabled      bool
	CheckInFrequency     Frequency
}

// Validation errors shared by the registration/update boundary.
var (
	ErrMissingPhoneNumber = errors.New("phone number is required")
	ErrInvalidFrequency   = errors.New("invalid check-in frequency")
	ErrInvalidTimeOfDay   = errors.New("check-in time must be in HH:MM format")
	ErrInvalidSeverity    = errors.New("invalid symptom severity")
	ErrMissingSymptomName = errors.New("symptom name is required")
	ErrInvalidDate        = errors.New("invalid date format")
)

// RegistrationRequest is the payload for registering a user.
type RegistrationRequest struct {
	Phone              string            `json:"phone"`
	Name               string            `json:"name,omitempty"`
	Email              string            `json:"email,omitempty"`
	Diagnosis          string            `json:"diagnosis,omitempty"`
	Age                int               `json:"age,omitempty"`
	Gender             string            `json:"gender,omitempty"`
	TreatmentType      string            `json:"treatment_type,omitempty"`
	TreatmentFrequency string            `json:"treatment_frequency,omitempty"`
	TreatmentStartDate string            `json:"treatment_start_date,omitempty"`
	TreatmentDates     []string          `json:"upcoming_treatment_dates,omitempty"`
	Medications        []string          `json:"medications,omitempty"`
	Allergies          []string          `json:"allergies,omitempty"`
	EmergencyContact   *EmergencyContact `json:"emergency_contact,omitempty"`
	CareTeam           []string          `json:"care_team,omitempty"`
	CheckInFrequency   Frequency         `json:"check_in_frequency,omitempty"`
	CheckInTime        string            `json:"check_in_time,omitempty"`
	ReminderEnabled    *bool             `json:"reminder_enabled,omitempty"`
}

// Validate performs validation on a RegistrationRequest.
func (r *RegistrationRequest) Validate() error {
	if r.Phone == "" {
		return ErrMissingPhoneNumber
	}
	if r.CheckInFrequency != "" && !IsValidFrequency(r.CheckInFrequency) {
		return ErrInvalidFrequency
	}
	if r.CheckInTime != "" {
		if _, err := time.Parse("15:04", r.CheckInTime); err != nil {
			return ErrInvalidTimeOfDay
		}
	}
	for _, d := range r.TreatmentDates {
		if _, err := time.Parse(time.RFC3339, d); err != nil {
			return ErrInvalidDate
		}
	}
	return nil
}

// SymptomRequest is the payload for recording a symptom via the API.
type SymptomRequest struct {
	Name     string   `json:"name"`
	Severity Severity `json:"severity,omitempty"`
}

// Validate performs validation on a SymptomRequest.
func (r *SymptomRequest) Validate() error {
	if r.Name == "" {
		return ErrMissingSymptomName
	}
	if r.Severity != "" && !IsValidSeverity(r.Severity) {
		return ErrInvalidSeverity
	}
	return nil
}

// DefaultPreferences returns the schedule preferences applied on first use.
func DefaultPreferences() SchedulePreferences {
	return SchedulePreferences{
		CheckInFrequency: FrequencyDaily,
		CheckInTime:      "09:00",
		ReminderEnabled:  true,
	}
}
