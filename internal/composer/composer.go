// Package composer maps check-in types to human-readable outbound messages.
//
// Composition is side-effect-free: the same inputs always produce a valid
// message, though several templates pick among phrasing variants for variety.
package composer

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/BTreeMap/CarePulse/internal/models"
)

// FallbackName substitutes for users who have not shared their name yet.
const FallbackName = "there"

// TreatmentDateFormat renders treatment dates in a human-readable form.
const TreatmentDateFormat = "Monday, January 2 at 3:04 PM"

// displayName returns the user's name or the neutral placeholder.
func displayName(profile *models.UserProfile) string {
	if profile == nil || profile.Name == "" {
		return FallbackName
	}
	return profile.Name
}

// uniqueSymptomNames deduplicates symptoms by name, preserving order.
func uniqueSymptomNames(symptoms []models.Symptom) []string {
	seen := make(map[string]bool, len(symptoms))
	var names []string
	for _, s := range symptoms {
		if s.Name == "" || seen[s.Name] {
			continue
		}
		seen[s.Name] = true
		names = append(names, s.Name)
	}
	return names
}

// Compose builds the message for a check-in or trigger decision type.
// Unknown types fall back to the daily check-in.
func Compose(checkInType models.CheckInType, profile *models.UserProfile, symptoms []models.Symptom) string {
	switch checkInType {
	case models.CheckInTypeSymptomFollowUp:
		return SymptomFollowUp(profile, symptoms)
	case models.CheckInTypeTreatmentReminder:
		if profile != nil && profile.Treatment != nil {
			return TreatmentReminder(profile, profile.Treatment.NextTreatment)
		}
		return DailyCheckIn(profile, symptoms)
	case models.CheckInTypeInactivityCheck:
		return InactivityCheck(profile)
	case models.CheckInTypeWellnessFollowUp, models.CheckInTypeWeeklyWellness:
		return WeeklyWellnessCheck(profile)
	case models.CheckInTypeHydrationReminder:
		return HydrationReminder(profile)
	case models.CheckInTypeMedicationReminder:
		if profile != nil && len(profile.Medications) > 0 {
			return MedicationReminder(profile, strings.Join(profile.Medications, ", "), "")
		}
		return DailyCheckIn(profile, symptoms)
	case models.CheckInTypeEncouragement:
		return Encouragement(profile)
	default:
		return DailyCheckIn(profile, symptoms)
	}
}

// ComposeScheduled builds the message for a due schedule entry. Onboarding
// takes precedence over the regular templates: a user with no recorded name
// gets the welcome prompt, and a named user with no diagnosis is asked about
// it before any routine check-in.
func ComposeScheduled(checkInType models.CheckInType, profile *models.UserProfile, symptoms []models.Symptom) string {
	if profile == nil || profile.Name == "" {
		return NewUserWelcome()
	}
	if profile.Diagnosis == "" {
		return DiagnosisRequest(profile.Name)
	}
	return Compose(checkInType, profile, symptoms)
}

// DailyCheckIn builds the routine daily check-in message. When recent
// symptoms are known it asks about them; otherwise it picks a randomized
// greeting variant.
func DailyCheckIn(profile *models.UserProfile, recentSymptoms []models.Symptom) string {
	name := displayName(profile)
	names := uniqueSymptomNames(recentSymptoms)

	if len(names) > 0 {
		return fmt.Sprintf("Hi %s, checking in for the day. How are you feeling? Have your %s improved since yesterday?",
			name, strings.Join(names, ", "))
	}

	greetings := []string{
		fmt.Sprintf("Good morning %s", name),
		fmt.Sprintf("Hello %s", name),
		fmt.Sprintf("Hi %s", name),
	}
	questions := []string{
		"How are you feeling today?",
		"How are you doing today?",
		"How's your energy level today?",
	}
	followUps := []string{
		"Any side effects I should know about?",
		"Are you experiencing any symptoms today?",
		"Anything I can help with today?",
	}

	return fmt.Sprintf("%s. %s %s",
		greetings[rand.IntN(len(greetings))],
		questions[rand.IntN(len(questions))],
		followUps[rand.IntN(len(followUps))])
}

// SymptomFollowUp builds a follow-up message about previously reported
// symptoms, pluralized by how many distinct symptoms are involved.
func SymptomFollowUp(profile *models.UserProfile, symptoms []models.Symptom) string {
	name := displayName(profile)
	names := uniqueSymptomNames(symptoms)

	switch len(names) {
	case 0:
		return fmt.Sprintf("Hi %s, I wanted to follow up on how you're feeling today. Have your symptoms improved?", name)
	case 1:
		return fmt.Sprintf("Hi %s, I wanted to follow up about your %s that you mentioned earlier. How are you feeling now? Has there been any improvement?", name, names[0])
	default:
		return fmt.Sprintf("Hi %s, I wanted to follow up about the %s that you mentioned earlier. Have any of these symptoms improved?", name, strings.Join(names, ", "))
	}
}

// TreatmentReminder builds a reminder for an upcoming treatment.
func TreatmentReminder(profile *models.UserProfile, treatmentDate time.Time) string {
	name := displayName(profile)
	return fmt.Sprintf("Hi %s, just a reminder that you have your next treatment scheduled for %s. Remember to stay hydrated before your appointment and to bring any questions you have for your care team.",
		name, treatmentDate.Format(TreatmentDateFormat))
}

// InactivityCheck builds a re-engagement message after prolonged silence.
func InactivityCheck(profile *models.UserProfile) string {
	return fmt.Sprintf("Hi %s, I noticed we haven't spoken in a few days. Just checking in to see how you're doing. How has your treatment been going?", displayName(profile))
}

// WeeklyWellnessCheck builds the weekly wellness rating prompt.
func WeeklyWellnessCheck(profile *models.UserProfile) string {
	return fmt.Sprintf("Hi %s, it's time for your weekly wellness check-in. How would you rate your overall well-being this week on a scale of 1-10? Any particular challenges or victories you'd like to share?", displayName(profile))
}

// MedicationReminder builds a reminder to take a specific medication.
func MedicationReminder(profile *models.UserProfile, medication string, instructions string) string {
	msg := fmt.Sprintf("Hi %s, this is a reminder to take your %s.", displayName(profile), medication)
	if instructions != "" {
		msg += fmt.Sprintf(" Remember: %s", instructions)
	}
	return msg
}

// HydrationReminder builds a randomized hydration nudge.
func HydrationReminder(profile *models.UserProfile) string {
	name := displayName(profile)
	variants := []string{
		fmt.Sprintf("Hi %s, just a gentle reminder to stay hydrated today. Drinking enough water can help manage some treatment side effects.", name),
		fmt.Sprintf("Don't forget to drink water today, %s! Staying hydrated is important during your treatment.", name),
		fmt.Sprintf("Hi %s, have you been drinking enough water today? Staying hydrated can help your body process chemo medications more effectively.", name),
	}
	return variants[rand.IntN(len(variants))]
}

// Encouragement builds a randomized positive reinforcement message.
func Encouragement(profile *models.UserProfile) string {
	name := displayName(profile)
	variants := []string{
		fmt.Sprintf("Hi %s, I just wanted to remind you how strong you are. Each day you're fighting this battle is a victory.", name),
		fmt.Sprintf("%s, your resilience is inspiring. I'm here with you every step of this journey.", name),
		fmt.Sprintf("Just checking in to say you're doing great, %s. Treatment isn't easy, but you're handling it with incredible strength.", name),
	}
	return variants[rand.IntN(len(variants))]
}

// NewUserWelcome greets a user the assistant knows nothing about yet.
func NewUserWelcome() string {
	return "Hi there! I'm your chemo support assistant. I'll be checking in with you occasionally to see how you're doing. Could you please share your name with me so I can personalize our conversations?"
}

// DiagnosisRequest asks a known user about their diagnosis.
func DiagnosisRequest(name string) string {
	return fmt.Sprintf("Hi %s, I'm here to support you through your treatment. So I can provide more relevant information, could you tell me a bit about your diagnosis and what type of chemotherapy you're receiving?", name)
}
