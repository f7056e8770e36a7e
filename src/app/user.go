package app

import "time"

// User is the account view shared by the backend and the agent's stored session.
type User struct {
	// Unique user ID.
	ID string `json:"id"`

	Email string `json:"email"`

	// Display name, optional at registration.
	FullName string `json:"full_name,omitempty"`

	// Issuer-qualified subject when the account was created through the external provider.
	ExternalID string `json:"external_id,omitempty"`

	PasswordHash string `json:"-"`

	IsActive bool `json:"is_active"`

	// Self-reported baseline, one of MoodLevels.
	BaselineMood string `json:"baseline_mood,omitempty"`

	EmergencyContactName  string `json:"emergency_contact_name,omitempty"`
	EmergencyContactPhone string `json:"emergency_contact_phone,omitempty"`

	PrivacySettings map[string]any `json:"privacy_settings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

const MoodNeutral = "neutral"

// MoodLevels are the accepted baseline moods.
var MoodLevels = []string{"very_negative", "negative", MoodNeutral, "positive", "very_positive"}

// Frame is one archived webcam image of a user.
type Frame struct {
	// Object key in the archive bucket: <user>/<frame id>.jpg
	Key string `json:"key"`

	URL string `json:"url"`

	Size int64 `json:"size"`
}
