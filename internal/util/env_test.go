package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue bool
		want         bool
	}{
		{"unset uses default true", "", true, true},
		{"unset uses default false", "", false, false},
		{"true", "true", false, true},
		{"one", "1", false, true},
		{"yes", "yes", false, true},
		{"on", "on", false, true},
		{"uppercase", "TRUE", false, true},
		{"padded", "  true  ", false, true},
		{"false", "false", true, false},
		{"zero", "0", true, false},
		{"no", "no", true, false},
		{"off", "off", true, false},
		{"invalid uses default", "maybe", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CAREPULSE_TEST_BOOL", tt.value)
			if got := ParseBoolEnv("CAREPULSE_TEST_BOOL", tt.defaultValue); got != tt.want {
				t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		name         string
		value        string
		defaultValue time.Duration
		want         time.Duration
	}{
		{"unset uses default", "", time.Minute, time.Minute},
		{"seconds", "30s", time.Minute, 30 * time.Second},
		{"minutes", "5m", time.Minute, 5 * time.Minute},
		{"compound", "1h30m", time.Minute, 90 * time.Minute},
		{"padded", " 45s ", time.Minute, 45 * time.Second},
		{"invalid uses default", "soon", time.Minute, time.Minute},
		{"bare number uses default", "30", time.Minute, time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CAREPULSE_TEST_DURATION", tt.value)
			if got := ParseDurationEnv("CAREPULSE_TEST_DURATION", tt.defaultValue); got != tt.want {
				t.Errorf("ParseDurationEnv(%q, %v) = %v, want %v", tt.value, tt.defaultValue, got, tt.want)
			}
		})
	}
}
