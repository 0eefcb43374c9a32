// Package uuid provides unit tests for id generation and validation.
package uuid

import (
	"regexp"
	"testing"
)

// TestNew tests that New() generates ids Validate accepts.
func TestNew(t *testing.T) {
	id := New()

	uuidRegex := regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	if !uuidRegex.MatchString(id) {
		t.Errorf("Generated UUID does not match v4 format: %s", id)
	}
	if err := Validate(id); err != nil {
		t.Errorf("Validate(New()) = %v", err)
	}
}

// TestNewUniqueness tests that New() generates unique IDs.
func TestNewUniqueness(t *testing.T) {
	ids := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := New()
		if ids[id] {
			t.Errorf("Duplicate UUID generated: %s", id)
		}
		ids[id] = true
	}
}

// TestValidate tests the accepted id forms.
func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"valid v4", "f47ac10b-58cc-4372-a567-0e02b2c3d479", false},
		{"valid v4 uppercase", "6BA7B810-9DAD-41D1-80B4-00C04FD430C8", false},
		{"empty", "", true},
		{"too short", "f47ac10b-58cc-4372-a567", true},
		{"too long", "f47ac10b-58cc-4372-a567-0e02b2c3d479-extra", true},
		{"missing dashes", "f47ac10b58cc4372a5670e02b2c3d479", true},
		{"urn form", "urn:uuid:f47ac10b-58cc-4372-a567-0e02", true},
		{"version 1", "f47ac10b-58cc-1372-a567-0e02b2c3d479", true},
		{"bad variant", "f47ac10b-58cc-4372-c567-0e02b2c3d479", true},
		{"bad characters", "g47ac10b-58cc-4372-a567-0e02b2c3d479", true},
		{"path traversal", "../../../../etc/passwd-aaaaaaaaaaaaaaaa", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.id)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%q) error = %v, wantErr %v", tt.id, err, tt.wantErr)
			}
		})
	}
}

// BenchmarkNew benchmarks the New() function.
func BenchmarkNew(b *testing.B) {
	for i := 0; i < b.N; i++ {
		New()
	}
}

// TestShort tests suffix length clamping and alphabet.
func TestShort(t *testing.T) {
	hex := regexp.MustCompile(`^[0-9a-f]+$`)
	tests := []struct {
		n    int
		want int
	}{
		{8, 8},
		{0, 1},
		{-3, 1},
		{32, 32},
		{64, 32},
	}
	for _, tt := range tests {
		got := Short(tt.n)
		if len(got) != tt.want {
			t.Errorf("Short(%d) length = %d, want %d", tt.n, len(got), tt.want)
		}
		if !hex.MatchString(got) {
			t.Errorf("Short(%d) = %q, want lowercase hex", tt.n, got)
		}
	}
	if Short(12) == Short(12) {
		t.Error("Short() should not repeat")
	}
}
