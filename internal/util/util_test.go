package util

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGenerateSessionKey(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		key := GenerateSessionKey()
		if !strings.HasPrefix(key, "guest-") {
			t.Fatalf("GenerateSessionKey() = %v, want prefix guest-", key)
		}
		if len(key) != 13 {
			t.Fatalf("GenerateSessionKey() length = %v, want 13", len(key))
		}
		if !IsSessionKey(key) {
			t.Fatalf("IsSessionKey(%q) = false", key)
		}
		seen[key] = true
	}
	if len(seen) < 495 {
		t.Errorf("too many duplicate session keys: %d unique of 500", len(seen))
	}
}

func TestIsSessionKey(t *testing.T) {
	for _, bad := range []string{"", "guest-", "guest-ABCDEFG", "user-abcdefg", "guest-abcdefgh", "guest-abc_efg"} {
		if IsSessionKey(bad) {
			t.Errorf("IsSessionKey(%q) = true, want false", bad)
		}
	}
}

func TestGenerateRandomBase36(t *testing.T) {
	if got := GenerateRandomBase36(0); got != "" {
		t.Errorf("zero length = %q", got)
	}
	if got := GenerateRandomBase36(-3); got != "" {
		t.Errorf("negative length = %q", got)
	}
	got := GenerateRandomBase36(64)
	if len(got) != 64 {
		t.Fatalf("length = %d, want 64", len(got))
	}
	for _, c := range got {
		if !strings.ContainsRune(base36Chars, c) {
			t.Fatalf("unexpected character %q", c)
		}
	}
}

func TestGenerateLeadAndOutboxIDs(t *testing.T) {
	a, b := GenerateLeadID(), GenerateLeadID()
	if a == b || !strings.HasPrefix(a, "lead_") {
		t.Errorf("unexpected lead ids %q %q", a, b)
	}
	if id := GenerateOutboxID(); !strings.HasPrefix(id, "ob_") || len(id) != 39 {
		t.Errorf("unexpected outbox id %q", id)
	}
}

func TestDigitsOnly(t *testing.T) {
	tests := map[string]string{
		"(708) 314-0477":  "7083140477",
		"+1 312.555.1234": "13125551234",
		"abc":             "",
		"":                "",
	}
	for in, want := range tests {
		if got := DigitsOnly(in); got != want {
			t.Errorf("DigitsOnly(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCanonicalizePhone(t *testing.T) {
	got, err := CanonicalizePhone("(708) 314-0477")
	if err != nil || got != "+17083140477" {
		t.Errorf("CanonicalizePhone() = %q, %v", got, err)
	}
	got, err = CanonicalizePhone("+44 20 7946 0958")
	if err != nil || got != "+442079460958" {
		t.Errorf("CanonicalizePhone() = %q, %v", got, err)
	}
	if _, err := CanonicalizePhone("12345"); !errors.Is(err, ErrInvalidPhone) {
		t.Errorf("expected ErrInvalidPhone, got %v", err)
	}
}

func TestParseBoolEnv(t *testing.T) {
	const key = "LEADPIPE_TEST_BOOL"
	tests := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv(key, tt.value)
		if got := ParseBoolEnv(key, tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.value, tt.def, got, tt.want)
		}
	}
}

func TestParseNumericEnv(t *testing.T) {
	t.Setenv("LEADPIPE_TEST_INT", "25")
	if got := ParseIntEnv("LEADPIPE_TEST_INT", 1); got != 25 {
		t.Errorf("ParseIntEnv = %d", got)
	}
	t.Setenv("LEADPIPE_TEST_INT", "x")
	if got := ParseIntEnv("LEADPIPE_TEST_INT", 1); got != 1 {
		t.Errorf("ParseIntEnv invalid = %d", got)
	}
	t.Setenv("LEADPIPE_TEST_FLOAT", "0.25")
	if got := ParseFloatEnv("LEADPIPE_TEST_FLOAT", 0.6); got != 0.25 {
		t.Errorf("ParseFloatEnv = %v", got)
	}
	t.Setenv("LEADPIPE_TEST_DUR", "45")
	if got := ParseDurationEnv("LEADPIPE_TEST_DUR", time.Second); got != 45*time.Second {
		t.Errorf("ParseDurationEnv seconds = %v", got)
	}
	t.Setenv("LEADPIPE_TEST_DUR", "2m")
	if got := ParseDurationEnv("LEADPIPE_TEST_DUR", time.Second); got != 2*time.Minute {
		t.Errorf("ParseDurationEnv = %v", got)
	}
	t.Setenv("LEADPIPE_TEST_DUR", "soon")
	if got := ParseDurationEnv("LEADPIPE_TEST_DUR", time.Second); got != time.Second {
		t.Errorf("ParseDurationEnv invalid = %v", got)
	}
}

func TestGetEnv(t *testing.T) {
	t.Setenv("LEADPIPE_TEST_STR", "  value ")
	if got := GetEnv("LEADPIPE_TEST_STR", "d"); got != "value" {
		t.Errorf("GetEnv = %q", got)
	}
	t.Setenv("LEADPIPE_TEST_STR", "")
	if got := GetEnv("LEADPIPE_TEST_STR", "d"); got != "d" {
		t.Errorf("GetEnv default = %q", got)
	}
}
