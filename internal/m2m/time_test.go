package m2m

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"PT5S", 5 * time.Second},
		{"PT1M", time.Minute},
		{"PT2H", 2 * time.Hour},
		{"P1D", 24 * time.Hour},
		{"P1DT2H30M", 26*time.Hour + 30*time.Minute},
		{"PT0.5S", 500 * time.Millisecond},
		{"P1W", 7 * 24 * time.Hour},
		{"5s", 5 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("ParseDuration(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseDurationInvalid(t *testing.T) {
	for _, in := range []string{"", "P", "PT", "P5", "PT5X", "P1M"} {
		if _, err := ParseDuration(in); err == nil {
			t.Fatalf("ParseDuration(%q) succeeded, want error", in)
		}
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 17, 9, 30, 15, 123456000, time.UTC)
	s := Timestamp(now)
	if s != "20240517T093015,123456" {
		t.Fatalf("Timestamp = %q", s)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		t.Fatalf("ParseTimestamp: %v", err)
	}
	if !parsed.Equal(now.Truncate(time.Second)) {
		t.Fatalf("round trip = %v, want %v", parsed, now.Truncate(time.Second))
	}
}

func TestTimestampOrdering(t *testing.T) {
	base := time.Date(2024, 5, 17, 9, 30, 15, 0, time.UTC)
	a := Timestamp(base)
	b := Timestamp(base.Add(200 * time.Microsecond))
	c := Timestamp(base.Add(time.Second))
	if !(a < b && b < c) {
		t.Fatalf("timestamps not ordered: %q %q %q", a, b, c)
	}
}
