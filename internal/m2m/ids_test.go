package m2m

import "testing"

func TestSimpleMatch(t *testing.T) {
	tests := []struct {
		s, pattern string
		want       bool
	}{
		{"Cae1", "Cae1", true},
		{"Cae1", "C*", true},
		{"Cae1", "*", true},
		{"Cae1", "C?e1", true},
		{"Cae1", "C?e2", false},
		{"Cae1", "Sae*", false},
		{"", "*", true},
		{"abc", "a*c", true},
		{"abc", "a*d", false},
	}
	for _, tt := range tests {
		if got := SimpleMatch(tt.s, tt.pattern); got != tt.want {
			t.Fatalf("SimpleMatch(%q, %q) = %v, want %v", tt.s, tt.pattern, got, tt.want)
		}
	}
}

func TestIDForms(t *testing.T) {
	if !IsSPRelative("/id-in/abc") {
		t.Fatal("expected SP-relative")
	}
	if IsSPRelative("//sp/id-in/abc") {
		t.Fatal("absolute misdetected as SP-relative")
	}
	if !IsAbsolute("//sp/id-in/abc") {
		t.Fatal("expected absolute")
	}
	if got := ToSPRelative("/id-in", "abc"); got != "/id-in/abc" {
		t.Fatalf("ToSPRelative = %q", got)
	}
	if got := ToSPRelative("/id-in", "/other/abc"); got != "/other/abc" {
		t.Fatalf("ToSPRelative kept = %q", got)
	}
	if got := ToCSERelative("/id-in", "/id-in/abc"); got != "abc" {
		t.Fatalf("ToCSERelative = %q", got)
	}
	if got := ToCSERelative("/id-in", "/other/abc"); got != "/other/abc" {
		t.Fatalf("ToCSERelative foreign = %q", got)
	}
}

func TestCompareIDs(t *testing.T) {
	if !CompareIDs("/Cae1", "Cae1") {
		t.Fatal("slash form should match bare form")
	}
	if !CompareIDs("/id-in/Cae1", "Cae1") {
		t.Fatal("SP-relative form should match bare form")
	}
	if CompareIDs("Cae1", "Cae2") {
		t.Fatal("distinct ids should not match")
	}
}

func TestRSCOf(t *testing.T) {
	if RSCOf(nil) != RSCOK {
		t.Fatal("nil error should map to OK")
	}
	if RSCOf(ErrNotFound("x")) != RSCNotFound {
		t.Fatal("typed error lost its code")
	}
	if !IsRSC(ErrNoPrivilege("x"), RSCOriginatorHasNoPrivilege) {
		t.Fatal("IsRSC failed")
	}
}
