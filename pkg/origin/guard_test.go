package origin

import (
	"errors"
	"testing"
)

func TestGuard_Accept(t *testing.T) {
	tests := []struct {
		name   string
		guard  *Guard
		origin string
		want   bool
	}{
		{name: "exact match", guard: NewGuard("https://officex.app", false), origin: "https://officex.app", want: true},
		{name: "trailing slash and case", guard: NewGuard("https://officex.app", false), origin: "HTTPS://OfficeX.app/", want: true},
		{name: "different host", guard: NewGuard("https://officex.app", false), origin: "https://evil.example", want: false},
		{name: "different scheme", guard: NewGuard("https://officex.app", false), origin: "http://officex.app", want: false},
		{name: "different port", guard: NewGuard("http://localhost:5173", false), origin: "http://localhost:5174", want: false},
		{name: "null origin", guard: NewGuard("https://officex.app", false), origin: "null", want: false},
		{name: "empty origin", guard: NewGuard("https://officex.app", false), origin: "", want: false},
		{name: "bypass accepts anything", guard: NewGuard("https://officex.app", true), origin: "https://evil.example", want: true},
		{name: "empty expected rejects", guard: NewGuard("", false), origin: "", want: false},
		{name: "nil guard rejects", guard: nil, origin: "https://officex.app", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.guard.Accept(tt.origin); got != tt.want {
				t.Errorf("origin:guard_test - Accept(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"https://officex.app":            "https://officex.app",
		"https://officex.app/org/x?y=1":  "https://officex.app",
		" http://LOCALHOST:5173/ ":       "http://localhost:5173",
		"null":                           "null",
		"":                               "",
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("origin:guard_test - Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidateTarget(t *testing.T) {
	if err := ValidateTarget("https://officex.app"); err != nil {
		t.Errorf("origin:guard_test - unexpected error: %v", err)
	}
	for _, bad := range []string{"", "*", "  "} {
		if err := ValidateTarget(bad); !errors.Is(err, ErrWildcardOrigin) {
			t.Errorf("origin:guard_test - ValidateTarget(%q) = %v, want ErrWildcardOrigin", bad, err)
		}
	}
}
