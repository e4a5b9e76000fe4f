package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestConfigStringsRedactSecrets(t *testing.T) {
	eph := EphemeralConfig{OrgEntropy: "org-secret", ProfileEntropy: "profile-secret", OrgName: "Org", ProfileName: "P"}
	inj := InjectedConfig{Host: "https://h", DriveID: "d", UserID: "u", APIKeyValue: "api-secret"}
	for _, s := range []string{eph.String(), fmt.Sprintf("%v", eph), fmt.Sprintf("%+v", inj), inj.String()} {
		for _, secret := range []string{"org-secret", "profile-secret", "api-secret"} {
			if strings.Contains(s, secret) {
				t.Errorf("host:types_test - %q leaks %q", s, secret)
			}
		}
	}
	if !strings.Contains(eph.String(), "Org") {
		t.Errorf("host:types_test - labels should stay visible: %s", eph)
	}
}

func TestInjectedConfig_Validate(t *testing.T) {
	if err := (InjectedConfig{Host: "h", DriveID: "d", UserID: "u"}).Validate(); err != nil {
		t.Errorf("host:types_test - unexpected error: %v", err)
	}
	err := (InjectedConfig{Host: "h"}).Validate()
	if err == nil || !strings.Contains(err.Error(), "drive_id") || !strings.Contains(err.Error(), "user_id") {
		t.Errorf("host:types_test - err = %v", err)
	}
}

func TestProtocolError(t *testing.T) {
	err := NewProtocolError(KindCommandFailed, "boom", "t-1")
	if !errors.Is(err, ErrCommandFailed) || errors.Is(err, ErrTimeout) {
		t.Error("host:types_test - Is should match by kind only")
	}
	wrapped := fmt.Errorf("outer: %w", err)
	var perr *ProtocolError
	if !errors.As(wrapped, &perr) || perr.Tracer != "t-1" {
		t.Errorf("host:types_test - As = %+v", perr)
	}
	if got := err.Error(); got != "COMMAND_FAILED: boom (tracer t-1)" {
		t.Errorf("host:types_test - Error() = %q", got)
	}
}

func TestGenerateEphemeral(t *testing.T) {
	a, err := GenerateEphemeral()
	if err != nil {
		t.Fatalf("host:types_test - GenerateEphemeral: %v", err)
	}
	b, _ := GenerateEphemeral()
	if a.OrgEntropy == b.OrgEntropy || a.ProfileEntropy == b.ProfileEntropy {
		t.Error("host:types_test - generated seeds should differ")
	}
	if !strings.HasPrefix(a.OrgEntropy, "org-") || !strings.HasPrefix(a.ProfileEntropy, "profile-") {
		t.Errorf("host:types_test - seed format = %s", a)
	}
	if a.OrgName != "Demo Org" || a.ProfileName != "Demo Profile" {
		t.Errorf("host:types_test - labels = %s", a)
	}
}

func TestMemoryStore_KeepsNewestSnapshot(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SaveSnapshot(ctx, Snapshot{SessionID: "s", Seq: 3, Phase: PhaseReady})
	s.SaveSnapshot(ctx, Snapshot{SessionID: "s", Seq: 2, Phase: PhaseInitializing})
	got, ok := s.Latest("s")
	if !ok || got.Phase != PhaseReady {
		t.Errorf("host:types_test - latest = %+v", got)
	}
	first, _ := s.ConsumeGrant(ctx, "k")
	second, _ := s.ConsumeGrant(ctx, "k")
	if !first || second {
		t.Errorf("host:types_test - ConsumeGrant = %v, %v", first, second)
	}
}
