package policy

import "testing"

func TestStaticConfig_ReturnsConfiguredValue(t *testing.T) {
	cfg := AutonomyConfig{DefaultTier: TierPartner, DomainOverrides: map[string]Tier{"finances": TierGuardian}}
	provider := NewStaticConfig(cfg)

	got := provider.AutonomyConfig()
	if got.DefaultTier != TierPartner {
		t.Fatalf("got default tier %v, want partner", got.DefaultTier)
	}
	if got.TierFor("finances") != TierGuardian {
		t.Fatalf("got finances tier %v, want guardian", got.TierFor("finances"))
	}
	if got.TierFor("email") != TierPartner {
		t.Fatalf("got email tier %v, want partner (default)", got.TierFor("email"))
	}
}
