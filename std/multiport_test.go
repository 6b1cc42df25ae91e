package std

import "testing"

func TestParseMultiPortSingle(t *testing.T) {
	mp, err := ParseMultiPort("127.0.0.1:28900")
	if err != nil {
		t.Fatalf("ParseMultiPort returned error: %v", err)
	}
	if mp.Host != "127.0.0.1" || mp.MinPort != 28900 || mp.MaxPort != 28900 {
		t.Fatalf("unexpected result: %+v", mp)
	}
}

func TestParseMultiPortRange(t *testing.T) {
	mp, err := ParseMultiPort("0.0.0.0:28900-28910")
	if err != nil {
		t.Fatalf("ParseMultiPort returned error: %v", err)
	}
	if mp.MinPort != 28900 || mp.MaxPort != 28910 {
		t.Fatalf("unexpected range: %+v", mp)
	}
}

func TestParseMultiPortInvalid(t *testing.T) {
	for _, addr := range []string{"nohost", "host:0", "host:70000", "host:2000-1000"} {
		if _, err := ParseMultiPort(addr); err == nil {
			t.Fatalf("expected error for %q", addr)
		}
	}
}

func TestTokenStore(t *testing.T) {
	store := NewTokenStore("deployment secret")
	token := store.Token(42)
	if !store.Validate(42, token) {
		t.Fatalf("minted token rejected")
	}
	if store.Validate(43, token) {
		t.Fatalf("token accepted for wrong id")
	}
	other := NewTokenStore("another secret")
	if other.Validate(42, token) {
		t.Fatalf("token accepted across deployments")
	}
}
