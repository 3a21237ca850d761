package fingerprint

import "testing"

func TestDefault_RegistryIsNonEmpty(t *testing.T) {
	r := Default()
	if len(r.Names()) == 0 {
		t.Fatal("expected a non-empty persona catalog")
	}
}

func TestPersona_ChromiumFamilyHasClientHints(t *testing.T) {
	r := Default()
	for _, name := range r.Names() {
		p, ok := r.ByName(name)
		if !ok {
			t.Fatalf("ByName(%q) missing from Names()", name)
		}
		switch {
		case p.IsChromium():
			if p.SecChUaPlatform == "" {
				t.Errorf("persona %q is chromium but has no Sec-Ch-Ua-Platform", name)
			}
		default:
			if p.SecChUa != "" || p.SecChUaPlatform != "" {
				t.Errorf("persona %q is non-chromium but carries client-hints fields", name)
			}
		}
	}
}

func TestRandom_ReturnsACatalogEntry(t *testing.T) {
	r := Default()
	p := r.Random()
	if _, ok := r.ByName(p.Name); !ok {
		t.Errorf("Random() returned persona %q not present in catalog", p.Name)
	}
}

func TestByName_UnknownReturnsFalse(t *testing.T) {
	r := Default()
	if _, ok := r.ByName("not-a-real-persona"); ok {
		t.Error("expected ByName to report false for an unknown persona")
	}
}
