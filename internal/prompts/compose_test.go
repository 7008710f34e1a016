package prompts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestComposeDeterministic(t *testing.T) {
	rules := []string{"llámame Don Pedro", "cotiza siempre en dólares"}
	a := Compose("persona", rules)
	b := Compose("persona", rules)
	if a != b {
		t.Error("Compose must be deterministic")
	}
}

func TestComposeRulesInOrder(t *testing.T) {
	out := Compose("persona", []string{"primera", "segunda", "tercera"})

	i1 := strings.Index(out, "primera")
	i2 := strings.Index(out, "segunda")
	i3 := strings.Index(out, "tercera")
	if i1 < 0 || i2 < 0 || i3 < 0 {
		t.Fatalf("rules missing from composed prompt:\n%s", out)
	}
	if !(i1 < i2 && i2 < i3) {
		t.Error("rules must appear in creation order, newest last")
	}
	if !strings.Contains(out, rulesHeader) {
		t.Error("rules block must carry its header")
	}
}

func TestComposeNoRulesOmitsHeader(t *testing.T) {
	out := Compose("persona", nil)
	if strings.Contains(out, rulesHeader) {
		t.Error("empty rule set must not emit the corrections header")
	}
	if !strings.Contains(out, "## Workflow") {
		t.Error("directives must always be present")
	}
}

func TestComposeEmptyPersonaFallsBack(t *testing.T) {
	out := Compose("   ", nil)
	if !strings.Contains(out, "Vera") {
		t.Error("blank persona must fall back to the builtin one")
	}
}

func TestLoadPersona(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persona.md")
	if err := os.WriteFile(path, []byte("Eres Vera, vendedora estrella.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := LoadPersona(path); got != "Eres Vera, vendedora estrella." {
		t.Errorf("LoadPersona = %q", got)
	}
	if got := LoadPersona(""); got != fallbackPersona {
		t.Error("empty path must yield fallback")
	}
	if got := LoadPersona(filepath.Join(dir, "missing.md")); got != fallbackPersona {
		t.Error("missing file must yield fallback")
	}
}
