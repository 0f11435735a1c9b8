package dlp

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMaskerRedactsSecrets(t *testing.T) {
	masker, err := NewMasker(DefaultRules(), 0)
	if err != nil {
		t.Fatalf("failed to create masker: %v", err)
	}

	data := map[string]interface{}{
		"api_key": "pk_live_abcdef",
		"note":    "fetch failed with Authorization: Bearer abc.def.ghi for ops@example.com",
		"nested":  map[string]interface{}{"url": "https://feeds.example.com/x?token=s3cr3t&page=2"},
		"count":   3,
	}

	sanitized := masker.Sanitize(data)
	if sanitized["api_key"] != "[redacted]" {
		t.Fatalf("expected api_key redacted, got %v", sanitized["api_key"])
	}
	note := sanitized["note"].(string)
	if strings.Contains(note, "abc.def.ghi") || strings.Contains(note, "ops@example.com") {
		t.Fatalf("expected note masked, got %q", note)
	}
	url := sanitized["nested"].(map[string]interface{})["url"].(string)
	if strings.Contains(url, "s3cr3t") || !strings.Contains(url, "token=[redacted]") {
		t.Fatalf("expected token masked, got %q", url)
	}
	if sanitized["count"] != 3 {
		t.Fatalf("non-string values should pass through, got %v", sanitized["count"])
	}
	if data["api_key"] != "pk_live_abcdef" {
		t.Fatal("input map must not be mutated")
	}
}

func TestMaskerTruncates(t *testing.T) {
	masker, err := NewMasker(RulesConfig{}, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := masker.MaskString(strings.Repeat("a", 50))
	if got != strings.Repeat("a", 10)+"...(truncated)" {
		t.Fatalf("unexpected truncation %q", got)
	}
	if masker.Sanitize(map[string]interface{}{"err": errors.New("boom")})["err"] != "boom" {
		t.Fatal("errors should be rendered as strings")
	}
}

func TestLoadRulesFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	content := "rules:\n  - name: sku codes\n    pattern: 'SECRET-[0-9]+'\n    mask: '[sku]'\n    enabled: true\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadRules(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	masker, err := NewMasker(cfg, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := masker.MaskString("id SECRET-42"); got != "id [sku]" {
		t.Fatalf("unexpected mask result %q", got)
	}

	empty := filepath.Join(t.TempDir(), "empty.yaml")
	if err := os.WriteFile(empty, []byte("rules: []\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadRules(empty); err == nil {
		t.Fatal("expected error for empty rule set")
	}
}

func TestMaskKey(t *testing.T) {
	if MaskKey("pk_abcdef123") != "pk_abc***" {
		t.Fatalf("unexpected mask %q", MaskKey("pk_abcdef123"))
	}
	if MaskKey("abc") != "***" {
		t.Fatal("short keys must be fully masked")
	}
}
