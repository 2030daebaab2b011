package sysprompt

import (
	"strings"
	"testing"
)

func TestStripSystemContent(t *testing.T) {
	in := Wrap("ambient fact") + "\n\nactual prompt"
	out := StripSystemContent(in)
	if strings.Contains(out, "ambient fact") {
		t.Errorf("system content not stripped: %q", out)
	}
	if !strings.Contains(out, "actual prompt") {
		t.Errorf("user content lost: %q", out)
	}
}

func TestStripSystemContent_MultipleBlocks(t *testing.T) {
	in := Wrap("one") + "middle" + Wrap("two") + "end"
	out := StripSystemContent(in)
	if out != "middleend" {
		t.Errorf("expected %q, got %q", "middleend", out)
	}
}

func TestPersonalityPrompt(t *testing.T) {
	if PersonalityPrompt("") != "" {
		t.Error("empty personality should produce an empty prompt")
	}

	warm := PersonalityPrompt("warm")
	if !strings.Contains(warm, "warm") {
		t.Errorf("unexpected warm prompt: %q", warm)
	}

	// Unknown tags become a literal instruction.
	custom := PersonalityPrompt("gruff")
	if !strings.Contains(custom, "gruff") {
		t.Errorf("unknown tag not carried through: %q", custom)
	}

	// Comma-joined lists concatenate in order.
	combo := PersonalityPrompt("warm, terse")
	if !strings.Contains(combo, "warm") || !strings.Contains(combo, "terse") {
		t.Errorf("list tags missing from prompt: %q", combo)
	}
	if strings.Index(combo, "warm") > strings.Index(combo, "terse") {
		t.Error("list order not preserved")
	}
}

func TestCompose(t *testing.T) {
	if Compose("", "", "") != "" {
		t.Error("all-empty compose should be empty")
	}

	full := Compose("analytical", "markdown", "Today is Tuesday.")
	for _, want := range []string{"analytical", "markdown", "Today is Tuesday."} {
		if !strings.Contains(full, want) {
			t.Errorf("composed prompt missing %q: %q", want, full)
		}
	}
}
