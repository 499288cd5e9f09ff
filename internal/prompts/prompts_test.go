package prompts

import (
	"strings"
	"testing"
)

func TestLetterReply_Interpolates(t *testing.T) {
	got := LetterReply("an architect at 35", `{"v":1}`, `{"b":2}`, `{"d":3}`)
	for _, want := range []string{"an architect at 35", `{"v":1}`, `{"b":2}`, `{"d":3}`, "500 words"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestChat_IncludesMemoryAndHistory(t *testing.T) {
	got := Chat("Future Me", "desc", "", "", "", "remembered excerpt", "USER: hi\nAGENT: hello")
	if !strings.Contains(got, "remembered excerpt") {
		t.Error("prompt missing memory block")
	}
	if !strings.Contains(got, "USER: hi") {
		t.Error("prompt missing history block")
	}
	// Empty profile fields surface as placeholders, not silent blanks.
	if !strings.Contains(got, "(not provided)") {
		t.Error("empty context fields should render a placeholder")
	}
}

func TestReport_DemandsPlainJSON(t *testing.T) {
	got := Report(`{"demo":{}}`, "my letter", "USER: q\nAGENT: a")
	for _, want := range []string{`"wish"`, `"outcome"`, `"obstacle"`, `"plan"`, "my letter"} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
