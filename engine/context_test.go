package engine

import (
	"errors"
	"testing"

	"github.com/loomhq/loom/agent"
	"github.com/loomhq/loom/llm"
)

func TestContextClone(t *testing.T) {
	c := NewContext()
	c.Shared["A"] = map[string]any{"list": []any{"x"}}
	c.Tone = map[string]any{"voice": "neutral"}

	clone, err := c.Clone()
	if err != nil {
		t.Fatal(err)
	}
	clone.Shared["A"]["list"].([]any)[0] = "tampered"
	clone.Shared["B"] = map[string]any{}

	if c.Shared["A"]["list"].([]any)[0] != "x" {
		t.Error("clone aliases the original")
	}
	if _, ok := c.Shared["B"]; ok {
		t.Error("clone writes leaked into the original")
	}
	if clone.Tone["voice"] != "neutral" {
		t.Error("config snapshot lost in clone")
	}
}

func TestCloneNormalizesEmptyMaps(t *testing.T) {
	clone, err := (&Context{}).Clone()
	if err != nil {
		t.Fatal(err)
	}
	// Usable without nil checks after restore.
	if clone.Shared == nil || clone.AgentIO == nil || clone.Artifacts == nil {
		t.Error("clone left nil maps")
	}
	clone.Shared["A"] = map[string]any{}
	clone.AgentIO["A"] = IORecord{}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{&agent.ViolationError{AgentID: "a", Field: "f"}, KindContractViolation},
		{agent.ErrUnknownAgent, KindUnknownAgent},
		{llm.ErrUnavailable, KindLLMUnavailable},
		{errTimeout{}, KindInternal},
		{errors.New("anything else"), KindInternal},
	}
	for _, tt := range tests {
		if got := classify(tt.err); got != tt.want {
			t.Errorf("classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

type errTimeout struct{}

func (errTimeout) Error() string { return "opaque" }

func TestKindTransient(t *testing.T) {
	transient := map[Kind]bool{
		KindLLMUnavailable:    true,
		KindTimeout:           true,
		KindContractViolation: false,
		KindUnknownAgent:      false,
		KindCancelled:         false,
		KindInternal:          false,
	}
	for k, want := range transient {
		if k.Transient() != want {
			t.Errorf("%s.Transient() = %v, want %v", k, !want, want)
		}
	}
}

func TestErrorRedactsSecrets(t *testing.T) {
	cause := errors.New("provider rejected key sk-secret12345678")
	e := &Error{Kind: KindLLMUnavailable, StepID: "A", Err: cause}
	msg := e.Error()
	for i := 0; i+9 <= len(msg); i++ {
		if msg[i:i+9] == "sk-secret" {
			t.Fatalf("secret survived: %s", msg)
		}
	}
}
