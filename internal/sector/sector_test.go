package sector

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/memory"
	"github.com/nidhogg/mnemo/internal/upstream"
)

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantValid  bool
		wantName   string
		wantTopics []string
	}{
		{"plain json", `{"name":"technology","topics":["ai","rag"]}`, true, "technology", []string{"ai", "rag"}},
		{"fenced", "```json\n{\"name\": \"Programming\", \"topics\": [\"Go\", \"go\", \" \"]}\n```", true, "programming", []string{"go"}},
		{"prose around", `Sure! Here it is: {"name":"music","topics":["jazz"]} Hope that helps.`, true, "music", []string{"jazz"}},
		{"brace in string", `{"name":"food","topics":["{curly} pasta"]}`, true, "food", []string{"{curly} pasta"}},
		{"bare name", `"health"`, true, "health", nil},
		{"not listed spaced", `{"name":"Not Listed","topics":[]}`, true, Fallback, []string{}},
		{"unknown sector", `{"name":"quantum-biology","topics":["qubits"]}`, false, Fallback, []string{"qubits"}},
		{"missing name", `{"topics":["x"]}`, false, Fallback, []string{"x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseClassification(tt.raw)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			_, isValid := res.(Valid)
			if isValid != tt.wantValid {
				t.Fatalf("got %T, want valid=%v", res, tt.wantValid)
			}
			name, topics := res.Resolve()
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if strings.Join(topics, ",") != strings.Join(tt.wantTopics, ",") {
				t.Errorf("topics = %v, want %v", topics, tt.wantTopics)
			}
			if !Known(name) {
				t.Errorf("resolved name %q is outside the vocabulary", name)
			}
		})
	}
}

func TestParseClassification_Unparsable(t *testing.T) {
	for _, raw := range []string{
		`I cannot answer that`,
		"Sorry, I can't help with that.",
		`{"name": "technology"`,
		``,
	} {
		res, err := ParseClassification(raw)
		if !errors.Is(err, ErrUnparsable) {
			t.Errorf("ParseClassification(%q) err = %v, want ErrUnparsable", raw, err)
		}
		if res != nil {
			t.Errorf("ParseClassification(%q) = %v, want nil result", raw, res)
		}
	}
}

func TestParseClassification_TopicCap(t *testing.T) {
	topics := make([]string, 0, 15)
	for i := range 15 {
		topics = append(topics, `"t`+string(rune('a'+i))+`"`)
	}
	res, err := ParseClassification(`{"name":"travel","topics":[` + strings.Join(topics, ",") + `]}`)
	if err != nil {
		t.Fatal(err)
	}
	_, got := res.Resolve()
	if len(got) != maxTopics {
		t.Errorf("got %d topics, want %d", len(got), maxTopics)
	}
}

type stubLLM struct {
	reply  string
	err    error
	system string
}

func (s *stubLLM) Complete(_ context.Context, system, _ string) (string, error) {
	s.system = system
	return s.reply, s.err
}

func TestClassifier(t *testing.T) {
	llm := &stubLLM{reply: `{"name":"quantum-biology","topics":["entanglement"]}`}
	c := NewClassifier(llm, zap.NewNop())

	res, err := c.Classify(context.Background(), "Photosynthesis may exploit quantum coherence.")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	inv, ok := res.(Invalid)
	if !ok {
		t.Fatalf("got %T, want Invalid", res)
	}
	if name, _ := inv.Resolve(); name != "not-listed" {
		t.Errorf("resolved to %q, want not-listed", name)
	}
	for _, s := range Vocabulary {
		if !strings.Contains(llm.system, s) {
			t.Errorf("prompt does not list sector %q", s)
		}
	}
}

func TestClassifier_UnparsableAnswer(t *testing.T) {
	c := NewClassifier(&stubLLM{reply: "Sorry, I can't help with that."}, zap.NewNop())
	res, err := c.Classify(context.Background(), "Photosynthesis may exploit quantum coherence.")
	if !errors.Is(err, ErrUnparsable) {
		t.Fatalf("err = %v, want ErrUnparsable", err)
	}
	if !upstream.IsRetryable(err) {
		t.Errorf("err = %v, want a retryable upstream error", err)
	}
	if res != nil {
		t.Errorf("res = %v, want nil", res)
	}
}

func TestClassifier_UpstreamError(t *testing.T) {
	boom := errors.New("rate limited")
	c := NewClassifier(&stubLLM{err: boom}, zap.NewNop())
	if _, err := c.Classify(context.Background(), "x"); !errors.Is(err, boom) {
		t.Errorf("got %v, want wrapped %v", err, boom)
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Technology":   "technology",
		"  not listed": "not-listed",
		"AI  ML":       "ai-ml",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSeedSectorsFormTree(t *testing.T) {
	seeds := SeedSectors()
	byID := make(map[string]*memory.Sector, len(seeds))
	for i := range seeds {
		s := &seeds[i]
		if err := s.Validate(); err != nil {
			t.Fatalf("seed %s invalid: %v", s.ID, err)
		}
		if err := memory.ValidateSectorParent(byID, s.ID, s.ParentID); err != nil {
			t.Fatalf("seed %s parent: %v", s.ID, err)
		}
		byID[s.ID] = s
	}
	if byID["ai-ml"].ParentID != "learning" || byID["project-alpha"].ParentID != "work" {
		t.Error("unexpected seed hierarchy")
	}
	if _, ok := byID[Fallback]; !ok {
		t.Error("fallback sector must be seeded")
	}
}

func TestSeedSettings(t *testing.T) {
	settings := SeedSettings(768)
	got := make(map[string]string, len(settings))
	for _, s := range settings {
		got[s.Key] = s.Value
	}
	if got[SettingDefaultDecayRate] != "0.95" || got[SettingReinforcementStrength] != "0.15" {
		t.Errorf("unexpected settings %v", got)
	}
	if got[SettingVectorDimension] != "768" {
		t.Errorf("vector dimension = %q", got[SettingVectorDimension])
	}
}

func TestUnclassified(t *testing.T) {
	res, err := Unclassified{}.Classify(context.Background(), "anything")
	if err != nil {
		t.Fatal(err)
	}
	if name, _ := res.Resolve(); name != Fallback {
		t.Errorf("name = %q, want %q", name, Fallback)
	}
}
