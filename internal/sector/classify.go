package sector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/provider"
	"github.com/nidhogg/mnemo/internal/upstream"
)

const maxTopics = 10

// ErrUnparsable is returned for classifier output that holds neither a JSON
// object nor a bare sector name.
var ErrUnparsable = errors.New("unparsable classifier output")

// Result is the outcome of a classification: either Valid or Invalid.
type Result interface {
	// Resolve returns a name guaranteed to be in the vocabulary.
	Resolve() (name string, topics []string)
	isResult()
}

// Valid is a classification whose name is in the vocabulary.
type Valid struct {
	Name   string   `json:"name"`
	Topics []string `json:"topics"`
}

func (v Valid) Resolve() (string, []string) { return v.Name, v.Topics }
func (Valid) isResult() {}

// Invalid is a classifier answer that could not be accepted verbatim. Topics
// holds whatever topics could still be parsed.
type Invalid struct {
	Raw    string   `json:"raw"`
	Reason string   `json:"reason"`
	Topics []string `json:"topics,omitempty"`
}

func (i Invalid) Resolve() (string, []string) { return Fallback, i.Topics }
func (Invalid) isResult() {}

type classification struct {
	Name   string   `json:"name"`
	Topics []string `json:"topics"`
}

// ParseClassification turns raw classifier output into a Result. Code fences
// and prose around the JSON object are tolerated. Output that cannot be read
// at all yields ErrUnparsable; a readable answer naming an unknown sector is
// Invalid.
func ParseClassification(raw string) (Result, error) {
	body := provider.ExtractJSON(raw)
	var c classification
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		// Some models answer with the bare sector name.
		if name := Normalize(strings.Trim(strings.TrimSpace(raw), `"'.`)); Known(name) {
			return Valid{Name: name}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}

	topics := cleanTopics(c.Topics)
	name := Normalize(c.Name)
	if name == "" {
		return Invalid{Raw: raw, Reason: "missing name", Topics: topics}, nil
	}
	if !Known(name) {
		return Invalid{Raw: raw, Reason: fmt.Sprintf("unknown sector %q", c.Name), Topics: topics}, nil
	}
	return Valid{Name: name, Topics: topics}, nil
}

func cleanTopics(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
		if len(out) == maxTopics {
			break
		}
	}
	return out
}

// Completer answers a system + user prompt.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Classifier asks an LLM to place content in the vocabulary.
type Classifier struct {
	llm    Completer
	prompt string
	logger *zap.Logger
}

func NewClassifier(llm Completer, logger *zap.Logger) *Classifier {
	return &Classifier{
		llm:    llm,
		prompt: fmt.Sprintf(classifyPrompt, strings.Join(Vocabulary, ", ")),
		logger: logger,
	}
}

// Classify fails when the upstream call fails or its answer is unparsable;
// the latter is reported as a retryable upstream error. An answer outside the
// vocabulary comes back as Invalid.
func (c *Classifier) Classify(ctx context.Context, content string) (Result, error) {
	raw, err := c.llm.Complete(ctx, c.prompt, content)
	if err != nil {
		return nil, fmt.Errorf("classify: %w", err)
	}
	res, err := ParseClassification(raw)
	if err != nil {
		c.logger.Warn("classifier answer unparsable",
			zap.Error(err),
			zap.String("raw", truncate(raw, 200)))
		return nil, upstream.Wrap("classifier", err)
	}
	if inv, ok := res.(Invalid); ok {
		c.logger.Warn("classifier answer rejected, using fallback sector",
			zap.String("reason", inv.Reason),
			zap.String("raw", truncate(inv.Raw, 200)))
	}
	return res, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Unclassified places every memory in the fallback sector. It stands in for
// Classifier when no LLM provider is configured.
type Unclassified struct{}

func (Unclassified) Classify(context.Context, string) (Result, error) {
	return Invalid{Reason: "no classifier configured"}, nil
}
