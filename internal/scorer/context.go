package scorer

import (
	"fmt"
	"strings"
)

// ContextBlock is a ranked memory packed for prompt injection.
type ContextBlock struct {
	MemoryID      string  `json:"memory_id"`
	Content       string  `json:"content"`
	Relevance     float64 `json:"relevance"`
	TokenEstimate int     `json:"token_estimate"`
}

// ContextBudget controls how much memory context to inject.
type ContextBudget struct {
	MaxTokens int // total token budget for memory context
	MaxBlocks int // max number of context blocks
}

// DefaultContextBudget returns the stock packing limits.
func DefaultContextBudget() ContextBudget {
	return ContextBudget{
		MaxTokens: 2000,
		MaxBlocks: 10,
	}
}

// Pack fills the budget with ranked results in order. A result that does not
// fit is skipped so smaller ones further down can still be used.
func Pack(results []Result, budget ContextBudget) []ContextBlock {
	if budget.MaxTokens <= 0 {
		budget.MaxTokens = DefaultContextBudget().MaxTokens
	}
	if budget.MaxBlocks <= 0 {
		budget.MaxBlocks = DefaultContextBudget().MaxBlocks
	}

	var blocks []ContextBlock
	used := 0
	for _, r := range results {
		if len(blocks) >= budget.MaxBlocks {
			break
		}
		est := estimateTokens(r.Memory.Content)
		if used+est > budget.MaxTokens {
			continue
		}
		blocks = append(blocks, ContextBlock{
			MemoryID:      r.MemoryID,
			Content:       r.Memory.Content,
			Relevance:     r.Score,
			TokenEstimate: est,
		})
		used += est
	}
	return blocks
}

// FormatContextPrompt renders memory blocks as a system prompt section.
func FormatContextPrompt(blocks []ContextBlock) string {
	if len(blocks) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("[Memory Context]\n")
	for _, block := range blocks {
		fmt.Fprintf(&b, "- (relevance: %.2f) %s\n", block.Relevance, block.Content)
	}
	return b.String()
}

// estimateTokens gives a rough token count (~4 chars per token).
func estimateTokens(s string) int {
	n := len(s) / 4
	if n < 1 {
		return 1
	}
	return n
}
