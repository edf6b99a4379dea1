// Package sector classifies memory content into a closed vocabulary of
// topical sectors and owns the default sector tree.
package sector

import (
	"slices"
	"strings"
)

// Fallback is the reserved sector for content no other sector fits.
const Fallback = "not-listed"

// Vocabulary is the closed set of sector names the classifier may return.
var Vocabulary = []string{
	"technology",
	"health",
	"finance",
	"education",
	"programming",
	"history",
	"sports",
	"travel",
	"food",
	"politics",
	"culture",
	"business",
	"lifestyle",
	"fashion",
	"music",
	"hobbies",
	Fallback,
}

// Normalize lowercases and trims a sector name and turns inner whitespace
// into dashes, so "Not Listed" and "not-listed" compare equal.
func Normalize(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}

// Known reports whether name (after normalization) is in the vocabulary.
func Known(name string) bool {
	return slices.Contains(Vocabulary, Normalize(name))
}

// ID returns the sector id used for a vocabulary name.
func ID(name string) string {
	return Normalize(name)
}

const classifyPrompt = `Analyze the user's content and decide which single sector it belongs to.
Allowed sectors: %s.
Answer with exactly one of these names. If none fits, answer "not-listed". Never invent a sector
outside the list and do not explain your choice.
Also list a few short topics: free-text subtags of the chosen sector that describe the content.
Output a single JSON object: {"name": "sector_name", "topics": ["topic1", "topic2"]}`
