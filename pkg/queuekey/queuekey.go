// Package queuekey maps match criteria to canonical queue identifiers.
//
// A queue key selects a bucket of waiting requests sharing one criteria combination.
// Keys carry a specificity bitmask followed by the criteria values it covers,
// separated by NUL bytes so that distinct tuples never collide.
// An unset dimension is omitted from the key, a wildcard dimension is encoded as Wildcard.
package queuekey

import (
	"errors"
	"fmt"
	"strings"
)

// Specificity is a bitmask of the criteria dimensions a key covers.
type Specificity uint8

// Specificity values.
const (
	General    Specificity = 0
	Category   Specificity = 1 << 0
	Difficulty Specificity = 1 << 1
	All                    = Category | Difficulty
)

func (s Specificity) String() string {
	switch s {
	case General:
		return "general"
	case Category:
		return "category"
	case Difficulty:
		return "difficulty"
	case All:
		return "all"
	default:
		return fmt.Sprintf("Specificity(%d)", uint8(s))
	}
}

func (s Specificity) tag() byte {
	switch s {
	case General:
		return 'g'
	case Category:
		return 'c'
	case Difficulty:
		return 'd'
	case All:
		return 'a'
	default:
		panic("queuekey: invalid specificity " + s.String())
	}
}

// Wildcard is the normalized criteria value that accepts any peer value.
const Wildcard = "*"

// Criteria holds the optional match dimensions of a request.
// An empty string means the dimension was not specified.
type Criteria struct {
	Category   string `json:"category,omitempty"`
	Difficulty string `json:"difficulty,omitempty"`
}

// Normalize trims a criteria value and maps the "any" and "*" spellings to Wildcard.
func Normalize(value string) string {
	value = strings.TrimSpace(value)
	if value == Wildcard || strings.EqualFold(value, "any") {
		return Wildcard
	}
	return value
}

// Normalized returns a copy of the criteria with both dimensions normalized.
func (c Criteria) Normalized() Criteria {
	return Criteria{
		Category:   Normalize(c.Category),
		Difficulty: Normalize(c.Difficulty),
	}
}

// Specificity returns the dimensions that were specified.
func (c Criteria) Specificity() Specificity {
	var s Specificity
	if c.Category != "" {
		s |= Category
	}
	if c.Difficulty != "" {
		s |= Difficulty
	}
	return s
}

// ErrInvalidKey is returned when decoding a malformed key.
var ErrInvalidKey = errors.New("invalid queue key")

// Encode returns the queue key of a criteria combination at the given specificity.
// Only the dimensions covered by the specificity are encoded.
//
// Encode panics if the specificity is invalid,
// or if it covers a dimension that is unset in c.
func Encode(s Specificity, c Criteria) string {
	var b strings.Builder
	b.WriteByte(s.tag())
	if s&Category != 0 {
		if c.Category == "" {
			panic("queuekey: category key without category")
		}
		b.WriteByte(0x00)
		b.WriteString(c.Category)
	}
	if s&Difficulty != 0 {
		if c.Difficulty == "" {
			panic("queuekey: difficulty key without difficulty")
		}
		b.WriteByte(0x00)
		b.WriteString(c.Difficulty)
	}
	return b.String()
}

// Decode parses a key produced by Encode.
func Decode(key string) (Specificity, Criteria, error) {
	if key == "" {
		return 0, Criteria{}, ErrInvalidKey
	}
	parts := strings.Split(key[1:], "\x00")
	var s Specificity
	var want int
	switch key[0] {
	case 'g':
		s, want = General, 0
	case 'c':
		s, want = Category, 1
	case 'd':
		s, want = Difficulty, 1
	case 'a':
		s, want = All, 2
	default:
		return 0, Criteria{}, ErrInvalidKey
	}
	if want == 0 {
		if len(key) != 1 {
			return 0, Criteria{}, ErrInvalidKey
		}
		return s, Criteria{}, nil
	}
	// Leading separator yields an empty first part.
	if len(parts) != want+1 || parts[0] != "" {
		return 0, Criteria{}, ErrInvalidKey
	}
	var c Criteria
	switch s {
	case Category:
		c.Category = parts[1]
	case Difficulty:
		c.Difficulty = parts[1]
	case All:
		c.Category, c.Difficulty = parts[1], parts[2]
	}
	if (s&Category != 0 && c.Category == "") || (s&Difficulty != 0 && c.Difficulty == "") {
		return 0, Criteria{}, ErrInvalidKey
	}
	return s, c, nil
}

// KeysFor returns the keys a request with criteria c is enqueued into.
//
// A request without criteria only joins the general queue.
// A request with one dimension joins that dimension's queue and the general queue.
// A request with both dimensions joins the combined queue and both single-dimension queues.
func KeysFor(c Criteria) []string {
	switch c.Specificity() {
	case All:
		return []string{Encode(All, c), Encode(Category, c), Encode(Difficulty, c)}
	case Category:
		return []string{Encode(Category, c), Encode(General, c)}
	case Difficulty:
		return []string{Encode(Difficulty, c), Encode(General, c)}
	default:
		return []string{Encode(General, c)}
	}
}

// CandidateKeys returns the queues searched for a peer of c, most specific first:
// combined, wildcard category with own difficulty, difficulty, wildcard difficulty queue,
// own category with wildcard difficulty, category, wildcard category queue, general.
//
// A request without criteria only searches the general queue,
// which fully specified requests never join. Such pairs are left to relaxation,
// which accepts them at level zero.
//
// A queue may hold requests that turn out incompatible,
// the caller still has to check each candidate's criteria.
func CandidateKeys(c Criteria) []string {
	hasCat, hasDiff := c.Category != "", c.Difficulty != ""
	keys := make([]string, 0, 8)
	seen := make(map[string]bool, 8)
	add := func(s Specificity, cat, diff string) {
		key := Encode(s, Criteria{Category: cat, Difficulty: diff})
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	if hasCat && hasDiff {
		add(All, c.Category, c.Difficulty)
	}
	if hasDiff {
		add(All, Wildcard, c.Difficulty)
		add(Difficulty, "", c.Difficulty)
		add(Difficulty, "", Wildcard)
	}
	if hasCat {
		add(All, c.Category, Wildcard)
		add(Category, c.Category, "")
		add(Category, Wildcard, "")
	}
	add(General, "", "")
	return keys
}
