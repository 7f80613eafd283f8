package queuekey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	c := Criteria{Category: "Arrays", Difficulty: "Easy"}
	assert.Equal(t, "g", Encode(General, c))
	assert.Equal(t, "c\x00Arrays", Encode(Category, c))
	assert.Equal(t, "d\x00Easy", Encode(Difficulty, c))
	assert.Equal(t, "a\x00Arrays\x00Easy", Encode(All, c))
}

func TestEncode_WildcardDistinctFromUnset(t *testing.T) {
	wild := Encode(Category, Criteria{Category: Wildcard})
	assert.NotEqual(t, Encode(General, Criteria{}), wild)
	assert.NotEqual(t, Encode(All, Criteria{Category: Wildcard, Difficulty: "Easy"}),
		Encode(Difficulty, Criteria{Difficulty: "Easy"}))
}

func TestEncode_SameEffectiveCriteria(t *testing.T) {
	a := Criteria{Category: "Graphs", Difficulty: "Hard"}
	b := Criteria{Category: "Graphs", Difficulty: "Easy"}
	assert.Equal(t, Encode(Category, a), Encode(Category, b))
	assert.NotEqual(t, Encode(All, a), Encode(All, b))
}

func TestEncode_Panics(t *testing.T) {
	assert.Panics(t, func() { Encode(Specificity(4), Criteria{}) })
	assert.Panics(t, func() { Encode(Category, Criteria{Difficulty: "Easy"}) })
	assert.Panics(t, func() { Encode(All, Criteria{Category: "Arrays"}) })
}

func TestDecode(t *testing.T) {
	for _, c := range []Criteria{
		{Category: "Arrays", Difficulty: "Easy"},
		{Category: Wildcard, Difficulty: "Hard"},
	} {
		for _, s := range []Specificity{General, Category, Difficulty, All} {
			gotS, gotC, err := Decode(Encode(s, c))
			require.NoError(t, err)
			assert.Equal(t, s, gotS)
			if s&Category != 0 {
				assert.Equal(t, c.Category, gotC.Category)
			}
			if s&Difficulty != 0 {
				assert.Equal(t, c.Difficulty, gotC.Difficulty)
			}
		}
	}
	for _, bad := range []string{"", "x", "gx", "c", "c\x00", "a\x00Arrays", "d\x00a\x00b"} {
		_, _, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", bad)
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, Wildcard, Normalize("any"))
	assert.Equal(t, Wildcard, Normalize(" ANY "))
	assert.Equal(t, Wildcard, Normalize("*"))
	assert.Equal(t, "", Normalize("  "))
	assert.Equal(t, "Arrays", Normalize("Arrays"))
}

func TestKeysFor(t *testing.T) {
	assert.Equal(t, []string{"g"}, KeysFor(Criteria{}))
	assert.Equal(t, []string{"c\x00Arrays", "g"}, KeysFor(Criteria{Category: "Arrays"}))
	assert.Equal(t, []string{"d\x00Easy", "g"}, KeysFor(Criteria{Difficulty: "Easy"}))
	assert.Equal(t, []string{
		"a\x00Arrays\x00Easy",
		"c\x00Arrays",
		"d\x00Easy",
	}, KeysFor(Criteria{Category: "Arrays", Difficulty: "Easy"}))
}

func TestCandidateKeys(t *testing.T) {
	assert.Equal(t, []string{
		"a\x00Arrays\x00Easy",
		"a\x00*\x00Easy",
		"d\x00Easy",
		"d\x00*",
		"a\x00Arrays\x00*",
		"c\x00Arrays",
		"c\x00*",
		"g",
	}, CandidateKeys(Criteria{Category: "Arrays", Difficulty: "Easy"}))
	assert.Equal(t, []string{
		"a\x00Arrays\x00*",
		"c\x00Arrays",
		"c\x00*",
		"g",
	}, CandidateKeys(Criteria{Category: "Arrays"}))
	assert.Equal(t, []string{"g"}, CandidateKeys(Criteria{}))
	// Wildcard category collapses the duplicate combined key.
	assert.Equal(t, []string{
		"a\x00*\x00Easy",
		"d\x00Easy",
		"d\x00*",
		"a\x00*\x00*",
		"c\x00*",
		"g",
	}, CandidateKeys(Criteria{Category: Wildcard, Difficulty: "Easy"}))
}
