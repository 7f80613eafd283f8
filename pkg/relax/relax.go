// Package relax implements progressive criteria relaxation of pending match requests.
//
// The relaxation level of a request grows with its age:
//
//   level 0: criteria as requested
//   level 1: difficulty relaxed to any
//   level 2: category relaxed to any, difficulty as requested
//
// Each level adds one relaxation step, earlier steps stay valid.
// Levels are never stored, every observer derives them from the request time.
package relax

import (
	"time"

	"go.od2.network/matchmaker/pkg/matchqueue"
	"go.od2.network/matchmaker/pkg/queuekey"
)

// MaxLevel is the highest relaxation level.
const MaxLevel = 2

// Level returns the relaxation level of a request of the given age.
func Level(age time.Duration, interval time.Duration) int {
	if age <= 0 || interval <= 0 {
		return 0
	}
	level := age / interval
	if level > MaxLevel {
		return MaxLevel
	}
	return int(level)
}

// Step returns criteria relaxed by a single step.
func Step(c queuekey.Criteria, step int) queuekey.Criteria {
	switch step {
	case 0:
		return c
	case 1:
		return queuekey.Criteria{Category: c.Category, Difficulty: queuekey.Wildcard}
	case 2:
		return queuekey.Criteria{Category: queuekey.Wildcard, Difficulty: c.Difficulty}
	default:
		panic("invalid relaxation step")
	}
}

// Matches reports whether raw criteria satisfy the wanted criteria.
// Unset and wildcard fields on either side match anything.
func Matches(want, raw queuekey.Criteria) bool {
	return fieldMatches(want.Category, raw.Category) &&
		fieldMatches(want.Difficulty, raw.Difficulty)
}

func fieldMatches(a, b string) bool {
	return a == "" || b == "" ||
		a == queuekey.Wildcard || b == queuekey.Wildcard ||
		a == b
}

// Satisfies reports whether the raw criteria of j satisfy i
// at any relaxation step up to level.
func Satisfies(i, j queuekey.Criteria, level int) bool {
	i = i.Normalized()
	j = j.Normalized()
	for step := 0; step <= level && step <= MaxLevel; step++ {
		if Matches(Step(i, step), j) {
			return true
		}
	}
	return false
}

// Compatible reports whether two requests may be paired at now.
//
// Either side being satisfied by the other is enough,
// so a long-waiting relaxed request absorbs a fresh strict one.
// Two requests of the same user are never compatible.
func Compatible(a, b *matchqueue.Request, now time.Time, interval time.Duration) bool {
	if a.UserID == b.UserID || a.ConnectionID == b.ConnectionID {
		return false
	}
	return Satisfies(a.Criteria, b.Criteria, Level(a.Age(now), interval)) ||
		Satisfies(b.Criteria, a.Criteria, Level(b.Age(now), interval))
}
