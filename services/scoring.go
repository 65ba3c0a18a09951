package services

import "math"

// Scoring is pure: no state, no clock. A correct answer earns a 100-point base
// plus twice the unspent seconds of the question's time budget. Wrong answers
// earn nothing; scores never go down.
const answerBasePoints = 100

// ClampElapsed rejects malformed client-reported timing by pinning elapsed
// into [0, timeBudgetSeconds].
func ClampElapsed(timeBudgetSeconds int, elapsedSeconds float64) float64 {
	if elapsedSeconds < 0 {
		return 0
	}
	if budget := float64(timeBudgetSeconds); elapsedSeconds > budget {
		return budget
	}
	return elapsedSeconds
}

// CalculatePoints computes the points for one answer.
func CalculatePoints(correct bool, timeBudgetSeconds int, elapsedSeconds float64) int {
	if !correct {
		return 0
	}

	elapsed := ClampElapsed(timeBudgetSeconds, elapsedSeconds)
	timeBonus := float64(timeBudgetSeconds) - elapsed
	return answerBasePoints + int(math.Floor(timeBonus*2))
}
