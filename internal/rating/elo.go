package rating

import "math"

// K-factors by queue kind.
const (
	KRanked = 32
	KCasual = 16
)

// Score values for a finished two-player game.
const (
	ScoreWin  = 1.0
	ScoreLoss = 0.0
)

// Expected returns the ELO expected score of player against opponent.
func Expected(player, opponent int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(opponent-player)/400.0))
}

// Delta returns the rounded rating change for the given actual score.
func Delta(player, opponent int, actual float64, ranked bool) int {
	k := float64(KCasual)
	if ranked {
		k = float64(KRanked)
	}
	return int(math.Round(k * (actual - Expected(player, opponent))))
}
