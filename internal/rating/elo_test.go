package rating

import (
	"math"
	"testing"
)

func TestExpectedSymmetry(t *testing.T) {
	cases := [][2]int{{1000, 1000}, {1200, 1000}, {900, 1400}}
	for _, c := range cases {
		sum := Expected(c[0], c[1]) + Expected(c[1], c[0])
		if math.Abs(sum-1.0) > 1e-9 {
			t.Fatalf("expected scores for %v do not sum to 1: %f", c, sum)
		}
	}
	if e := Expected(1000, 1000); math.Abs(e-0.5) > 1e-9 {
		t.Fatalf("equal ratings should expect 0.5, got %f", e)
	}
}

func TestDeltaEqualRatings(t *testing.T) {
	if d := Delta(1000, 1000, ScoreWin, true); d != 16 {
		t.Fatalf("ranked win between equals: want +16, got %d", d)
	}
	if d := Delta(1000, 1000, ScoreLoss, true); d != -16 {
		t.Fatalf("ranked loss between equals: want -16, got %d", d)
	}
	if d := Delta(1000, 1000, ScoreWin, false); d != 8 {
		t.Fatalf("casual win between equals: want +8, got %d", d)
	}
}

func TestDeltaUnderdog(t *testing.T) {
	underdog := Delta(1000, 1400, ScoreWin, true)
	favorite := Delta(1400, 1000, ScoreWin, true)
	if underdog <= favorite {
		t.Fatalf("underdog win (%d) should pay more than favorite win (%d)", underdog, favorite)
	}
	if underdog <= 0 || favorite <= 0 {
		t.Fatalf("wins must gain rating: underdog=%d favorite=%d", underdog, favorite)
	}
}
