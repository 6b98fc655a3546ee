package matching

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
)

func TestCompareNamesExact(t *testing.T) {
	require.InDelta(t, 1.0, CompareNames("LUIS GARCIA", "luis garcia"), 0.0001)
}

func TestCompareNamesBankStatementFormat(t *testing.T) {
	// Bank statements truncate and reorder: separators and ordering must not
	// affect the score.
	score := CompareNames("BRIBIESCA/LOPEZ,SAIB", "SAIB BRIBIESCA LOPEZ")
	require.InDelta(t, 1.0, score, 0.0001)
}

func TestCompareNamesContainment(t *testing.T) {
	require.InDelta(t, 0.8, CompareNames("LUIS TORRES", "LUIS TORRES RAMIREZ"), 0.0001)
	require.InDelta(t, 0.8, CompareNames("LUIS TORRES RAMIREZ", "LUIS TORRES"), 0.0001)
}

func TestCompareNamesNoOverlap(t *testing.T) {
	require.Zero(t, CompareNames("MARIA GARCIA", "LUIS TORRES RAMIREZ"))
}

func TestCompareNamesPartialOverlap(t *testing.T) {
	// One shared word out of three meaningful words.
	score := CompareNames("JUAN TORRES", "LUIS TORRES RAMIREZ")
	require.Greater(t, score, 0.0)
	require.Less(t, score, 0.5)
}

func TestCompareNamesIgnoresShortWords(t *testing.T) {
	// Connective fragments never count toward the overlap; both meaningful
	// words are shared out of four total.
	score := CompareNames("MARIA DE LA CRUZ", "CRUZ MARIA")
	require.InDelta(t, 0.5, score, 0.0001)
	require.True(t, NamesMatch("MARIA DE LA CRUZ", "CRUZ MARIA"))
}

func TestCompareNamesAccentedCharacters(t *testing.T) {
	require.InDelta(t, 1.0, CompareNames("JOSÉ NÚÑEZ", "josé núñez"), 0.0001)
}

func TestCompareNamesEmpty(t *testing.T) {
	require.Zero(t, CompareNames("", "LUIS TORRES"))
	require.Zero(t, CompareNames("LUIS TORRES", ""))
	require.Zero(t, CompareNames("", ""))
}

func TestNamesMatchThresholdIsStrict(t *testing.T) {
	require.True(t, NamesMatch("SAIB BRIBIESCA LOPEZ", "BRIBIESCA/LOPEZ,SAIB"))
	require.False(t, NamesMatch("MARIA GARCIA", "LUIS TORRES"))
}

func TestAmountWithinTolerance(t *testing.T) {
	require.True(t, AmountWithinTolerance(1000, 1000, 1.0))
	require.True(t, AmountWithinTolerance(990, 1000, 1.0))
	require.True(t, AmountWithinTolerance(1010, 1000, 1.0))
	require.False(t, AmountWithinTolerance(989.99, 1000, 1.0))
	require.False(t, AmountWithinTolerance(1010.01, 1000, 1.0))
}

func TestAmountWithinToleranceRejectsNonPositiveExpected(t *testing.T) {
	require.False(t, AmountWithinTolerance(0, 0, 1.0))
	require.False(t, AmountWithinTolerance(100, -5, 1.0))
}

func TestBestCandidatePicksHighestScore(t *testing.T) {
	orders := []entities.Order{
		{ID: "ord-1", RealName: "LUIS TORRES RAMIREZ", ExpectedAmount: 5000},
		{ID: "ord-2", RealName: "MARIA GARCIA", ExpectedAmount: 5000},
	}

	best, scored := BestCandidate("LUIS TORRES RAMIREZ", orders)
	require.NotNil(t, best)
	require.Equal(t, "ord-1", best.Order.ID)
	require.InDelta(t, 1.0, best.Score, 0.0001)
	require.Len(t, scored, 2)
}

func TestBestCandidateScoredIsSortedDescending(t *testing.T) {
	orders := []entities.Order{
		{ID: "ord-1", RealName: "PEDRO SANCHEZ", ExpectedAmount: 5000},
		{ID: "ord-2", RealName: "LUIS TORRES RAMIREZ", ExpectedAmount: 5000},
		{ID: "ord-3", RealName: "LUIS TORRES", ExpectedAmount: 5000},
	}

	best, scored := BestCandidate("LUIS TORRES RAMIREZ", orders)
	require.NotNil(t, best)
	require.Equal(t, "ord-2", best.Order.ID)
	require.Len(t, scored, 3)
	for i := 1; i < len(scored); i++ {
		require.GreaterOrEqual(t, scored[i-1].Score, scored[i].Score)
	}
	require.Equal(t, "ord-1", scored[2].Order.ID)
}

func TestBestCandidateNoneAboveThreshold(t *testing.T) {
	orders := []entities.Order{
		{ID: "ord-1", RealName: "MARIA GARCIA", ExpectedAmount: 5000},
		{ID: "ord-2", RealName: "PEDRO SANCHEZ", ExpectedAmount: 5000},
	}

	best, scored := BestCandidate("LUIS TORRES RAMIREZ", orders)
	require.Nil(t, best)
	require.Len(t, scored, 2)
}

func TestBestCandidateFallsBackToNickname(t *testing.T) {
	orders := []entities.Order{
		{ID: "ord-1", Nickname: "luis torres", ExpectedAmount: 5000},
	}

	best, _ := BestCandidate("LUIS TORRES", orders)
	require.NotNil(t, best)
	require.Equal(t, "ord-1", best.Order.ID)
}

func TestBestCandidateEmptyInput(t *testing.T) {
	best, scored := BestCandidate("LUIS TORRES", nil)
	require.Nil(t, best)
	require.Empty(t, scored)
}
