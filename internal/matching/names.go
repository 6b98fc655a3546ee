// Package matching implements the amount/name smart-matching rules used to
// reconcile bank payments against open P2P orders.
package matching

import (
	"math"
	"strings"

	"github.com/meridianpay/p2p-autorelease/backend/internal/entities"
	"golang.org/x/exp/slices"
)

// NameMatchThreshold is the minimum CompareNames score for two names to be
// considered the same person. A match requires score strictly above it.
const NameMatchThreshold = 0.3

// MinMeaningfulWordLen filters connective fragments ("de", "y", initials)
// out of the word-overlap ratio.
const minMeaningfulWordLen = 2

var separatorReplacer = strings.NewReplacer(
	",", " ", "/", " ", ".", " ", "-", " ", "_", " ", "|", " ",
)

// normalizeName lowercases, maps common separators to spaces, strips
// everything non-alphanumeric except Spanish diacritics, and collapses
// whitespace. Bank statements render the same holder name with wildly
// different punctuation; normalization makes them comparable.
func normalizeName(name string) string {
	s := strings.ToLower(name)
	s = separatorReplacer.Replace(s)

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ' ':
			b.WriteRune(r)
		case strings.ContainsRune("áéíóúüñ", r):
			b.WriteRune(r)
		}
	}

	return strings.Join(strings.Fields(b.String()), " ")
}

// CompareNames scores the similarity of two account holder names in [0, 1]:
// 1.0 for equal normalized names, 0.8 when one contains the other, otherwise
// the ratio of common meaningful words to the larger word count. Empty names
// score 0.
func CompareNames(a, b string) float64 {
	na, nb := normalizeName(a), normalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}
	if strings.Contains(na, nb) || strings.Contains(nb, na) {
		return 0.8
	}

	wordsA := strings.Fields(na)
	wordsB := strings.Fields(nb)

	setA := make(map[string]struct{}, len(wordsA))
	for _, w := range wordsA {
		if len([]rune(w)) > minMeaningfulWordLen {
			setA[w] = struct{}{}
		}
	}

	common := 0
	seen := make(map[string]struct{}, len(wordsB))
	for _, w := range wordsB {
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		if _, ok := setA[w]; ok {
			common++
		}
	}

	maxLen := len(wordsA)
	if len(wordsB) > maxLen {
		maxLen = len(wordsB)
	}
	if maxLen == 0 {
		return 0
	}

	return float64(common) / float64(maxLen)
}

// NamesMatch reports whether the two names clear the match threshold.
func NamesMatch(a, b string) bool {
	return CompareNames(a, b) > NameMatchThreshold
}

// AmountWithinTolerance reports whether a received amount is within
// tolerancePct percent of the expected amount.
func AmountWithinTolerance(received, expected, tolerancePct float64) bool {
	if expected <= 0 {
		return false
	}
	return math.Abs(received-expected) <= expected*tolerancePct/100
}

// Candidate is one scored order in a smart-match pass.
type Candidate struct {
	Order entities.Order
	Score float64
}

// BestCandidate disambiguates same-amount orders by sender/buyer name
// similarity: every candidate is scored against the sender name and only the
// single highest score above the threshold wins. Returns nil when no
// candidate qualifies, so a payment never oscillates between orders sharing
// the same amount.
func BestCandidate(senderName string, orders []entities.Order) (*Candidate, []Candidate) {
	scored := make([]Candidate, 0, len(orders))
	for _, o := range orders {
		scored = append(scored, Candidate{Order: o, Score: CompareNames(senderName, o.CounterpartyName())})
	}
	slices.SortStableFunc(scored, func(a, b Candidate) bool {
		return a.Score > b.Score
	})

	if len(scored) == 0 || scored[0].Score <= NameMatchThreshold {
		return nil, scored
	}
	best := scored[0]
	return &best, scored
}
