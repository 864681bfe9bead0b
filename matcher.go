/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package treasury

import (
	"math"
	"strings"
	"time"

	"github.com/blnkfinance/treasury/config"
	"github.com/blnkfinance/treasury/model"
	"github.com/shopspring/decimal"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// MatchResult is a candidate pairing of a statement entry with a treasury transaction.
type MatchResult struct {
	TransactionID string
	Method        string
	Confidence    int
}

// Matcher pairs a statement entry with one of the candidate transactions.
type Matcher interface {
	Name() string
	Match(entry *model.ReconciliationEntry, candidates []*model.TreasuryTransaction) (MatchResult, bool)
}

// DefaultMatchers returns the matcher chain: exact reference first, then fuzzy.
func DefaultMatchers(cnf config.ReconciliationConfig) []Matcher {
	return []Matcher{ExactMatcher{}, NewFuzzyMatcher(cnf)}
}

// Statement amounts may be signed by direction; matching compares magnitudes.
func sameAmount(entry *model.ReconciliationEntry, txn *model.TreasuryTransaction) bool {
	return entry.Amount.Abs().Equal(txn.Amount.Abs())
}

func sameCurrency(entry *model.ReconciliationEntry, txn *model.TreasuryTransaction) bool {
	return entry.Currency == "" || strings.EqualFold(entry.Currency, txn.Currency)
}

// ExactMatcher matches on equal amount and a case-insensitive reference equal to the
// transaction's reference or bank reference.
type ExactMatcher struct{}

func (ExactMatcher) Name() string { return model.MatchMethodExact }

func (ExactMatcher) Match(entry *model.ReconciliationEntry, candidates []*model.TreasuryTransaction) (MatchResult, bool) {
	ref := strings.TrimSpace(entry.Reference)
	if ref == "" {
		return MatchResult{}, false
	}
	for _, txn := range candidates {
		if !sameAmount(entry, txn) || !sameCurrency(entry, txn) {
			continue
		}
		if strings.EqualFold(ref, txn.Reference) || (txn.BankReference != "" && strings.EqualFold(ref, txn.BankReference)) {
			return MatchResult{TransactionID: txn.TransactionID, Method: model.MatchMethodExact, Confidence: 100}, true
		}
	}
	return MatchResult{}, false
}

// FuzzyMatcher scores candidates within the amount tolerance and date window on amount
// closeness, date closeness and description similarity, and returns the best one at or
// above the confidence floor. A candidate whose description and reference both fall under
// the minimum text similarity is never a match, however close its amount and date.
type FuzzyMatcher struct {
	tolerancePercent  float64
	minSimilarity     float64
	window            time.Duration
	floor             int
	amountWeight      float64
	dateWeight        float64
	descriptionWeight float64
}

func NewFuzzyMatcher(cnf config.ReconciliationConfig) *FuzzyMatcher {
	return &FuzzyMatcher{
		tolerancePercent:  cnf.AmountTolerancePercent,
		minSimilarity:     cnf.MinTextSimilarity,
		window:            time.Duration(cnf.DateWindowHours) * time.Hour,
		floor:             cnf.ConfidenceFloor,
		amountWeight:      cnf.AmountWeight,
		dateWeight:        cnf.DateWeight,
		descriptionWeight: cnf.DescriptionWeight,
	}
}

func (*FuzzyMatcher) Name() string { return model.MatchMethodFuzzy }

func (m *FuzzyMatcher) Match(entry *model.ReconciliationEntry, candidates []*model.TreasuryTransaction) (MatchResult, bool) {
	best := MatchResult{}
	for _, txn := range candidates {
		if !sameCurrency(entry, txn) {
			continue
		}
		score, ok := m.Score(entry, txn)
		if !ok || score < m.floor || score <= best.Confidence {
			continue
		}
		best = MatchResult{TransactionID: txn.TransactionID, Method: model.MatchMethodFuzzy, Confidence: score}
	}
	return best, best.TransactionID != ""
}

// Score rates how well txn explains entry on a 0 to 100 scale. It reports false when the
// pair falls outside the amount tolerance or the date window, or shares too little text.
func (m *FuzzyMatcher) Score(entry *model.ReconciliationEntry, txn *model.TreasuryTransaction) (int, bool) {
	amountScore, ok := m.amountScore(entry.Amount.Abs(), txn.Amount.Abs())
	if !ok {
		return 0, false
	}
	dateScore, ok := m.dateScore(entry.TransactionDate, transactionDate(txn))
	if !ok {
		return 0, false
	}
	descriptionScore := math.Max(
		similarity(entry.Description, txn.Description),
		similarity(entry.Reference, txn.Reference),
	)
	if descriptionScore < m.minSimilarity {
		return 0, false
	}

	total := m.amountWeight + m.dateWeight + m.descriptionWeight
	if total <= 0 {
		return 0, false
	}
	score := (m.amountWeight*amountScore + m.dateWeight*dateScore + m.descriptionWeight*descriptionScore) / total * 100
	return int(math.Round(score)), true
}

func (m *FuzzyMatcher) amountScore(entryAmount, txnAmount decimal.Decimal) (float64, bool) {
	if txnAmount.IsZero() {
		return 0, false
	}
	diff, _ := entryAmount.Sub(txnAmount).Abs().Div(txnAmount).Mul(decimal.NewFromInt(100)).Float64()
	if diff > m.tolerancePercent {
		return 0, false
	}
	if m.tolerancePercent <= 0 {
		return 1, true
	}
	return 1 - diff/m.tolerancePercent, true
}

func (m *FuzzyMatcher) dateScore(entryDate, txnDate time.Time) (float64, bool) {
	diff := entryDate.Sub(txnDate)
	if diff < 0 {
		diff = -diff
	}
	if diff > m.window {
		return 0, false
	}
	if m.window <= 0 {
		return 1, true
	}
	return 1 - float64(diff)/float64(m.window), true
}

// transactionDate is when the bank processed txn, or when it was created if it never
// reported back.
func transactionDate(txn *model.TreasuryTransaction) time.Time {
	if txn.ProcessedAt != nil {
		return *txn.ProcessedAt
	}
	return txn.CreatedAt
}

// similarity is the levenshtein ratio of two strings, case-insensitively. Containment
// counts as a full match.
func similarity(a, b string) float64 {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" {
		return 0
	}
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return 1
	}
	return levenshtein.RatioForStrings([]rune(a), []rune(b), levenshtein.DefaultOptions)
}
