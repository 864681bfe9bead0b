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
	"testing"
	"time"

	"github.com/blnkfinance/treasury/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

var matchDay = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func entryOf(amount string, reference, description string, at time.Time) *model.ReconciliationEntry {
	return &model.ReconciliationEntry{
		EntryID:         "re_1",
		Amount:          decimal.RequireFromString(amount),
		Currency:        "MWK",
		Reference:       reference,
		Description:     description,
		TransactionDate: at,
		MatchStatus:     model.EntryUnmatched,
	}
}

func txnOf(id, amount, reference, description string, at time.Time) *model.TreasuryTransaction {
	return &model.TreasuryTransaction{
		TransactionID: id,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "MWK",
		Status:        model.TransactionStatusCompleted,
		Reference:     reference,
		Description:   description,
		ProcessedAt:   &at,
	}
}

func TestExactMatcher(t *testing.T) {
	m := ExactMatcher{}
	candidates := []*model.TreasuryTransaction{
		txnOf("txn_1", "5000", "disb-1", "", matchDay),
		txnOf("txn_2", "700", "disb-2", "", matchDay),
	}
	candidates[1].BankReference = "BNK-778"

	res, ok := m.Match(entryOf("5000", "DISB-1", "", matchDay), candidates)
	assert.True(t, ok)
	assert.Equal(t, MatchResult{TransactionID: "txn_1", Method: model.MatchMethodExact, Confidence: 100}, res)

	res, ok = m.Match(entryOf("-700.00", "bnk-778", "", matchDay), candidates)
	assert.True(t, ok)
	assert.Equal(t, "txn_2", res.TransactionID)

	_, ok = m.Match(entryOf("5001", "disb-1", "", matchDay), candidates)
	assert.False(t, ok)

	_, ok = m.Match(entryOf("5000", "", "", matchDay), candidates)
	assert.False(t, ok)

	other := entryOf("5000", "disb-1", "", matchDay)
	other.Currency = "USD"
	_, ok = m.Match(other, candidates)
	assert.False(t, ok)
}

func TestFuzzyMatcher_Score(t *testing.T) {
	m := NewFuzzyMatcher(testConfig().Reconciliation)
	txn := txnOf("txn_1", "1000", "FUND-1", "Float replenishment", matchDay)

	tests := []struct {
		name  string
		entry *model.ReconciliationEntry
		score int
		ok    bool
	}{
		{"identical", entryOf("1000", "FUND-1", "Float replenishment", matchDay), 100, true},
		{"half the amount tolerance", entryOf("1005", "FUND-1", "Float replenishment", matchDay), 75, true},
		{"half the date window", entryOf("1000", "FUND-1", "Float replenishment", matchDay.Add(36*time.Hour)), 90, true},
		{"signed amount", entryOf("-1000", "FUND-1", "Float replenishment", matchDay.Add(-36*time.Hour)), 90, true},
		{"reference only", entryOf("1000", "FUND-1", "", matchDay), 100, true},
		{"no text", entryOf("1000", "", "", matchDay), 0, false},
		{"unrelated text", entryOf("1000", "ZZZ", "QQQQ", matchDay), 0, false},
		{"outside amount tolerance", entryOf("1011", "FUND-1", "Float replenishment", matchDay), 0, false},
		{"outside date window", entryOf("1000", "FUND-1", "Float replenishment", matchDay.Add(73*time.Hour)), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, ok := m.Score(tt.entry, txn)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.score, score)
		})
	}
}

func TestFuzzyMatcher_PicksBestAboveFloor(t *testing.T) {
	m := NewFuzzyMatcher(testConfig().Reconciliation)
	candidates := []*model.TreasuryTransaction{
		txnOf("txn_far", "1000", "X-1", "unrelated", matchDay.Add(60*time.Hour)),
		txnOf("txn_near", "1000", "FUND-1", "Float replenishment", matchDay.Add(time.Hour)),
	}

	res, ok := m.Match(entryOf("1000", "FUND-1", "float replenishment BR-001", matchDay), candidates)
	assert.True(t, ok)
	assert.Equal(t, "txn_near", res.TransactionID)
	assert.Equal(t, model.MatchMethodFuzzy, res.Method)

	// An amount at the edge of the tolerance scores 55, under the floor of 70.
	_, ok = m.Match(entryOf("1009", "FUND-1", "", matchDay.Add(time.Hour)), candidates[1:])
	assert.False(t, ok)
}

func TestFuzzyMatcher_AmountAndDateAloneNeverMatch(t *testing.T) {
	m := NewFuzzyMatcher(testConfig().Reconciliation)
	candidates := []*model.TreasuryTransaction{
		txnOf("txn_salary", "1234", "DISB-77", "Loan L-9 disbursement", matchDay),
	}

	_, ok := m.Match(entryOf("1234", "ZZZ", "QQQQ", matchDay), candidates)
	assert.False(t, ok)
}

func TestTransactionDate(t *testing.T) {
	txn := &model.TreasuryTransaction{CreatedAt: matchDay}
	assert.Equal(t, matchDay, transactionDate(txn))
	processed := matchDay.Add(time.Hour)
	txn.ProcessedAt = &processed
	assert.Equal(t, processed, transactionDate(txn))
}

func TestSimilarity(t *testing.T) {
	assert.Zero(t, similarity("", "abc"))
	assert.Equal(t, 1.0, similarity("Loan Payout", "  loan payout "))
	assert.Equal(t, 1.0, similarity("TRF FUND-1 IN", "fund-1"))
	assert.InDelta(t, 8.0/13.0, similarity("kitten", "sitting"), 0.001)
}
