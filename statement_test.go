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
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/blnkfinance/treasury/internal/apierror"
	"github.com/blnkfinance/treasury/internal/statements"
	"github.com/blnkfinance/treasury/model"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `Date,Amount,Currency,Ref,Description
2024-05-01,"5,000.00",MWK,disb-1,LOAN PAYOUT
2024-05-02 06:00:00,900,mwk,FUND-0042,TRANSFER IN
15/05/2024,-12.50,MWK,,BANK CHARGES
`

func TestParseStatement_CSV(t *testing.T) {
	lines, err := ParseStatement(strings.NewReader(sampleCSV), "may.csv")
	require.NoError(t, err)
	require.Len(t, lines, 3)

	assert.True(t, decimal.NewFromInt(5000).Equal(lines[0].Amount))
	assert.Equal(t, "disb-1", lines[0].Reference)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), lines[0].TransactionDate)
	assert.Equal(t, "MWK", lines[1].Currency)
	assert.Equal(t, time.Date(2024, 5, 2, 6, 0, 0, 0, time.UTC), lines[1].TransactionDate)
	assert.True(t, decimal.RequireFromString("-12.50").Equal(lines[2].Amount))
	assert.Equal(t, time.Date(2024, 5, 15, 0, 0, 0, 0, time.UTC), lines[2].TransactionDate)
	assert.Empty(t, lines[2].Reference)
}

func TestParseStatement_JSON(t *testing.T) {
	array := `[{"amount": 5000, "currency": "MWK", "reference": "disb-1", "date": "2024-05-01T12:00:00Z"}]`
	lines, err := ParseStatement(strings.NewReader(array), "may.json")
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.True(t, decimal.NewFromInt(5000).Equal(lines[0].Amount))

	wrapped := `{"lines": [{"amount": "900.00", "reference": "FUND-0042", "date": "2024-05-02"}, {"amount": 1.5, "date": "2024-05-03"}]}`
	lines, err = ParseStatement(strings.NewReader(wrapped), "")
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.True(t, decimal.RequireFromString("1.5").Equal(lines[1].Amount))
}

func TestParseStatement_SniffsCSV(t *testing.T) {
	data := "date,amount,reference\n2024-05-01,10,a\n2024-05-02,20,b\n"
	lines, err := ParseStatement(strings.NewReader(data), "statement")
	require.NoError(t, err)
	assert.Len(t, lines, 2)
}

func TestParseStatement_Errors(t *testing.T) {
	tests := []struct {
		name, data, filename, message string
	}{
		{"missing amount column", "date,reference\n2024-05-01,a\n", "s.csv", "required column 'amount'"},
		{"bad amount", "date,amount\n2024-05-01,ten\n", "s.csv", "row 2: invalid amount"},
		{"bad date", "date,amount\n01-05-2024,10\n", "s.csv", "invalid date"},
		{"empty amount", `[{"date": "2024-05-01"}]`, "s.json", "line 1"},
		{"unsupported", "%PDF-1.4 binary", "s.pdf", "unsupported statement format"},
		{"not json", "{broken", "s.json", "not valid JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStatement(strings.NewReader(tt.data), tt.filename)
			require.Error(t, err)
			assert.True(t, apierror.IsCode(err, apierror.ErrInvalidInput))
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

type trackedBody struct {
	io.Reader
	closed bool
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

type fakeStatementSource struct {
	bodies []*trackedBody
	err    error
}

func (s *fakeStatementSource) Fetch(_ context.Context, key string) (*statements.Object, error) {
	if s.err != nil {
		return nil, s.err
	}
	body := &trackedBody{Reader: strings.NewReader(sampleCSV)}
	s.bodies = append(s.bodies, body)
	return &statements.Object{
		Bucket:   "statements",
		Key:      key,
		ETag:     "abc123",
		SourceID: statements.SourceID("statements", key, "abc123"),
		Body:     body,
	}, nil
}

func TestIngestStatementObject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	source := &fakeStatementSource{}
	r := f.treasury.Reconciler

	batch, err := r.IngestStatementObject(ctx, source, "2024/05/may.csv", false)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusIngested, batch.Status)
	assert.Equal(t, "s3://statements/2024/05/may.csv#abc123", batch.SourceID)
	assert.Equal(t, 3, batch.TotalEntries)
	assert.Equal(t, 3, batch.UnmatchedEntries)
	require.Len(t, source.bodies, 1)
	assert.True(t, source.bodies[0].closed)

	_, err = r.IngestStatementObject(ctx, source, "2024/05/may.csv", false)
	assert.True(t, apierror.IsCode(err, apierror.ErrConflict))
	assert.True(t, source.bodies[1].closed)

	forced, err := r.IngestStatementObject(ctx, source, "2024/05/may.csv", true)
	require.NoError(t, err)
	assert.NotEqual(t, batch.BatchID, forced.BatchID)

	source.err = errors.New("access denied")
	_, err = r.IngestStatementObject(ctx, source, "2024/05/june.csv", false)
	assert.Error(t, err)
}

func TestUploadStatement_InvalidFileCreatesNoBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.treasury.Reconciler.UploadStatement(ctx, "upload-1", strings.NewReader("date,amount\nnope,1\n"), "bad.csv", false)
	assert.True(t, apierror.IsCode(err, apierror.ErrInvalidInput))

	_, err = f.store.GetActiveBatchBySource(ctx, BatchTypeBankStatement, "upload-1")
	assert.True(t, notFound(err))
}
