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
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/blnkfinance/treasury/internal/statements"
	"github.com/blnkfinance/treasury/model"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const maxStatementSize = 32 << 20

const (
	mimeCSV  = "text/csv"
	mimeJSON = "application/json"
)

var statementDateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02", "02/01/2006"}

// StatementSource fetches statement objects from external storage. *statements.S3Source
// implements it.
type StatementSource interface {
	Fetch(ctx context.Context, key string) (*statements.Object, error)
}

// ParseStatement reads a CSV or JSON bank statement. The format is taken from the file
// extension, or sniffed from the content when the extension says nothing.
func ParseStatement(reader io.Reader, filename string) ([]model.StatementLine, error) {
	data, err := io.ReadAll(io.LimitReader(reader, maxStatementSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxStatementSize {
		return nil, invalidInput("statement exceeds %d bytes", maxStatementSize)
	}

	switch detectStatementType(data, filename) {
	case mimeCSV:
		return parseCSVStatement(data)
	case mimeJSON:
		return parseJSONStatement(data)
	default:
		return nil, invalidInput("unsupported statement format for %s", filename)
	}
}

func detectStatementType(data []byte, filename string) string {
	if ext := strings.ToLower(filepath.Ext(filename)); ext != "" {
		// .csv is missing from the builtin table when no system mime.types is installed.
		if ext == ".csv" {
			return mimeCSV
		}
		switch t, _, _ := mime.ParseMediaType(mime.TypeByExtension(ext)); t {
		case mimeCSV, mimeJSON:
			return t
		}
	}

	switch t, _, _ := mime.ParseMediaType(http.DetectContentType(data)); t {
	case mimeCSV, mimeJSON:
		return t
	}
	trimmed := bytes.TrimSpace(data)
	if json.Valid(trimmed) && len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		return mimeJSON
	}
	if looksLikeCSV(trimmed) {
		return mimeCSV
	}
	return ""
}

// looksLikeCSV requires at least two lines with the same comma-separated field count.
func looksLikeCSV(data []byte) bool {
	lines := bytes.Split(data, []byte("\n"))
	if len(lines) < 2 {
		return false
	}
	fields := bytes.Count(lines[0], []byte(",")) + 1
	for _, line := range lines[1:] {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if bytes.Count(line, []byte(","))+1 != fields {
			return false
		}
	}
	return fields > 1
}

func parseCSVStatement(data []byte) ([]model.StatementLine, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		return nil, invalidInput("statement has no header row")
	}
	columns, err := statementColumns(headers)
	if err != nil {
		return nil, err
	}

	var lines []model.StatementLine
	for row := 2; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, invalidInput("row %d: %v", row, err)
		}
		line, err := parseStatementRecord(record, columns)
		if err != nil {
			return nil, invalidInput("row %d: %v", row, err)
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// statementColumns maps lower-cased header names to their index. Amount and date are required.
func statementColumns(headers []string) (map[string]int, error) {
	columns := make(map[string]int, len(headers))
	for i, header := range headers {
		columns[strings.ToLower(strings.TrimSpace(header))] = i
	}
	if _, ok := columns["reference"]; !ok {
		if i, ok := columns["ref"]; ok {
			columns["reference"] = i
		}
	}
	for _, required := range []string{"amount", "date"} {
		if _, ok := columns[required]; !ok {
			return nil, invalidInput("required column '%s' not found in statement", required)
		}
	}
	return columns, nil
}

func field(record []string, columns map[string]int, name string) string {
	if i, ok := columns[name]; ok && i < len(record) {
		return strings.TrimSpace(record[i])
	}
	return ""
}

func parseStatementRecord(record []string, columns map[string]int) (model.StatementLine, error) {
	amount, err := parseStatementAmount(field(record, columns, "amount"))
	if err != nil {
		return model.StatementLine{}, err
	}
	date, err := parseStatementDate(field(record, columns, "date"))
	if err != nil {
		return model.StatementLine{}, err
	}
	return model.StatementLine{
		Amount:          amount,
		Currency:        strings.ToUpper(field(record, columns, "currency")),
		Reference:       field(record, columns, "reference"),
		Description:     field(record, columns, "description"),
		TransactionDate: date,
	}, nil
}

func parseStatementAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("required field 'amount' is empty")
	}
	amount, err := decimal.NewFromString(strings.ReplaceAll(raw, ",", ""))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}

func parseStatementDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, fmt.Errorf("required field 'date' is empty")
	}
	for _, layout := range statementDateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", raw)
}

type jsonStatementLine struct {
	Amount      json.Number `json:"amount"`
	Currency    string      `json:"currency"`
	Reference   string      `json:"reference"`
	Description string      `json:"description"`
	Date        string      `json:"date"`
}

// parseJSONStatement accepts a JSON array of lines or an object with a "lines" array.
func parseJSONStatement(data []byte) ([]model.StatementLine, error) {
	var raw []jsonStatementLine
	if err := json.Unmarshal(data, &raw); err != nil {
		var wrapped struct {
			Lines []jsonStatementLine `json:"lines"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, invalidInput("statement is not valid JSON: %v", err)
		}
		raw = wrapped.Lines
	}

	lines := make([]model.StatementLine, 0, len(raw))
	for i, r := range raw {
		amount, err := parseStatementAmount(r.Amount.String())
		if err != nil {
			return nil, invalidInput("line %d: %v", i+1, err)
		}
		date, err := parseStatementDate(strings.TrimSpace(r.Date))
		if err != nil {
			return nil, invalidInput("line %d: %v", i+1, err)
		}
		lines = append(lines, model.StatementLine{
			Amount:          amount,
			Currency:        strings.ToUpper(strings.TrimSpace(r.Currency)),
			Reference:       strings.TrimSpace(r.Reference),
			Description:     r.Description,
			TransactionDate: date,
		})
	}
	return lines, nil
}

// UploadStatement parses a statement and ingests it as a new bank statement batch.
func (r *Reconciler) UploadStatement(ctx context.Context, sourceID string, reader io.Reader, filename string, force bool) (*model.ReconciliationBatch, error) {
	lines, err := ParseStatement(reader, filename)
	if err != nil {
		return nil, err
	}
	batch, err := r.CreateBatch(ctx, BatchTypeBankStatement, sourceID, len(lines), force)
	if err != nil {
		return nil, err
	}
	if _, err := r.Ingest(ctx, batch.BatchID, lines); err != nil {
		return nil, err
	}
	return r.datasource.GetReconciliationBatch(ctx, batch.BatchID)
}

// IngestStatementObject reads the statement at key from source and ingests it. The object's
// version is its source id, so uploading the same object twice is a conflict unless force is set.
func (r *Reconciler) IngestStatementObject(ctx context.Context, source StatementSource, key string, force bool) (*model.ReconciliationBatch, error) {
	obj, err := source.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := obj.Body.Close(); err != nil {
			logrus.WithError(err).WithField("key", key).Warn("failed to close statement object")
		}
	}()
	return r.UploadStatement(ctx, obj.SourceID, obj.Body, obj.Key, force)
}
