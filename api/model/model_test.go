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

package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestValidateCreateBranchFloat(t *testing.T) {
	tests := []struct {
		name    string
		float   CreateBranchFloat
		wantErr bool
	}{
		{
			name:  "Valid",
			float: CreateBranchFloat{BranchID: "BR001", Currency: "mwk", OpeningBalance: decimal.NewFromInt(1000)},
		},
		{
			name:    "Missing branch",
			float:   CreateBranchFloat{Currency: "MWK"},
			wantErr: true,
		},
		{
			name:    "Bad currency",
			float:   CreateBranchFloat{BranchID: "BR001", Currency: "KWACHA"},
			wantErr: true,
		},
		{
			name:    "Negative opening balance",
			float:   CreateBranchFloat{BranchID: "BR001", Currency: "MWK", OpeningBalance: decimal.NewFromInt(-1)},
			wantErr: true,
		},
		{
			name: "High threshold below low threshold",
			float: CreateBranchFloat{BranchID: "BR001", Currency: "MWK",
				LowThreshold: decimal.NewFromInt(500), HighThreshold: decimal.NewFromInt(100)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.float.ValidateCreateBranchFloat()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestCreateBranchFloat_ToBranchFloat(t *testing.T) {
	req := CreateBranchFloat{BranchID: "BR001", Name: "Lilongwe", Currency: "mwk", OpeningBalance: decimal.NewFromInt(250)}
	assert.NoError(t, req.ValidateCreateBranchFloat())

	float := req.ToBranchFloat()
	assert.Equal(t, "MWK", float.Currency)
	assert.True(t, float.CurrentBalance.Equal(decimal.NewFromInt(250)))
}

func TestValidateReplenishFloat(t *testing.T) {
	assert.NoError(t, (&ReplenishFloat{Amount: decimal.NewFromInt(10), Reference: "TOPUP-1", Actor: "ops"}).ValidateReplenishFloat())
	assert.Error(t, (&ReplenishFloat{Amount: decimal.Zero, Reference: "TOPUP-1", Actor: "ops"}).ValidateReplenishFloat())
	assert.Error(t, (&ReplenishFloat{Amount: decimal.NewFromInt(10), Actor: "ops"}).ValidateReplenishFloat())
}

func TestValidateRecordApproval(t *testing.T) {
	approval := RecordApproval{Approver: "manager", Level: 1, Decision: "approve"}
	assert.NoError(t, approval.ValidateRecordApproval())
	assert.Equal(t, "APPROVE", approval.Decision)

	decision := approval.ToApprovalDecision("disb-1")
	assert.Equal(t, "disb-1", decision.DisbursementID)
	assert.Equal(t, 1, decision.Level)

	assert.Error(t, (&RecordApproval{Approver: "manager", Level: 1, Decision: "AUTO_APPROVED"}).ValidateRecordApproval())
	assert.Error(t, (&RecordApproval{Approver: "manager", Decision: "REJECT"}).ValidateRecordApproval())
}

func TestValidateManualMatch(t *testing.T) {
	m := ManualMatch{TransactionID: "ttx_1"}
	assert.NoError(t, m.ValidateManualMatch())
	assert.Equal(t, 100, m.MatchConfidence())

	zero, over := 0, 101
	m.Confidence = &zero
	assert.NoError(t, m.ValidateManualMatch())
	assert.Equal(t, 0, m.MatchConfidence())

	m.Confidence = &over
	assert.Error(t, m.ValidateManualMatch())

	assert.Error(t, (&ManualMatch{}).ValidateManualMatch())
}
