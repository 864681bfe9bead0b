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

	"github.com/blnkfinance/treasury/model"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{model.StatusReceived, model.StatusValidated, true},
		{model.StatusValidated, model.StatusFundingConfirmed, true},
		{model.StatusFundingConfirmed, model.StatusApproved, true},
		{model.StatusApproved, model.StatusExecuting, true},
		{model.StatusExecuting, model.StatusExecuted, true},
		{model.StatusReceived, model.StatusRejected, true},
		{model.StatusFundingConfirmed, model.StatusRejected, true},
		{model.StatusExecuting, model.StatusFailed, true},
		{model.StatusValidated, model.StatusFailed, true},

		{model.StatusReceived, model.StatusApproved, false},
		{model.StatusValidated, model.StatusReceived, false},
		{model.StatusExecuting, model.StatusApproved, false},
		{model.StatusApproved, model.StatusExecuted, false},
		{model.StatusExecuted, model.StatusFailed, false},
		{model.StatusExecuted, model.StatusExecuting, false},
		{model.StatusRejected, model.StatusValidated, false},
		{model.StatusFailed, model.StatusRejected, false},
		{"UNKNOWN", model.StatusFailed, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{model.StatusExecuted, model.StatusRejected, model.StatusFailed} {
		assert.True(t, IsTerminal(status), status)
		for _, to := range []string{model.StatusReceived, model.StatusValidated, model.StatusExecuted, model.StatusFailed} {
			assert.False(t, CanTransition(status, to), "%s -> %s", status, to)
		}
	}
	for _, status := range []string{model.StatusReceived, model.StatusValidated, model.StatusFundingConfirmed, model.StatusApproved, model.StatusExecuting} {
		assert.False(t, IsTerminal(status), status)
	}
}
