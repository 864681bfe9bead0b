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

import "github.com/blnkfinance/treasury/model"

// transitions lists the forward moves of a disbursement. REJECTED and FAILED are reachable
// from every non-terminal state and are added by CanTransition.
var transitions = map[string][]string{
	model.StatusReceived:         {model.StatusValidated},
	model.StatusValidated:        {model.StatusFundingConfirmed},
	model.StatusFundingConfirmed: {model.StatusApproved},
	model.StatusApproved:         {model.StatusExecuting},
	model.StatusExecuting:        {model.StatusExecuted},
}

// IsTerminal reports whether status allows no further transitions.
func IsTerminal(status string) bool {
	switch status {
	case model.StatusExecuted, model.StatusRejected, model.StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a disbursement in from may move to to.
func CanTransition(from, to string) bool {
	targets, ok := transitions[from]
	if !ok {
		return false
	}
	if to == model.StatusRejected || to == model.StatusFailed {
		return true
	}
	for _, target := range targets {
		if target == to {
			return true
		}
	}
	return false
}
