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

import "time"

const (
	IdempotencyNotProcessed = "NOT_PROCESSED"
	IdempotencyProcessing   = "PROCESSING"
	IdempotencyCompleted    = "COMPLETED"
	IdempotencyFailed       = "FAILED"
)

type IdempotencyRecord struct {
	Key           string    `json:"key"`
	Status        string    `json:"status"`
	TransactionID string    `json:"transaction_id"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// IsFinal reports whether the record has reached COMPLETED or FAILED.
func (r *IdempotencyRecord) IsFinal() bool {
	return r.Status == IdempotencyCompleted || r.Status == IdempotencyFailed
}
