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

package api

import (
	"net/http"

	"github.com/blnkfinance/treasury/api/middleware"
	apimodel "github.com/blnkfinance/treasury/api/model"
	"github.com/blnkfinance/treasury/model"
	"github.com/gin-gonic/gin"
)

// RequestDisbursement accepts a LoanDisbursementRequested event. The request is queued
// when a queue is configured and answered with 202; otherwise it is processed inline and
// the outcome is returned. Validation and funding failures are outcomes, not HTTP errors.
func (a Api) RequestDisbursement(c *gin.Context) {
	var evt model.LoanDisbursementRequested
	if err := c.ShouldBindJSON(&evt); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if evt.DisbursementID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "disbursementId is required"})
		return
	}
	if evt.CorrelationID == "" {
		evt.CorrelationID = middleware.GetCorrelationID(c)
	}

	if a.queue != nil {
		if err := a.queue.EnqueueDisbursementRequested(c.Request.Context(), evt); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"disbursement_id": evt.DisbursementID, "status": "queued"})
		return
	}

	outcome, err := a.treasury.HandleDisbursementRequested(c.Request.Context(), evt)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}

func (a Api) GetDisbursement(c *gin.Context) {
	id, ok := requireParam(c, "id")
	if !ok {
		return
	}

	resp, err := a.treasury.GetDisbursementStatus(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RecordApproval records an APPROVE or REJECT decision. The final approval executes the
// disbursement before the response is written.
func (a Api) RecordApproval(c *gin.Context) {
	id, ok := requireParam(c, "id")
	if !ok {
		return
	}

	var req apimodel.RecordApproval
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateRecordApproval(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	outcome, err := a.treasury.Approve(c.Request.Context(), req.ToApprovalDecision(id))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}
