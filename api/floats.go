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

	apimodel "github.com/blnkfinance/treasury/api/model"
	"github.com/gin-gonic/gin"
)

func (a Api) CreateBranchFloat(c *gin.Context) {
	var req apimodel.CreateBranchFloat
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateCreateBranchFloat(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	actor := req.CreatedBy
	if actor == "" {
		actor = "api"
	}
	resp, err := a.treasury.Floats.CreateBranchFloat(c.Request.Context(), req.ToBranchFloat(), actor)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (a Api) GetBranchFloat(c *gin.Context) {
	id, ok := requireParam(c, "id")
	if !ok {
		return
	}

	resp, err := a.treasury.Floats.GetBranchFloat(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) ReplenishBranchFloat(c *gin.Context) {
	id, ok := requireParam(c, "id")
	if !ok {
		return
	}

	var req apimodel.ReplenishFloat
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateReplenishFloat(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	resp, err := a.treasury.Floats.Replenish(c.Request.Context(), id, req.Amount, req.Reference, req.Actor)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// VerifyBranchFloat replays the float's history. An inconsistent float is still a 200; the
// body says so.
func (a Api) VerifyBranchFloat(c *gin.Context) {
	id, ok := requireParam(c, "id")
	if !ok {
		return
	}

	resp, err := a.treasury.Floats.VerifyFloatHistory(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (a Api) GetTransaction(c *gin.Context) {
	id, ok := requireParam(c, "id")
	if !ok {
		return
	}

	resp, err := a.treasury.GetTreasuryTransaction(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
