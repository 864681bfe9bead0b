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
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"

	apimodel "github.com/blnkfinance/treasury/api/model"
	"github.com/blnkfinance/treasury/model"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const maxUploadSize = 32 << 20

// UploadStatement ingests a multipart CSV or JSON bank statement. Without a source_id the
// statement is identified by its content hash, so the same file uploaded twice is a conflict
// unless force=true.
func (a Api) UploadStatement(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File upload failed"})
		return
	}
	if len(data) > maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "statement is too large"})
		return
	}

	force := false
	if raw := c.PostForm("force"); raw != "" {
		if force, err = strconv.ParseBool(raw); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "force must be a boolean"})
			return
		}
	}

	sourceID := c.PostForm("source_id")
	if sourceID == "" {
		sum := sha256.Sum256(data)
		sourceID = "upload:" + hex.EncodeToString(sum[:])
	}

	batch, err := a.treasury.Reconciler.UploadStatement(c.Request.Context(), sourceID, bytes.NewReader(data), header.Filename, force)
	if err != nil {
		respondWithError(c, err)
		return
	}
	logrus.WithFields(logrus.Fields{"batch_id": batch.BatchID, "source_id": sourceID, "entries": batch.TotalEntries}).
		Info("statement uploaded")
	c.JSON(http.StatusCreated, batch)
}

func (a Api) RunReconciliation(c *gin.Context) {
	id, ok := requireParam(c, "id")
	if !ok {
		return
	}

	batch, err := a.treasury.Reconciler.RunMatching(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (a Api) GetUnmatchedEntries(c *gin.Context) {
	id, ok := requireParam(c, "id")
	if !ok {
		return
	}

	entries, err := a.treasury.Reconciler.GetUnmatched(c.Request.Context(), id)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if entries == nil {
		entries = []*model.ReconciliationEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// MatchEntry records an operator's match of an entry with a treasury transaction.
func (a Api) MatchEntry(c *gin.Context) {
	id, ok := requireParam(c, "id")
	if !ok {
		return
	}

	var req apimodel.ManualMatch
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := req.ValidateManualMatch(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errors": err.Error()})
		return
	}

	err := a.treasury.Reconciler.MatchEntry(c.Request.Context(), id, req.TransactionID, model.MatchMethodManual, req.MatchConfidence())
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entry_id": id, "transaction_id": req.TransactionID, "match_method": model.MatchMethodManual})
}
