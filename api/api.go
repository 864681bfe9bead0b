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
	"context"
	"errors"
	"net/http"

	"github.com/blnkfinance/treasury"
	"github.com/blnkfinance/treasury/api/middleware"
	"github.com/blnkfinance/treasury/config"
	"github.com/blnkfinance/treasury/internal/apierror"
	redlock "github.com/blnkfinance/treasury/internal/lock"
	"github.com/blnkfinance/treasury/model"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const serviceName = "TREASURY"

// DisbursementQueue accepts disbursement requests for asynchronous processing. *treasury.Queue
// implements it.
type DisbursementQueue interface {
	EnqueueDisbursementRequested(ctx context.Context, evt model.LoanDisbursementRequested) error
}

type Api struct {
	treasury *treasury.Treasury
	queue    DisbursementQueue
	router   *gin.Engine
}

func (a Api) Router() *gin.Engine {
	router := a.router
	router.POST("/disbursements", a.RequestDisbursement)
	router.GET("/disbursements/:id", a.GetDisbursement)
	router.POST("/disbursements/:id/approvals", a.RecordApproval)

	router.POST("/branch-floats", a.CreateBranchFloat)
	router.GET("/branch-floats/:id", a.GetBranchFloat)
	router.POST("/branch-floats/:id/replenishments", a.ReplenishBranchFloat)
	router.GET("/branch-floats/:id/verify", a.VerifyBranchFloat)

	router.GET("/transactions/:id", a.GetTransaction)

	router.POST("/reconciliation/batches", a.UploadStatement)
	router.POST("/reconciliation/batches/:id/run", a.RunReconciliation)
	router.GET("/reconciliation/batches/:id/unmatched", a.GetUnmatchedEntries)
	router.POST("/reconciliation/entries/:id/match", a.MatchEntry)
	return a.router
}

// NewAPI builds the HTTP surface over t. With a nil queue, disbursement requests are
// processed inline instead of being queued.
func NewAPI(t *treasury.Treasury, queue DisbursementQueue) *Api {
	gin.SetMode(gin.ReleaseMode)
	conf, err := config.Fetch()
	if err != nil {
		return nil
	}
	r := gin.Default()
	r.Use(otelgin.Middleware(serviceName))
	r.Use(middleware.CorrelationID())
	r.Use(middleware.RateLimitMiddleware(conf))
	if conf.Server.Secure {
		r.Use(middleware.SecretKeyAuthMiddleware(conf.Server.SecretKey))
	}

	r.GET("/", func(c *gin.Context) {
		c.JSON(200, "server running...")
	})

	return &Api{treasury: t, queue: queue, router: r}
}

func respondWithError(c *gin.Context, err error) {
	status := apierror.MapErrorToHTTPStatus(err)
	if errors.Is(err, redlock.ErrLockHeld) {
		status = http.StatusConflict
	}
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func requireParam(c *gin.Context, name string) (string, bool) {
	value, passed := c.Params.Get(name)
	if !passed || value == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " is required. pass " + name + " in the route /:" + name})
		return "", false
	}
	return value, true
}
