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

package middleware

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/blnkfinance/treasury/config"
	"github.com/blnkfinance/treasury/model"
	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	// SecretKeyHeader carries the shared server secret when server.secure is set.
	SecretKeyHeader = "X-Treasury-Key"
	// CorrelationIDHeader links a request to the logs and audit events it produces.
	CorrelationIDHeader = "X-Correlation-ID"

	correlationIDKey = "correlation_id"
)

// CorrelationID takes the caller's X-Correlation-ID, or mints one, and echoes it on the response.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationIDHeader)
		if id == "" {
			id = model.GenerateUUIDWithSuffix("corr")
		}
		c.Set(correlationIDKey, id)
		c.Header(CorrelationIDHeader, id)
		c.Next()
	}
}

// GetCorrelationID returns the id set by CorrelationID, or "" outside that middleware.
func GetCorrelationID(c *gin.Context) string {
	return c.GetString(correlationIDKey)
}

func newLimiter(cnf config.RateLimitConfig) *limiter.Limiter {
	if cnf.RequestsPerSecond == nil || cnf.Burst == nil {
		return nil
	}
	ttl := time.Hour
	if cnf.CleanupIntervalSec != nil {
		ttl = time.Duration(*cnf.CleanupIntervalSec) * time.Second
	}

	lmt := tollbooth.NewLimiter(*cnf.RequestsPerSecond, &limiter.ExpirableOptions{DefaultExpirationTTL: ttl})
	lmt.SetBurst(*cnf.Burst)
	lmt.SetMessageContentType("application/json; charset=utf-8")
	return lmt
}

// RateLimitMiddleware limits requests per client IP with tollbooth. It is a no-op unless both
// rate_limit.requests_per_second and rate_limit.burst are configured.
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	lmt := newLimiter(conf.RateLimit)
	if lmt == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		if httpError := tollbooth.LimitByRequest(lmt, c.Writer, c.Request); httpError != nil {
			logrus.WithFields(logrus.Fields{
				"client_ip": c.ClientIP(),
				"path":      c.FullPath(),
			}).Warn("request throttled")
			c.AbortWithStatusJSON(httpError.StatusCode, gin.H{"error": httpError.Message})
			return
		}
		c.Next()
	}
}

// SecretKeyAuthMiddleware rejects requests whose SecretKeyHeader does not match secretKey.
// An empty secretKey fails every request closed.
func SecretKeyAuthMiddleware(secretKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secretKey == "" {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Secret key is not configured"})
			return
		}

		clientSecret := c.GetHeader(SecretKeyHeader)
		if clientSecret == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing secret key"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(secretKey), []byte(clientSecret)) != 1 {
			logrus.WithFields(logrus.Fields{
				"client_ip": c.ClientIP(),
				"path":      c.FullPath(),
			}).Warn("rejected request with invalid secret key")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid secret key"})
			return
		}

		c.Next()
	}
}
