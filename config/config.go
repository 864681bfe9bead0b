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

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5005"

	DefaultCentralPoolID = "CENTRAL_POOL"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL         bool   `json:"ssl" envconfig:"TREASURY_SERVER_SSL"`
	Secure      bool   `json:"secure" envconfig:"TREASURY_SERVER_SECURE"`
	SecretKey   string `json:"secret_key" envconfig:"TREASURY_SERVER_SECRET_KEY"`
	Domain      string `json:"domain" envconfig:"TREASURY_SERVER_DOMAIN"`
	Email       string `json:"email" envconfig:"TREASURY_SERVER_EMAIL"`
	CertStorage string `json:"cert_storage" envconfig:"TREASURY_SERVER_CERT_STORAGE"`
	Port        string `json:"port" envconfig:"TREASURY_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns                    string `json:"dns" envconfig:"TREASURY_DATA_SOURCE_DNS"`
	MaxOpenConns           int    `json:"max_open_conns" envconfig:"TREASURY_DATA_SOURCE_MAX_OPEN_CONNS"`
	MaxIdleConns           int    `json:"max_idle_conns" envconfig:"TREASURY_DATA_SOURCE_MAX_IDLE_CONNS"`
	ConnMaxLifetimeMinutes int    `json:"conn_max_lifetime_minutes" envconfig:"TREASURY_DATA_SOURCE_CONN_MAX_LIFETIME_MINUTES"`
}

func (d *DataSourceConfig) setDefaults() {
	if d.MaxOpenConns <= 0 {
		d.MaxOpenConns = 25
	}
	if d.MaxIdleConns <= 0 {
		d.MaxIdleConns = 10
	}
	if d.MaxIdleConns > d.MaxOpenConns {
		d.MaxIdleConns = d.MaxOpenConns
	}
	if d.ConnMaxLifetimeMinutes <= 0 {
		d.ConnMaxLifetimeMinutes = 30
	}
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"TREASURY_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"TREASURY_REDIS_SKIP_TLS_VERIFY"`
}

type QueueConfig struct {
	DisbursementQueue string `json:"disbursement_queue" envconfig:"TREASURY_QUEUE_DISBURSEMENT"`
	StatusPollQueue   string `json:"status_poll_queue" envconfig:"TREASURY_QUEUE_STATUS_POLL"`
	AuditQueue        string `json:"audit_queue" envconfig:"TREASURY_QUEUE_AUDIT"`
	Concurrency       int    `json:"concurrency" envconfig:"TREASURY_QUEUE_CONCURRENCY"`
	MaxRetry          int    `json:"max_retry" envconfig:"TREASURY_QUEUE_MAX_RETRY"`
	MonitoringPort    string `json:"monitoring_port" envconfig:"TREASURY_QUEUE_MONITORING_PORT"`
}

type CacheConfig struct {
	TTLMinutes int `json:"ttl_minutes" envconfig:"TREASURY_CACHE_TTL_MINUTES"`
}

// TTL returns the configured cache TTL as a duration.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

type GatewayConfig struct {
	BaseURL                 string `json:"base_url" envconfig:"TREASURY_GATEWAY_BASE_URL"`
	APIKey                  string `json:"api_key" envconfig:"TREASURY_GATEWAY_API_KEY"`
	TimeoutSeconds          int    `json:"timeout_seconds" envconfig:"TREASURY_GATEWAY_TIMEOUT_SECONDS"`
	MaxRetries              uint64 `json:"max_retries" envconfig:"TREASURY_GATEWAY_MAX_RETRIES"`
	InitialIntervalMs       int    `json:"initial_interval_ms" envconfig:"TREASURY_GATEWAY_INITIAL_INTERVAL_MS"`
	MaxIntervalMs           int    `json:"max_interval_ms" envconfig:"TREASURY_GATEWAY_MAX_INTERVAL_MS"`
	BreakerFailureThreshold uint32 `json:"breaker_failure_threshold" envconfig:"TREASURY_GATEWAY_BREAKER_FAILURE_THRESHOLD"`
	BreakerCooldownSeconds  int    `json:"breaker_cooldown_seconds" envconfig:"TREASURY_GATEWAY_BREAKER_COOLDOWN_SECONDS"`
	BreakerHalfOpenRequests uint32 `json:"breaker_half_open_requests" envconfig:"TREASURY_GATEWAY_BREAKER_HALF_OPEN_REQUESTS"`
}

type FundingConfig struct {
	CentralPoolID   string `json:"central_pool_id" envconfig:"TREASURY_FUNDING_CENTRAL_POOL_ID"`
	DefaultBranchID string `json:"default_branch_id" envconfig:"TREASURY_FUNDING_DEFAULT_BRANCH_ID"`
	PreferredSource string `json:"preferred_source" envconfig:"TREASURY_FUNDING_PREFERRED_SOURCE"`
}

type ApprovalConfig struct {
	// Requests at or below this amount skip human approval. Zero disables auto approval.
	AutoApproveLimit decimal.Decimal `json:"auto_approve_limit" envconfig:"TREASURY_APPROVAL_AUTO_APPROVE_LIMIT"`
	RequiredLevels   int             `json:"required_levels" envconfig:"TREASURY_APPROVAL_REQUIRED_LEVELS"`
}

type StatusPollConfig struct {
	IntervalSeconds int `json:"interval_seconds" envconfig:"TREASURY_STATUS_POLL_INTERVAL_SECONDS"`
	MaxAttempts     int `json:"max_attempts" envconfig:"TREASURY_STATUS_POLL_MAX_ATTEMPTS"`
}

type ReconciliationConfig struct {
	AmountTolerancePercent float64 `json:"amount_tolerance_percent" envconfig:"TREASURY_RECONCILIATION_AMOUNT_TOLERANCE_PERCENT"`
	DateWindowHours        int     `json:"date_window_hours" envconfig:"TREASURY_RECONCILIATION_DATE_WINDOW_HOURS"`
	ConfidenceFloor        int     `json:"confidence_floor" envconfig:"TREASURY_RECONCILIATION_CONFIDENCE_FLOOR"`
	AmountWeight           float64 `json:"amount_weight"`
	DateWeight             float64 `json:"date_weight"`
	DescriptionWeight      float64 `json:"description_weight"`
	MinTextSimilarity      float64 `json:"min_text_similarity" envconfig:"TREASURY_RECONCILIATION_MIN_TEXT_SIMILARITY"`
	LockTimeoutSeconds     int     `json:"lock_timeout_seconds"`
}

type AuditConfig struct {
	SinkURL        string            `json:"sink_url" envconfig:"TREASURY_AUDIT_SINK_URL"`
	Headers        map[string]string `json:"headers"`
	TimeoutSeconds int               `json:"timeout_seconds" envconfig:"TREASURY_AUDIT_TIMEOUT_SECONDS"`
}

// Timeout bounds a single delivery to the sink.
func (a AuditConfig) Timeout() time.Duration {
	if a.TimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.TimeoutSeconds) * time.Second
}

type StatementsConfig struct {
	Bucket             string `json:"bucket" envconfig:"TREASURY_STATEMENTS_BUCKET"`
	Region             string `json:"region" envconfig:"TREASURY_STATEMENTS_REGION"`
	Endpoint           string `json:"endpoint" envconfig:"TREASURY_STATEMENTS_ENDPOINT"`
	AwsAccessKeyId     string `json:"aws_access_key_id" envconfig:"TREASURY_STATEMENTS_AWS_ACCESS_KEY_ID"`
	AwsSecretAccessKey string `json:"aws_secret_access_key" envconfig:"TREASURY_STATEMENTS_AWS_SECRET_ACCESS_KEY"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"TREASURY_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"TREASURY_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"TREASURY_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"TREASURY_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName     string               `json:"project_name" envconfig:"TREASURY_PROJECT_NAME"`
	EnableTelemetry bool                 `json:"enable_telemetry" envconfig:"TREASURY_ENABLE_TELEMETRY"`
	Server          ServerConfig         `json:"server"`
	DataSource      DataSourceConfig     `json:"data_source"`
	Redis           RedisConfig          `json:"redis"`
	Queue           QueueConfig          `json:"queue"`
	Cache           CacheConfig          `json:"cache"`
	Gateway         GatewayConfig        `json:"gateway"`
	Funding         FundingConfig        `json:"funding"`
	Approval        ApprovalConfig       `json:"approval"`
	StatusPoll      StatusPollConfig     `json:"status_poll"`
	Reconciliation  ReconciliationConfig `json:"reconciliation"`
	Audit           AuditConfig          `json:"audit"`
	Statements      StatementsConfig     `json:"statements"`
	Notification    Notification         `json:"notification"`
	RateLimit       RateLimitConfig      `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("treasury", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called treasury.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		cnf.ProjectName = "Treasury Engine"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Gateway.BaseURL = strings.TrimRight(strings.TrimSpace(cnf.Gateway.BaseURL), "/")

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}
	if cnf.Server.SSL && cnf.Server.CertStorage == "" {
		cnf.Server.CertStorage = "./certmagic"
	}

	cnf.DataSource.setDefaults()
	cnf.Queue.setDefaults()
	cnf.Gateway.setDefaults()
	cnf.StatusPoll.setDefaults()
	cnf.Reconciliation.setDefaults()

	if cnf.Cache.TTLMinutes <= 0 {
		cnf.Cache.TTLMinutes = 5
	}
	if cnf.Funding.CentralPoolID == "" {
		cnf.Funding.CentralPoolID = DefaultCentralPoolID
	}
	if cnf.Funding.PreferredSource == "" {
		cnf.Funding.PreferredSource = "BranchFloat"
	}
	if cnf.Approval.RequiredLevels <= 0 {
		cnf.Approval.RequiredLevels = 1
	}
	if cnf.Approval.AutoApproveLimit.IsNegative() {
		return errors.New("approval auto approve limit cannot be negative")
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (q *QueueConfig) setDefaults() {
	if q.DisbursementQueue == "" {
		q.DisbursementQueue = "disbursements"
	}
	if q.StatusPollQueue == "" {
		q.StatusPollQueue = "status_polls"
	}
	if q.AuditQueue == "" {
		q.AuditQueue = "audit"
	}
	if q.Concurrency <= 0 {
		q.Concurrency = 10
	}
	if q.MaxRetry <= 0 {
		q.MaxRetry = 5
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5004"
	}
}

func (g *GatewayConfig) setDefaults() {
	if g.TimeoutSeconds <= 0 {
		g.TimeoutSeconds = 30
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 3
	}
	if g.InitialIntervalMs <= 0 {
		g.InitialIntervalMs = 500
	}
	if g.MaxIntervalMs <= 0 {
		g.MaxIntervalMs = 5000
	}
	if g.BreakerFailureThreshold == 0 {
		g.BreakerFailureThreshold = 5
	}
	if g.BreakerCooldownSeconds <= 0 {
		g.BreakerCooldownSeconds = 30
	}
	if g.BreakerHalfOpenRequests == 0 {
		g.BreakerHalfOpenRequests = 1
	}
}

func (s *StatusPollConfig) setDefaults() {
	if s.IntervalSeconds <= 0 {
		s.IntervalSeconds = 60
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 10
	}
}

func (r *ReconciliationConfig) setDefaults() {
	if r.AmountTolerancePercent <= 0 {
		r.AmountTolerancePercent = 1
	}
	if r.DateWindowHours <= 0 {
		r.DateWindowHours = 72
	}
	if r.ConfidenceFloor <= 0 {
		r.ConfidenceFloor = 70
	}
	if r.AmountWeight <= 0 && r.DateWeight <= 0 && r.DescriptionWeight <= 0 {
		r.AmountWeight, r.DateWeight, r.DescriptionWeight = 50, 20, 30
	}
	if r.MinTextSimilarity <= 0 {
		r.MinTextSimilarity = 0.5
	}
	if r.LockTimeoutSeconds <= 0 {
		r.LockTimeoutSeconds = 300
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
