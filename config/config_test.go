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
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndAddDefaults(t *testing.T) {
	cnf := Configuration{Redis: RedisConfig{Dns: "localhost:6379"}}
	err := cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "data source DNS is required" {
		t.Errorf("Expected data source DNS required error, got %v", err)
	}

	cnf = Configuration{DataSource: DataSourceConfig{Dns: "postgres://localhost:5432"}}
	err = cnf.validateAndAddDefaults()
	if err == nil || err.Error() != "redis DNS is required" {
		t.Errorf("Expected redis DNS required error, got %v", err)
	}

	cnf = Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Gateway:    GatewayConfig{BaseURL: " https://bank.example/api/ "},
	}
	require.NoError(t, cnf.validateAndAddDefaults())

	assert.Equal(t, DEFAULT_PORT, cnf.Server.Port)
	assert.Equal(t, "https://bank.example/api", cnf.Gateway.BaseURL)
	assert.Equal(t, uint64(3), cnf.Gateway.MaxRetries)
	assert.Equal(t, uint32(5), cnf.Gateway.BreakerFailureThreshold)
	assert.Equal(t, DefaultCentralPoolID, cnf.Funding.CentralPoolID)
	assert.Equal(t, "BranchFloat", cnf.Funding.PreferredSource)
	assert.Equal(t, 1, cnf.Approval.RequiredLevels)
	assert.Equal(t, 70, cnf.Reconciliation.ConfidenceFloor)
	assert.Equal(t, 72, cnf.Reconciliation.DateWindowHours)
	assert.Equal(t, 0.5, cnf.Reconciliation.MinTextSimilarity)
	assert.Equal(t, 5*time.Minute, cnf.Cache.TTL())
	assert.Equal(t, "disbursements", cnf.Queue.DisbursementQueue)
	assert.Equal(t, "5004", cnf.Queue.MonitoringPort)
	assert.Equal(t, 25, cnf.DataSource.MaxOpenConns)
	assert.Equal(t, 10, cnf.DataSource.MaxIdleConns)
	assert.Equal(t, 30, cnf.DataSource.ConnMaxLifetimeMinutes)
	assert.Equal(t, 10*time.Second, cnf.Audit.Timeout())
	assert.Empty(t, cnf.Server.CertStorage)
	assert.Equal(t, 10800, *cnf.RateLimit.CleanupIntervalSec)
	assert.Nil(t, cnf.RateLimit.RequestsPerSecond)
}

func TestValidateAndAddDefaults_RejectsNegativeAutoApproveLimit(t *testing.T) {
	cnf := Configuration{
		DataSource: DataSourceConfig{Dns: "some-dns"},
		Redis:      RedisConfig{Dns: "localhost:6379"},
		Approval:   ApprovalConfig{AutoApproveLimit: decimal.NewFromInt(-1)},
	}
	assert.Error(t, cnf.validateAndAddDefaults())
}

func TestLoadConfigFromFile(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "treasury.json")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "Temp Project",
		DataSource:  DataSourceConfig{Dns: "temp-dns"},
		Redis:       RedisConfig{Dns: "temp-redis"},
		Approval:    ApprovalConfig{AutoApproveLimit: decimal.NewFromInt(10000), RequiredLevels: 2},
	}
	require.NoError(t, json.NewEncoder(tmpFile).Encode(sampleConfig))
	tmpFile.Close()

	os.Setenv("TREASURY_PROJECT_NAME", "Env Project")
	defer os.Unsetenv("TREASURY_PROJECT_NAME")
	os.Setenv("TREASURY_GATEWAY_MAX_RETRIES", "7")
	defer os.Unsetenv("TREASURY_GATEWAY_MAX_RETRIES")

	require.NoError(t, loadConfigFromFile(tmpFile.Name()))

	loadedConfig, err := Fetch()
	require.NoError(t, err)

	assert.Equal(t, "Env Project", loadedConfig.ProjectName)
	assert.Equal(t, "temp-dns", loadedConfig.DataSource.Dns)
	assert.Equal(t, uint64(7), loadedConfig.Gateway.MaxRetries)
	assert.True(t, loadedConfig.Approval.AutoApproveLimit.Equal(decimal.NewFromInt(10000)))
	assert.Equal(t, 2, loadedConfig.Approval.RequiredLevels)
}

func TestInitConfig(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "treasury.json")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	sampleConfig := Configuration{
		ProjectName: "InitConfig Test",
		DataSource:  DataSourceConfig{Dns: "init-config-dns"},
		Redis:       RedisConfig{Dns: "localhost:6379"},
	}
	require.NoError(t, json.NewEncoder(tmpFile).Encode(sampleConfig))
	tmpFile.Close()

	require.NoError(t, InitConfig(tmpFile.Name()))

	loadedConfig, err := Fetch()
	require.NoError(t, err)
	assert.Equal(t, "InitConfig Test", loadedConfig.ProjectName)
	assert.Equal(t, "init-config-dns", loadedConfig.DataSource.Dns)
}
