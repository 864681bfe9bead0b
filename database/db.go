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

package database

import (
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/blnkfinance/treasury/config"
	"github.com/blnkfinance/treasury/database/memory"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// MemoryDSNPrefix selects the in-process store. It keeps nothing across restarts.
const MemoryDSNPrefix = "memory://"

var instance *Datasource
var once sync.Once

type Datasource struct {
	Conn *sql.DB
}

func NewDataSource(configuration *config.Configuration) (IDataSource, error) {
	if strings.HasPrefix(configuration.DataSource.Dns, MemoryDSNPrefix) {
		logrus.Warn("using in-memory data source, state will not survive a restart")
		return memory.New(), nil
	}
	con, err := GetDBConnection(configuration)
	if err != nil {
		return nil, err
	}
	return con, nil
}

// GetDBConnection returns the process-wide datasource, connecting on first use.
func GetDBConnection(configuration *config.Configuration) (*Datasource, error) {
	var err error
	once.Do(func() {
		con, errConn := ConnectDB(configuration.DataSource)
		if errConn != nil {
			err = errConn
			return
		}
		instance = &Datasource{Conn: con}
	})
	if err != nil {
		return nil, err
	}
	if instance == nil {
		return nil, errors.New("database connection was not initialised")
	}
	return instance, nil
}

// ConnectDB opens the Postgres pool sized by cnf and checks it with a ping.
func ConnectDB(cnf config.DataSourceConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cnf.Dns)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cnf.MaxOpenConns)
	db.SetMaxIdleConns(cnf.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cnf.ConnMaxLifetimeMinutes) * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err = db.Ping(); err != nil {
		logrus.Errorf("database connection error ❌: %v", err)
		return nil, err
	}
	logrus.Info("database connection established ✅")
	return db, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
