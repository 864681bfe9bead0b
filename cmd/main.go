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

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/blnkfinance/treasury"
	"github.com/blnkfinance/treasury/config"
	"github.com/blnkfinance/treasury/database"
	"github.com/blnkfinance/treasury/internal/gateway"
	"github.com/blnkfinance/treasury/internal/notification"
	redis_db "github.com/blnkfinance/treasury/internal/redis-db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.elastic.co/apm/module/apmlogrus/v2"
)

// Treasury represents the CLI application, encapsulating the root Cobra command.
type Treasury struct {
	cmd *cobra.Command
}

// treasuryInstance holds the engine and the collaborators every command shares.
type treasuryInstance struct {
	treasury *treasury.Treasury
	queue    *treasury.Queue
	cnf      *config.Configuration
}

func init() {
	logrus.AddHook(&apmlogrus.Hook{})
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration file and builds the engine before any command runs.
func preRun(app *treasuryInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newTreasury, queue, err := setupTreasury(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.treasury = newTreasury
		app.queue = queue
		app.cnf = cnf
		return nil
	}
}

// setupTreasury connects the data source, redis, the queue and the bank gateway, and wires
// the engine around them. The queue doubles as the audit publisher and the status poll
// scheduler.
func setupTreasury(cfg *config.Configuration) (*treasury.Treasury, *treasury.Queue, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("error getting datasource: %v", err)
	}

	redisClient, err := redis_db.NewRedisClient(cfg.Redis.Dns, cfg.Redis.SkipTLSVerify)
	if err != nil {
		return nil, nil, fmt.Errorf("error connecting to redis: %v", err)
	}

	queue, err := treasury.NewQueue(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("error creating queue: %v", err)
	}

	gw := gateway.NewClient(gateway.ConfigFrom(cfg.Gateway), nil)
	newTreasury, err := treasury.NewTreasury(db, gw, treasury.Options{
		Redis:     redisClient.Client(),
		Publisher: queue,
		Scheduler: queue,
		Config:    cfg,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("error creating treasury: %v", err)
	}
	return newTreasury, queue, nil
}

// NewCLI creates the command-line interface with the server, worker, migration and
// operator subcommands.
func NewCLI() *Treasury {
	var configFile string
	t := &treasuryInstance{}

	var rootCmd = &cobra.Command{
		Use:   "treasury",
		Short: "Loan disbursement and treasury reconciliation engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./treasury.json", "Configuration file for the treasury engine")
	rootCmd.PersistentPreRunE = preRun(t, &configFile)

	rootCmd.AddCommand(serverCommands(t))
	rootCmd.AddCommand(workerCommands(t))
	rootCmd.AddCommand(migrateCommands(t))
	rootCmd.AddCommand(floatCommands(t))
	rootCmd.AddCommand(reconcileCommands(t))
	rootCmd.AddCommand(configCommands(t))

	return &Treasury{cmd: rootCmd}
}

func (w Treasury) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
