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
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/blnkfinance/treasury"
	"github.com/blnkfinance/treasury/config"
	redis_db "github.com/blnkfinance/treasury/internal/redis-db"
	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, asynq.RedisConnOpt, error) {
	redisOption, err := redis_db.AsynqConnOpt(conf.Redis.Dns, conf.Redis.SkipTLSVerify)
	if err != nil {
		return nil, nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	srv := asynq.NewServer(redisOption, asynq.Config{
		Concurrency: conf.Queue.Concurrency,
		Queues:      queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			logrus.WithError(err).WithFields(logrus.Fields{
				"task":      task.Type(),
				"retried":   retried,
				"max_retry": maxRetry,
			}).Error("task failed")
		}),
	})
	return srv, redisOption, nil
}

// workerCommands defines the "workers" command. The workers consume disbursement requests,
// run scheduled status polls and forward audit events to the sink.
func workerCommands(t *treasuryInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start treasury workers",
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			conf := t.cnf

			shutdown, err := initializeTracing(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Printf("Error during shutdown: %v", err)
				}
			}()

			srv, redisOption, err := initializeWorkerServer(conf, treasury.WorkerQueues(conf.Queue))
			if err != nil {
				log.Fatal(err)
			}

			mux := asynq.NewServeMux()
			treasury.NewWorker(t.treasury, &http.Client{Timeout: conf.Audit.Timeout()}).RegisterHandlers(mux)

			h := asynqmon.New(asynqmon.Options{
				RootPath:     "/monitoring",
				RedisConnOpt: redisOption,
			})
			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
