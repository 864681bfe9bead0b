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
	"log"

	"github.com/blnkfinance/treasury/internal/statements"
	"github.com/spf13/cobra"
)

func reconcileCommands(t *treasuryInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "ingest bank statements and run reconciliation",
	}
	cmd.AddCommand(reconcileIngestS3Command(t))
	cmd.AddCommand(reconcileRunCommand(t))
	return cmd
}

// reconcileIngestS3Command ingests a statement object from the configured bucket and, with
// --run, matches it straight away.
func reconcileIngestS3Command(t *treasuryInstance) *cobra.Command {
	var force, run bool
	cmd := &cobra.Command{
		Use:   "ingest-s3 <key>",
		Short: "ingest a bank statement stored in S3",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			source, err := statements.NewS3SourceFromConfig(t.cnf.Statements)
			if err != nil {
				log.Fatalf("Error configuring statement source: %v\n", err)
			}

			batch, err := t.treasury.Reconciler.IngestStatementObject(ctx, source, args[0], force)
			if err != nil {
				log.Fatalf("Error ingesting %s: %v\n", args[0], err)
			}
			if run {
				if batch, err = t.treasury.Reconciler.RunMatching(ctx, batch.BatchID); err != nil {
					log.Fatalf("Error matching batch: %v\n", err)
				}
			}
			printJSON(batch)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "supersede an earlier batch of the same object")
	cmd.Flags().BoolVar(&run, "run", false, "run matching after ingestion")
	return cmd
}

func reconcileRunCommand(t *treasuryInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "run <batch_id>",
		Short: "match an ingested batch against open treasury transactions",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			batch, err := t.treasury.Reconciler.RunMatching(context.Background(), args[0])
			if err != nil {
				log.Fatalf("Error matching batch %s: %v\n", args[0], err)
			}
			printJSON(batch)
		},
	}
}
