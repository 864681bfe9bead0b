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
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

func printJSON(v interface{}) {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		log.Fatalf("Error printing result: %v\n", err)
	}
	fmt.Println(string(data))
}

func floatCommands(t *treasuryInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "floats",
		Short: "inspect and fund branch floats",
	}
	cmd.AddCommand(floatVerifyCommand(t))
	cmd.AddCommand(floatReplenishCommand(t))
	return cmd
}

// floatVerifyCommand replays a branch float's history and exits non-zero when it does not
// add up to the stored balance.
func floatVerifyCommand(t *treasuryInstance) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <branch_id>",
		Short: "replay a branch float's history against its balance",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			replay, err := t.treasury.Floats.VerifyFloatHistory(context.Background(), args[0])
			if err != nil {
				log.Fatalf("Error verifying float %s: %v\n", args[0], err)
			}
			printJSON(replay)
			if !replay.Consistent {
				os.Exit(2)
			}
		},
	}
}

func floatReplenishCommand(t *treasuryInstance) *cobra.Command {
	var reference, actor string
	cmd := &cobra.Command{
		Use:   "replenish <branch_id> <amount>",
		Short: "credit a branch float from the central account",
		Args:  cobra.ExactArgs(2),
		Run: func(cmd *cobra.Command, args []string) {
			amount, err := decimal.NewFromString(args[1])
			if err != nil {
				log.Fatalf("Invalid amount %q: %v\n", args[1], err)
			}
			float, err := t.treasury.Floats.Replenish(context.Background(), args[0], amount, reference, actor)
			if err != nil {
				log.Fatalf("Error replenishing float %s: %v\n", args[0], err)
			}
			printJSON(float)
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "funding reference as it will appear on the bank statement")
	cmd.Flags().StringVar(&actor, "actor", "cli", "who is replenishing the float")
	return cmd
}
