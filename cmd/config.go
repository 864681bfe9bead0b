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
	"encoding/json"
	"fmt"
	"log"
	"net/url"

	"github.com/blnkfinance/treasury/config"
	"github.com/spf13/cobra"
)

const redacted = "********"

// redactSecrets returns a copy of cfg that is safe to print.
func redactSecrets(cfg config.Configuration) config.Configuration {
	for _, secret := range []*string{
		&cfg.Server.SecretKey,
		&cfg.Gateway.APIKey,
		&cfg.Statements.AwsAccessKeyId,
		&cfg.Statements.AwsSecretAccessKey,
		&cfg.Notification.Slack.WebhookUrl,
	} {
		if *secret != "" {
			*secret = redacted
		}
	}
	cfg.DataSource.Dns = redactURL(cfg.DataSource.Dns)
	cfg.Redis.Dns = redactURL(cfg.Redis.Dns)
	if len(cfg.Audit.Headers) > 0 {
		headers := make(map[string]string, len(cfg.Audit.Headers))
		for k := range cfg.Audit.Headers {
			headers[k] = redacted
		}
		cfg.Audit.Headers = headers
	}
	return cfg
}

// redactURL hides the password of a connection URL. Values that do not parse are kept.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	return u.Redacted()
}

func configCommands(_ *treasuryInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "config outputs your instance's computed configuration with secrets redacted",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Fetch()
			if err != nil {
				log.Fatalf("Error getting config: %v\n", err)
			}

			data, err := json.MarshalIndent(redactSecrets(*cfg), "", "    ")
			if err != nil {
				log.Fatalf("Error printing config: %v\n", err)
			}

			fmt.Println(string(data))
		},
	}
	return cmd
}
