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

package redis_db

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// Redis holds the shared client used by the idempotency guard, the float cache and the
// batch locks.
type Redis struct {
	addresses []string
	client    redis.UniversalClient
}

// ParseRedisURL turns a configured address into client options. Bare "host:port" values
// are used as-is; anything else goes through redis.ParseURL. A password-only userinfo
// ("redis://secret@host:6379") is normalised first.
func ParseRedisURL(rawURL string, skipTLSVerify bool) (*redis.Options, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	if !strings.Contains(rawURL, "//") && !strings.Contains(rawURL, "@") {
		return &redis.Options{Addr: rawURL}, nil
	}

	if strings.HasPrefix(rawURL, "redis://") || strings.HasPrefix(rawURL, "rediss://") {
		scheme, rest, _ := strings.Cut(rawURL, "://")
		if userinfo, host, ok := strings.Cut(rest, "@"); ok && !strings.Contains(userinfo, ":") {
			rawURL = fmt.Sprintf("%s://:%s@%s", scheme, userinfo, host)
		}
	}

	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	if opts.TLSConfig != nil && skipTLSVerify {
		opts.TLSConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	return opts, nil
}

// NewRedisClient connects to one instance or, when dns holds a comma separated list, a cluster.
func NewRedisClient(dns string, skipTLSVerify bool) (*Redis, error) {
	addresses := splitAddresses(dns)
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}

	var client redis.UniversalClient
	if len(addresses) == 1 {
		opts, err := ParseRedisURL(addresses[0], skipTLSVerify)
		if err != nil {
			return nil, err
		}
		client = redis.NewClient(opts)
	} else {
		var clusterAddrs []string
		var password string
		var tlsConfig *tls.Config
		for _, addr := range addresses {
			opts, err := ParseRedisURL(addr, skipTLSVerify)
			if err != nil {
				return nil, err
			}
			clusterAddrs = append(clusterAddrs, opts.Addr)
			if password == "" {
				password = opts.Password
			}
			if opts.TLSConfig != nil && tlsConfig == nil {
				tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: skipTLSVerify} //nolint:gosec
			}
		}
		client = redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:     clusterAddrs,
			Password:  password,
			TLSConfig: tlsConfig,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{addresses: addresses, client: client}, nil
}

// AsynqConnOpt builds the asynq connection options for the same redis deployment.
func AsynqConnOpt(dns string, skipTLSVerify bool) (asynq.RedisConnOpt, error) {
	addresses := splitAddresses(dns)
	if len(addresses) == 0 {
		return nil, errors.New("redis addresses list cannot be empty")
	}
	opts, err := ParseRedisURL(addresses[0], skipTLSVerify)
	if err != nil {
		return nil, err
	}
	if len(addresses) > 1 {
		var addrs []string
		for _, a := range addresses {
			o, err := ParseRedisURL(a, skipTLSVerify)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, o.Addr)
		}
		return asynq.RedisClusterClientOpt{Addrs: addrs, Password: opts.Password, TLSConfig: opts.TLSConfig}, nil
	}
	return asynq.RedisClientOpt{
		Addr:      opts.Addr,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}, nil
}

func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

func splitAddresses(dns string) []string {
	var out []string
	for _, a := range strings.Split(dns, ",") {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}
