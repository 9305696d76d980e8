// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package connectors

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/agent-assist/pkg/commons"
)

// RedisConnector owns the shared redis client used by the bus and the
// call registry. It is injected, never global, so tests can substitute
// redismock or skip redis entirely via the in-memory adapters.
type RedisConnector interface {
	Client() *redis.Client
	Ping(ctx context.Context) error
	Close() error
}

type redisConnector struct {
	client *redis.Client
	logger commons.Logger
}

// NewRedisConnector parses url (redis://host:port/db) and connects.
func NewRedisConnector(url string, logger commons.Logger) (RedisConnector, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return &redisConnector{client: client, logger: logger}, nil
}

// NewRedisConnectorWithClient wraps an existing client (redismock in tests).
func NewRedisConnectorWithClient(client *redis.Client, logger commons.Logger) RedisConnector {
	return &redisConnector{client: client, logger: logger}
}

func (rc *redisConnector) Client() *redis.Client {
	return rc.client
}

func (rc *redisConnector) Ping(ctx context.Context) error {
	if err := rc.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func (rc *redisConnector) Close() error {
	rc.logger.Debugf("closing redis connector")
	return rc.client.Close()
}
