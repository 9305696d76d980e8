// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/agent-assist/pkg/commons"
	"github.com/rapidaai/agent-assist/pkg/connectors"
)

type redisRegistry struct {
	client *redis.Client
	logger commons.Logger
	opts   options
	now    func() time.Time
}

// NewRedisRegistry creates the redis-backed registry.
func NewRedisRegistry(redisConn connectors.RedisConnector, logger commons.Logger, opts ...Option) Registry {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &redisRegistry{
		client: redisConn.Client(),
		logger: logger,
		opts:   o,
		now:    time.Now,
	}
}

func key(interactionID string) string {
	return KeyPrefix + interactionID
}

func (r *redisRegistry) Register(ctx context.Context, call *Call) error {
	if call.Status == "" {
		call.Status = StatusActive
	}
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal call %s: %w", call.InteractionID, err)
	}
	if err := r.client.Set(ctx, key(call.InteractionID), data, r.opts.callTTL).Err(); err != nil {
		return fmt.Errorf("register call %s: %w", call.InteractionID, err)
	}
	r.logger.Debugw("Registered call", "interaction_id", call.InteractionID, "tenant", call.TenantID)
	return nil
}

func (r *redisRegistry) Touch(ctx context.Context, interactionID string) error {
	call, err := r.Get(ctx, interactionID)
	if err != nil {
		// The record may have expired mid-call; that is a no-op, not an
		// error.
		if errors.Is(err, ErrCallNotFound) {
			return nil
		}
		return err
	}

	call.LastActivityMs = r.now().UnixMilli()
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal call %s: %w", interactionID, err)
	}
	if err := r.client.Set(ctx, key(interactionID), data, r.opts.callTTL).Err(); err != nil {
		return fmt.Errorf("touch call %s: %w", interactionID, err)
	}
	return nil
}

func (r *redisRegistry) End(ctx context.Context, interactionID string) error {
	call, err := r.Get(ctx, interactionID)
	if err != nil {
		if errors.Is(err, ErrCallNotFound) {
			return nil
		}
		return err
	}

	call.Status = StatusEnded
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("marshal call %s: %w", interactionID, err)
	}
	if err := r.client.Set(ctx, key(interactionID), data, r.opts.endedTTL).Err(); err != nil {
		return fmt.Errorf("end call %s: %w", interactionID, err)
	}
	r.logger.Debugw("Ended call", "interaction_id", interactionID)
	return nil
}

func (r *redisRegistry) Get(ctx context.Context, interactionID string) (*Call, error) {
	data, err := r.client.Get(ctx, key(interactionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCallNotFound
		}
		return nil, fmt.Errorf("get call %s: %w", interactionID, err)
	}
	var call Call
	if err := json.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("decode call %s: %w", interactionID, err)
	}
	return &call, nil
}

func (r *redisRegistry) ListActive(ctx context.Context, limit int) ([]*Call, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, KeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan calls: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget calls: %w", err)
	}

	calls := make([]*Call, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var call Call
		if err := json.Unmarshal([]byte(s), &call); err != nil {
			r.logger.Warnw("Skipping undecodable call record", "error", err.Error())
			continue
		}
		if call.IsActive() {
			calls = append(calls, &call)
		}
	}

	sort.Slice(calls, func(i, j int) bool {
		return calls[i].LastActivityMs > calls[j].LastActivityMs
	})
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}
