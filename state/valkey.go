package state

import (
	"context"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"
)

type ValkeyManager struct {
	client valkey.Client
}

func NewValkeyManager(client valkey.Client) *ValkeyManager {
	return &ValkeyManager{client: client}
}

func (m *ValkeyManager) Get(ctx context.Context, key string) ([]byte, error) {
	response := m.client.Do(ctx, m.client.B().Get().Key(key).Build())
	if err := response.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return response.AsBytes()
}

func (m *ValkeyManager) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return m.client.Do(
			ctx, m.client.B().Set().
				Key(key).
				Value(valkey.BinaryString(value)).
				Build(),
		).Error()
	}
	return m.client.Do(
		ctx, m.client.B().Set().
			Key(key).
			Value(valkey.BinaryString(value)).
			Px(ttl).
			Build(),
	).Error()
}

func (m *ValkeyManager) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	builder := m.client.B().Set().Key(key).Value(valkey.BinaryString(value)).Nx()
	var cmd valkey.Completed
	if ttl > 0 {
		cmd = builder.Px(ttl).Build()
	} else {
		cmd = builder.Build()
	}
	response := m.client.Do(ctx, cmd)
	if err := response.Error(); err != nil {
		// SET NX yields a nil reply when the key already exists.
		if valkey.IsValkeyNil(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (m *ValkeyManager) Delete(ctx context.Context, key string) error {
	return m.client.Do(ctx, m.client.B().Del().Key(key).Build()).Error()
}

func (m *ValkeyManager) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return m.client.Do(
		ctx, m.client.B().Pexpire().Key(key).Milliseconds(ttl.Milliseconds()).Build(),
	).Error()
}

func (m *ValkeyManager) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return m.IncrementBy(ctx, key, 1, ttl)
}

func (m *ValkeyManager) IncrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	// The expiry must attach only on creation so the counter window closes at
	// a fixed instant; a Lua script keeps the increment and the conditional
	// PEXPIRE atomic.
	script := `
		local count = redis.call('INCRBY', KEYS[1], ARGV[1])
		if count == tonumber(ARGV[1]) and tonumber(ARGV[2]) > 0 then
			redis.call('PEXPIRE', KEYS[1], ARGV[2])
		end
		return count
	`

	response := m.client.Do(ctx, m.client.B().Eval().Script(script).Numkeys(1).Key(key).Arg(
		fmt.Sprintf("%d", delta),
		fmt.Sprintf("%d", ttl.Milliseconds()),
	).Build())

	return response.AsInt64()
}

func (m *ValkeyManager) HGet(ctx context.Context, key string, field string) ([]byte, error) {
	response := m.client.Do(ctx, m.client.B().Hget().Key(key).Field(field).Build())
	if err := response.Error(); err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	return response.AsBytes()
}

func (m *ValkeyManager) HSet(ctx context.Context, key string, field string, value []byte) error {
	return m.client.Do(
		ctx, m.client.B().Hset().Key(key).FieldValue().
			FieldValue(field, valkey.BinaryString(value)).
			Build(),
	).Error()
}

func (m *ValkeyManager) HIncrBy(ctx context.Context, key string, field string, delta int64) (int64, error) {
	response := m.client.Do(
		ctx, m.client.B().Hincrby().Key(key).Field(field).Increment(delta).Build(),
	)
	return response.AsInt64()
}
