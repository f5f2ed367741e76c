package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/ailightning/ailightning/pkg/nodeapi"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	fieldID            = "id"
	fieldOwnerID       = "owner_id"
	fieldAddress       = "address"
	fieldCapabilities  = "capabilities"
	fieldStatus        = "status"
	fieldLoad          = "load"
	fieldLastHeartbeat = "last_heartbeat"
	fieldPayoutAddress = "payout_address"
	fieldTotalEarned   = "total_earned"
	fieldRegisteredAt  = "registered_at"
	fieldControlToken  = "control_token"
)

// touchScript refuses to resurrect a node record that was unregistered.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'last_heartbeat', ARGV[2])
return 1
`)

var setStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[1])
return 1
`)

// incrScript increments a counter field of an existing node, flooring at zero.
var incrScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return false end
local v = redis.call('HINCRBY', KEYS[1], ARGV[1], ARGV[2])
if v < 0 then
  redis.call('HSET', KEYS[1], ARGV[1], 0)
  v = 0
end
return v
`)

// ConnectRedis creates a client and verifies the connection
func ConnectRedis(ctx context.Context, opts *redis.Options) (*redis.Client, error) {
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisNodeStore implements NodeStore as one hash per node plus a set of ids
type RedisNodeStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisNodeStore creates a registry store on an existing client
func NewRedisNodeStore(client *redis.Client, prefix string, logger *zap.Logger) *RedisNodeStore {
	return &RedisNodeStore{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (s *RedisNodeStore) nodeKey(nodeID string) string {
	return s.prefix + ":node:" + nodeID
}

func (s *RedisNodeStore) setKey() string {
	return s.prefix + ":nodes"
}

// PutNode writes the full node record and adds its id to the known set
func (s *RedisNodeStore) PutNode(ctx context.Context, node *model.Node) error {
	caps, err := json.Marshal(node.Capabilities)
	if err != nil {
		return fmt.Errorf("failed to marshal capabilities: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.nodeKey(node.ID), map[string]interface{}{
			fieldID:            node.ID,
			fieldOwnerID:       node.OwnerID,
			fieldAddress:       node.Address,
			fieldCapabilities:  string(caps),
			fieldStatus:        string(node.Status),
			fieldLoad:          node.Load,
			fieldLastHeartbeat: node.LastHeartbeat.UnixMilli(),
			fieldPayoutAddress: node.PayoutAddress,
			fieldTotalEarned:   node.TotalEarned,
			fieldRegisteredAt:  node.RegisteredAt.UnixMilli(),
			fieldControlToken:  node.ControlToken,
		})
		pipe.SAdd(ctx, s.setKey(), node.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write node %s: %w", node.ID, err)
	}
	return nil
}

// GetNode reads a node record
func (s *RedisNodeStore) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	fields, err := s.client.HGetAll(ctx, s.nodeKey(nodeID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read node %s: %w", nodeID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return decodeNode(fields)
}

// ListNodeIDs enumerates the set of known node ids
func (s *RedisNodeStore) ListNodeIDs(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.setKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return ids, nil
}

// DeleteNode removes the record and its id from the known set
func (s *RedisNodeStore) DeleteNode(ctx context.Context, nodeID string) error {
	var removed *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.nodeKey(nodeID))
		removed = pipe.SRem(ctx, s.setKey(), nodeID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete node %s: %w", nodeID, err)
	}
	if removed.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// Touch records a heartbeat
func (s *RedisNodeStore) Touch(ctx context.Context, nodeID string, at time.Time) error {
	ok, err := touchScript.Run(ctx, s.client, []string{s.nodeKey(nodeID)},
		string(model.NodeOnline), at.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("failed to touch node %s: %w", nodeID, err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// SetStatus updates the stored status flag
func (s *RedisNodeStore) SetStatus(ctx context.Context, nodeID string, status model.NodeStatus) error {
	ok, err := setStatusScript.Run(ctx, s.client, []string{s.nodeKey(nodeID)}, string(status)).Int()
	if err != nil {
		return fmt.Errorf("failed to set status of node %s: %w", nodeID, err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrLoad atomically adjusts the active session count
func (s *RedisNodeStore) IncrLoad(ctx context.Context, nodeID string, delta int64) (int64, error) {
	return s.incr(ctx, nodeID, fieldLoad, delta)
}

// AddEarned atomically adds to the node's cumulative settled amount
func (s *RedisNodeStore) AddEarned(ctx context.Context, nodeID string, amount int64) (int64, error) {
	return s.incr(ctx, nodeID, fieldTotalEarned, amount)
}

func (s *RedisNodeStore) incr(ctx context.Context, nodeID, field string, delta int64) (int64, error) {
	v, err := incrScript.Run(ctx, s.client, []string{s.nodeKey(nodeID)}, field, delta).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s of node %s: %w", field, nodeID, err)
	}
	return v, nil
}

// Ping checks the Redis connection
func (s *RedisNodeStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client
func (s *RedisNodeStore) Close() error {
	return s.client.Close()
}

func decodeNode(fields map[string]string) (*model.Node, error) {
	node := &model.Node{
		ID:            fields[fieldID],
		OwnerID:       fields[fieldOwnerID],
		Address:       fields[fieldAddress],
		Status:        model.NodeStatus(fields[fieldStatus]),
		PayoutAddress: fields[fieldPayoutAddress],
		ControlToken:  fields[fieldControlToken],
	}
	if raw := fields[fieldCapabilities]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &node.Capabilities); err != nil {
			return nil, fmt.Errorf("corrupt capabilities of node %s: %w", node.ID, err)
		}
	}
	if node.Capabilities == nil {
		node.Capabilities = map[string]nodeapi.Capability{}
	}

	var err error
	if node.Load, err = intField(fields, fieldLoad); err != nil {
		return nil, err
	}
	if node.TotalEarned, err = intField(fields, fieldTotalEarned); err != nil {
		return nil, err
	}
	hb, err := intField(fields, fieldLastHeartbeat)
	if err != nil {
		return nil, err
	}
	node.LastHeartbeat = time.UnixMilli(hb)
	reg, err := intField(fields, fieldRegisteredAt)
	if err != nil {
		return nil, err
	}
	node.RegisteredAt = time.UnixMilli(reg)
	return node, nil
}

func intField(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt field %s: %w", name, err)
	}
	return v, nil
}
