// Package coordinator is a typed façade over a Redis-compatible key-value and
// pub/sub store. It owns every key name used by the fleet so the
// rest of the tree never touches the redis client directly.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/bazbeans/pkg/config"
	"github.com/cuemby/bazbeans/pkg/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Client wraps *redis.Client with bazbeans' key-naming scheme.
type Client struct {
	rdb    *redis.Client
	logger zerolog.Logger

	nodesAllKey    string
	nodesActiveKey string
	nodeIPsKey     string
	pubsubChannel  string
}

// New dials the coordinator at cfg.RedisURL and verifies connectivity with a
// short-lived Ping, mirroring the connect-then-ping pattern used throughout
// the retrieval pack's Redis-backed clients.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("coordinator: invalid redis_url: %w", err)
	}

	rdb := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("coordinator: unable to connect to %s: %w", cfg.RedisURL, err)
	}

	c := &Client{
		rdb:            rdb,
		logger:         log.WithComponent("coordinator"),
		nodesAllKey:    cfg.NodesAllKey,
		nodesActiveKey: cfg.NodesActiveKey,
		nodeIPsKey:     cfg.NodeIPsKey,
		pubsubChannel:  cfg.PubSubChannel,
	}
	c.logger.Debug().Str("redis_url", cfg.RedisURL).Msg("connected to coordinator")
	return c, nil
}

// NewFromRedis builds a Client around an already-constructed *redis.Client;
// used by tests wiring a miniredis instance.
func NewFromRedis(rdb *redis.Client, cfg *config.Config) *Client {
	return &Client{
		rdb:            rdb,
		logger:         log.WithComponent("coordinator"),
		nodesAllKey:    cfg.NodesAllKey,
		nodesActiveKey: cfg.NodesActiveKey,
		nodeIPsKey:     cfg.NodeIPsKey,
		pubsubChannel:  cfg.PubSubChannel,
	}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// NodeStatusKey returns the per-node status hash key.
func (c *Client) NodeStatusKey(nodeID string) string {
	return fmt.Sprintf("bazbeans:node:%s:status", nodeID)
}

// NodeHeartbeatKey returns the per-node heartbeat string key.
func (c *Client) NodeHeartbeatKey(nodeID string) string {
	return fmt.Sprintf("bazbeans:node:%s:heartbeat", nodeID)
}

// NodeCommandsKey returns the per-node FIFO command list key.
func (c *Client) NodeCommandsKey(nodeID string) string {
	return fmt.Sprintf("bazbeans:node:%s:commands", nodeID)
}

// PubSubChannel returns the configured event channel name.
func (c *Client) PubSubChannel() string {
	return c.pubsubChannel
}

// AddToSet adds a member to a Redis set.
func (c *Client) AddToSet(ctx context.Context, key, member string) error {
	return c.rdb.SAdd(ctx, key, member).Err()
}

// RemoveFromSet removes a member from a Redis set.
func (c *Client) RemoveFromSet(ctx context.Context, key, member string) error {
	return c.rdb.SRem(ctx, key, member).Err()
}

// SetMembers returns every member of a Redis set.
func (c *Client) SetMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

// IsSetMember reports whether member belongs to the set at key.
func (c *Client) IsSetMember(ctx context.Context, key, member string) (bool, error) {
	return c.rdb.SIsMember(ctx, key, member).Result()
}

// AllNodesKey and ActiveNodesKey expose the configured set key names.
func (c *Client) AllNodesKey() string    { return c.nodesAllKey }
func (c *Client) ActiveNodesKey() string { return c.nodesActiveKey }
func (c *Client) NodeIPsKey() string     { return c.nodeIPsKey }

// SetStatusFields writes scalar fields into a node's status hash.
func (c *Client) SetStatusFields(ctx context.Context, nodeID string, fields map[string]interface{}) error {
	return c.rdb.HSet(ctx, c.NodeStatusKey(nodeID), fields).Err()
}

// GetStatusFields reads a node's full status hash.
func (c *Client) GetStatusFields(ctx context.Context, nodeID string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, c.NodeStatusKey(nodeID)).Result()
}

// PipelinedSetMutateAndStatus performs a set membership change and a status
// hash write inside a single transaction pipeline, so readers never observe
// one without the other.
func (c *Client) PipelinedSetMutateAndStatus(ctx context.Context, setKey, member string, add bool, nodeID string, statusFields map[string]interface{}) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if add {
			pipe.SAdd(ctx, setKey, member)
		} else {
			pipe.SRem(ctx, setKey, member)
		}
		pipe.HSet(ctx, c.NodeStatusKey(nodeID), statusFields)
		return nil
	})
	return err
}

// WriteHeartbeat stores a JSON heartbeat record with the configured TTL.
func (c *Client) WriteHeartbeat(ctx context.Context, nodeID string, payload interface{}, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("coordinator: marshal heartbeat: %w", err)
	}
	return c.rdb.Set(ctx, c.NodeHeartbeatKey(nodeID), data, ttl).Err()
}

// ReadHeartbeat loads and decodes a node's heartbeat record. ok is false if
// the key is absent or expired.
func (c *Client) ReadHeartbeat(ctx context.Context, nodeID string, out interface{}) (ok bool, err error) {
	data, err := c.rdb.Get(ctx, c.NodeHeartbeatKey(nodeID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("coordinator: decode heartbeat: %w", err)
	}
	return true, nil
}

// HeartbeatExists reports whether a node's heartbeat key is still live,
// without decoding its payload.
func (c *Client) HeartbeatExists(ctx context.Context, nodeID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.NodeHeartbeatKey(nodeID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// EnqueueCommand pushes a JSON-encoded command to the tail of a node's queue.
func (c *Client) EnqueueCommand(ctx context.Context, nodeID string, cmd interface{}) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("coordinator: marshal command: %w", err)
	}
	return c.rdb.RPush(ctx, c.NodeCommandsKey(nodeID), data).Err()
}

// DequeueCommand pops at most one command from the head of a node's queue.
// ok is false when the queue is empty ("no work"), never an error.
func (c *Client) DequeueCommand(ctx context.Context, nodeID string, out interface{}) (ok bool, err error) {
	data, err := c.rdb.LPop(ctx, c.NodeCommandsKey(nodeID)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("coordinator: decode command: %w", err)
	}
	return true, nil
}

// SetIP writes a node's IP mapping.
func (c *Client) SetIP(ctx context.Context, nodeID, ip string) error {
	return c.rdb.HSet(ctx, c.nodeIPsKey, nodeID, ip).Err()
}

// GetIP reads a node's IP mapping. ok is false if unmapped.
func (c *Client) GetIP(ctx context.Context, nodeID string) (ip string, ok bool, err error) {
	ip, err = c.rdb.HGet(ctx, c.nodeIPsKey, nodeID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return ip, true, nil
}

// Publish JSON-encodes payload and publishes it on the configured channel.
func (c *Client) Publish(ctx context.Context, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("coordinator: marshal event: %w", err)
	}
	return c.rdb.Publish(ctx, c.pubsubChannel, data).Err()
}

// Subscribe returns a raw redis PubSub handle on the configured channel; the
// events package wraps this with decode and fan-out semantics.
func (c *Client) Subscribe(ctx context.Context) *redis.PubSub {
	return c.rdb.Subscribe(ctx, c.pubsubChannel)
}
