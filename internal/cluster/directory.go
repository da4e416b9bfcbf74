// Package cluster shares device presence between relay instances through Redis and
// carries forwarded messages to the instance that owns the target connection.
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aura-kiosk/backend/internal/models"
)

const (
	keyPrefix     = "kiosk:"
	channelPrefix = keyPrefix + "instance:"
	// DefaultPresenceTTL bounds how long a device outlives its last heartbeat in the directory.
	DefaultPresenceTTL = 2 * time.Minute
)

// ErrUnreachable is returned by Forward when no subscriber owns the target instance channel.
var ErrUnreachable = errors.New("instance unreachable")

// Presence is a device registered on some relay instance.
type Presence struct {
	DeviceID     string            `json:"device_id"`
	Type         models.DeviceType `json:"device_type"`
	Instance     string            `json:"instance"`
	Handle       string            `json:"handle"`
	RegisteredAt int64             `json:"registered_at"`
}

// Delivery is a message published to the instance owning Handle.
// ReplyInstance/ReplyHandle address the original sender for failure reports.
type Delivery struct {
	DeviceID       string          `json:"device_id,omitempty"`
	Handle         string          `json:"handle"`
	Event          string          `json:"event"`
	Data           json.RawMessage `json:"data,omitempty"`
	ReplyInstance  string          `json:"reply_instance,omitempty"`
	ReplyHandle    string          `json:"reply_handle,omitempty"`
	FailureMessage string          `json:"failure_message,omitempty"`
	At             int64           `json:"at"`
}

// Directory implements cross-instance presence and forwarding on Redis.
type Directory struct {
	client   *redis.Client
	instance string
	ttl      time.Duration
	logger   *zap.Logger
}

// NewDirectory creates a Redis-backed directory for this instance.
func NewDirectory(client *redis.Client, instanceID string, ttl time.Duration, logger *zap.Logger) *Directory {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{client: client, instance: instanceID, ttl: ttl, logger: logger}
}

// Instance returns this instance's ID.
func (d *Directory) Instance() string { return d.instance }

func deviceKey(id string) string             { return keyPrefix + "device:" + id }
func typeKey(t models.DeviceType) string     { return keyPrefix + "devices:" + string(t) }
func instanceChannel(instance string) string { return channelPrefix + instance }

// Announce publishes dev as owned by this instance.
func (d *Directory) Announce(ctx context.Context, dev models.Device) error {
	body, err := json.Marshal(Presence{
		DeviceID:     dev.ID,
		Type:         dev.Type,
		Instance:     d.instance,
		Handle:       dev.Handle,
		RegisteredAt: dev.RegisteredAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	pipe := d.client.TxPipeline()
	pipe.Set(ctx, deviceKey(dev.ID), body, d.ttl)
	pipe.ZAdd(ctx, typeKey(dev.Type), redis.Z{Score: float64(dev.RegisteredAt.UnixNano()), Member: dev.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("announce %s: %w", dev.ID, err)
	}
	return nil
}

// Refresh extends the presence TTL of deviceID.
func (d *Directory) Refresh(ctx context.Context, deviceID string) error {
	return d.client.Expire(ctx, deviceKey(deviceID), d.ttl).Err()
}

// Withdraw removes dev if the directory entry still points at this instance and handle.
func (d *Directory) Withdraw(ctx context.Context, dev models.Device) error {
	p, ok, err := d.Lookup(ctx, dev.ID)
	if err != nil {
		return err
	}
	if !ok || p.Instance != d.instance || p.Handle != dev.Handle {
		return nil
	}
	pipe := d.client.TxPipeline()
	pipe.Del(ctx, deviceKey(dev.ID))
	pipe.ZRem(ctx, typeKey(dev.Type), dev.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("withdraw %s: %w", dev.ID, err)
	}
	return nil
}

// Lookup returns the presence of deviceID.
func (d *Directory) Lookup(ctx context.Context, deviceID string) (Presence, bool, error) {
	raw, err := d.client.Get(ctx, deviceKey(deviceID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Presence{}, false, nil
		}
		return Presence{}, false, fmt.Errorf("lookup %s: %w", deviceID, err)
	}
	var p Presence
	if err := json.Unmarshal(raw, &p); err != nil {
		return Presence{}, false, fmt.Errorf("decode presence %s: %w", deviceID, err)
	}
	return p, true, nil
}

// FindByType returns the most recently registered device of type t owned by another instance.
// Entries whose presence key expired are pruned from the index as they are found.
func (d *Directory) FindByType(ctx context.Context, t models.DeviceType) (Presence, bool, error) {
	ids, err := d.client.ZRevRange(ctx, typeKey(t), 0, -1).Result()
	if err != nil {
		return Presence{}, false, fmt.Errorf("list %s devices: %w", t, err)
	}
	for _, id := range ids {
		p, ok, err := d.Lookup(ctx, id)
		if err != nil {
			return Presence{}, false, err
		}
		if !ok || p.Type != t {
			_ = d.client.ZRem(ctx, typeKey(t), id).Err()
			continue
		}
		if p.Instance == d.instance {
			// Local devices are answered by the in-process registry.
			continue
		}
		return p, true, nil
	}
	return Presence{}, false, nil
}

// Forward publishes del to the instance that owns the target connection.
func (d *Directory) Forward(ctx context.Context, instance string, del Delivery) error {
	del.At = time.Now().UnixMilli()
	body, err := json.Marshal(del)
	if err != nil {
		return err
	}
	n, err := d.client.Publish(ctx, instanceChannel(instance), body).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", instance, err)
	}
	if n == 0 {
		return ErrUnreachable
	}
	return nil
}

// Subscribe delivers messages addressed to this instance until cancel is called.
func (d *Directory) Subscribe(ctx context.Context, handler func(Delivery)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(ctx)
	pubsub := d.client.Subscribe(ctx, instanceChannel(d.instance))
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var del Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &del); err != nil {
					d.logger.Warn("invalid delivery", zap.Error(err))
					continue
				}
				handler(del)
			}
		}
	}()
	return cancelCtx, nil
}

// String identifies the directory in logs.
func (d *Directory) String() string {
	return "redis-directory(" + d.instance + ", ttl=" + strconv.Itoa(int(d.ttl.Seconds())) + "s)"
}
