// Package stats collects messaging counters in Redis. A nil Collector is a
// no-op, so components can always call it unconditionally.
package stats

import (
	"fmt"

	"github.com/go-redis/redis"
	log "github.com/sirupsen/logrus"
)

// Collector accumulates per-endpoint messaging counters under one Redis hash.
type Collector struct {
	redisClient *redis.Client
	endpoint    string
}

// NewCollector creates a collector for the given logical endpoint name.
func NewCollector(redisClient *redis.Client, endpoint string) *Collector {
	return &Collector{
		redisClient: redisClient,
		endpoint:    endpoint,
	}
}

func (c *Collector) key() string {
	return fmt.Sprintf("amqprpc:stats:%s", c.endpoint)
}

func (c *Collector) incr(field string, by int64) {
	if c == nil || c.redisClient == nil {
		return
	}

	if _, err := c.redisClient.HIncrBy(c.key(), field, by).Result(); err != nil {
		log.Error("Failed to update stats: ", err)
	}
}

// RequestSent counts one outgoing request.
func (c *Collector) RequestSent() { c.incr("requests_sent", 1) }

// ReplyMatched counts one delivery matched to a pending request.
func (c *Collector) ReplyMatched() { c.incr("replies_matched", 1) }

// ReplyDropped counts one delivery with no matching pending request.
func (c *Collector) ReplyDropped() { c.incr("replies_dropped", 1) }

// ReturnReceived counts one unroutable-message notice.
func (c *Collector) ReturnReceived() { c.incr("returns", 1) }

// Processed counts one successfully processed inbound request.
func (c *Collector) Processed() { c.incr("processed", 1) }

// Failed counts one failed inbound request.
func (c *Collector) Failed() { c.incr("failures", 1) }

// Snapshot returns the current counter values.
func (c *Collector) Snapshot() (map[string]string, error) {
	if c == nil || c.redisClient == nil {
		return map[string]string{}, nil
	}
	return c.redisClient.HGetAll(c.key()).Result()
}
