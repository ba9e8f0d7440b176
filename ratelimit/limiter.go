package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/alwitt/roomcast/common"
	"github.com/alwitt/roomcast/core"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// Limiter inbound message rate limiter
type Limiter interface {
	// Allow report whether one more event is allowed for a key right now
	Allow(ctxt context.Context, key string) (bool, error)
}

// slidingWindowScript atomic sliding window check over a Redis sorted set
var slidingWindowScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window_start = tonumber(ARGV[2])
	local limit = tonumber(ARGV[3])
	local window_ms = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)

	local current = redis.call('ZCARD', key)
	if current < limit then
		local counter = redis.call('INCR', key .. ':counter')
		redis.call('ZADD', key, now, now .. ':' .. counter)
		local expire_seconds = math.ceil(window_ms / 1000)
		redis.call('EXPIRE', key, expire_seconds)
		redis.call('EXPIRE', key .. ':counter', expire_seconds)
		return 1
	end
	return 0
`)

// redisLimiterImpl implements Limiter with a Redis backed sliding window
type redisLimiterImpl struct {
	common.Component
	client      *redis.Client
	keyPrefix   string
	maxInWindow int
	window      time.Duration
}

// GetRedisLimiter define a new Redis backed sliding window Limiter
func GetRedisLimiter(
	broker core.RedisClient,
	keyPrefix string,
	maxInWindow int,
	window time.Duration,
	instance string,
) (Limiter, error) {
	logTags := log.Fields{
		"module":    "ratelimit",
		"component": "sliding-window",
		"instance":  instance,
	}
	if maxInWindow < 1 || window <= 0 {
		err := fmt.Errorf("invalid rate limit window setting")
		log.WithError(err).WithFields(logTags).Error("Unable to define limiter")
		return nil, err
	}
	return &redisLimiterImpl{
		Component:   common.Component{LogTags: logTags},
		client:      broker.Client(),
		keyPrefix:   keyPrefix,
		maxInWindow: maxInWindow,
		window:      window,
	}, nil
}

// Allow report whether one more event is allowed for a key right now
func (l *redisLimiterImpl) Allow(ctxt context.Context, key string) (bool, error) {
	now := time.Now()
	windowStart := now.Add(-l.window)
	redisKey := l.keyPrefix + key

	result, err := slidingWindowScript.Run(
		ctxt,
		l.client,
		[]string{redisKey},
		now.UnixMilli(),
		windowStart.UnixMilli(),
		l.maxInWindow,
		l.window.Milliseconds(),
	).Int64()
	if err != nil {
		log.WithError(err).WithFields(l.LogTags).Errorf("Rate limit check failed for %s", key)
		return false, err
	}
	return result == 1, nil
}

// alwaysAllowImpl implements Limiter without any limiting
type alwaysAllowImpl struct{}

// GetAlwaysAllowLimiter define a Limiter which never rejects. Used when rate
// limiting is disabled in config.
func GetAlwaysAllowLimiter() Limiter {
	return &alwaysAllowImpl{}
}

// Allow always allows
func (l *alwaysAllowImpl) Allow(ctxt context.Context, key string) (bool, error) {
	return true, nil
}
