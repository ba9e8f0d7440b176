package core

import (
	"context"
	"time"

	"github.com/alwitt/roomcast/common"
	"github.com/apex/log"
	"github.com/redis/go-redis/v9"
)

// RedisConnectParams Redis connection parameter
type RedisConnectParams struct {
	// ServerURI connect to the Redis broker with URI
	ServerURI string `validate:"required,uri"`
	// ConnectTimeout max time to wait for the initial reachability check
	ConnectTimeout time.Duration
}

// RedisClient Redis client as message broker core
type RedisClient struct {
	common.Component
	client *redis.Client
}

// Close close the Redis client
func (c RedisClient) Close(ctxt context.Context) {
	if err := c.client.Close(); err != nil {
		log.WithError(err).WithFields(c.LogTags).Errorf("Redis client close failed")
	}
	log.WithFields(c.LogTags).Infof("Closed Redis client")
}

// Client fetch the underlying Redis client handle
func (c RedisClient) Client() *redis.Client {
	return c.client
}

// Healthy verify the broker connection is still usable
func (c RedisClient) Healthy(ctxt context.Context) error {
	return c.client.Ping(ctxt).Err()
}

// GetRedisClient define a new Redis broker core
func GetRedisClient(ctxt context.Context, param RedisConnectParams) (RedisClient, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "redis-backend",
		"instance":  param.ServerURI,
	}

	opts, err := redis.ParseURL(param.ServerURI)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to parse Redis URI")
		return RedisClient{}, err
	}
	opts.DialTimeout = param.ConnectTimeout

	// Create the Redis transport
	client := redis.NewClient(opts)

	// Verify the broker is reachable before handing the client out
	checkCtxt, cancel := context.WithTimeout(ctxt, param.ConnectTimeout)
	defer cancel()
	if err := client.Ping(checkCtxt).Err(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Redis client connect failed")
		return RedisClient{}, err
	}
	log.WithFields(logTags).Info("Created Redis client")

	return RedisClient{
		Component: common.Component{LogTags: logTags},
		client:    client,
	}, nil
}
