// Package redis connects to Redis with go-redis/v9 for the notification bus.
//
// The daemon uses the client returned by Connect to back
// broadcast.RedisBroadcaster, so that notifications created on one instance
// reach realtime subscribers attached to any other instance.
//
//	client, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
// Healthcheck produces the Check func of an httpserver.Probe.
package redis
