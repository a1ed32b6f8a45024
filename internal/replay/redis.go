package replay

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis shares nonce history across restarts (and across co-located trust
// cores) through SETNX with a TTL equal to the nonce retention window.
type Redis struct {
	cli        *redis.Client
	ttl        time.Duration
	errorCount int
}

func NewRedis(addr string, ttl time.Duration) (*Redis, error) {
	cli := redis.NewClient(&redis.Options{Addr: addr})
	if err := cli.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &Redis{cli: cli, ttl: ttl}, nil
}

func (r *Redis) Seen(sender, nonce string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := r.cli.SetNX(ctx, "nonce:"+sender+":"+nonce, 1, r.ttl).Result()
	if err != nil {
		r.errorCount++
		if r.errorCount%100 == 1 {
			log.Printf("redis replay store error (count: %d): %v", r.errorCount, err)
		}
		// Permissive on backend failure: a flapping store must not take
		// the whole control plane down. The in-memory age window still
		// bounds the damage.
		return false
	}
	return !ok
}
