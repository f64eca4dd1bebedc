package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connection slots cap how many simultaneous signaling sockets one user may
// hold across all devices. The counter is atomic (Lua) and carries a TTL so
// a crashed relay cannot pin its users out forever.

const (
	defaultMaxConnsPerUser = 3

	connSlotTTL = 6 * time.Hour
)

func connSlotKey(userID string) string { return "relay:conns:" + userID }

var connSlotAcquire = redis.NewScript(`
-- KEYS[1] = slot counter, ARGV[1] = limit, ARGV[2] = ttl_ms
-- Returns 1 if a slot was taken, 0 if the user is at the limit.
local current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
else
  -- Ensure TTL exists even if the key survived without one
  if redis.call('PTTL', KEYS[1]) < 0 then
    redis.call('PEXPIRE', KEYS[1], ARGV[2])
  end
end

if current > tonumber(ARGV[1]) then
  redis.call('DECR', KEYS[1])
  return 0
end
return 1
`)

var connSlotRelease = redis.NewScript(`
-- KEYS[1] = slot counter; drop the key once the last slot is returned
local current = redis.call('DECR', KEYS[1])
if current <= 0 then
  redis.call('DEL', KEYS[1])
end
return 1
`)

// acquireConnSlot takes one signaling slot for userID. A non-positive limit
// falls back to defaultMaxConnsPerUser.
func acquireConnSlot(ctx context.Context, rdb *redis.Client, userID string, limit int) (bool, error) {
	if rdb == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if userID == "" {
		return false, fmt.Errorf("userID is required")
	}
	if limit <= 0 {
		limit = defaultMaxConnsPerUser
	}

	res, err := connSlotAcquire.Run(ctx, rdb, []string{connSlotKey(userID)}, limit, connSlotTTL.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// releaseConnSlot returns a previously acquired slot.
func releaseConnSlot(ctx context.Context, rdb *redis.Client, userID string) error {
	if rdb == nil {
		return fmt.Errorf("redis client is nil")
	}
	if userID == "" {
		return fmt.Errorf("userID is required")
	}
	_, err := connSlotRelease.Run(ctx, rdb, []string{connSlotKey(userID)}).Result()
	return err
}
