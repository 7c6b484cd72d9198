package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_seats.lua
var reserveSeatsScript string

//go:embed scripts/release_seats.lua
var releaseSeatsScript string

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveSeatsScript),
		releaseScript: redis.NewScript(releaseSeatsScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func seatKey(rideID int64) string {
	return fmt.Sprintf("ride:seats:%d", rideID)
}

// ReserveSeats applies a seat delta to the ride's mirrored counter using a
// Lua script. Returns (true, nil) when the delta fits, (false, nil) when the
// ride is full. ErrNoMirror means no mirror exists for the ride and the
// caller must consult the database.
func (c *Client) ReserveSeats(ctx context.Context, rideID int64, seats int) (bool, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{seatKey(rideID)}, seats).Result()
	if err != nil {
		return false, fmt.Errorf("reserve seats script failed: %w", err)
	}

	outcome, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	if outcome == -1 {
		return false, ErrNoMirror
	}

	return outcome == 1, nil
}

// ReleaseSeats returns a seat delta to the ride's mirrored counter, floored
// at zero.
func (c *Client) ReleaseSeats(ctx context.Context, rideID int64, seats int) error {
	result, err := c.releaseScript.Run(ctx, c.rdb, []string{seatKey(rideID)}, seats).Result()
	if err != nil {
		return fmt.Errorf("release seats script failed: %w", err)
	}
	if outcome, ok := result.(int64); ok && outcome == -1 {
		return ErrNoMirror
	}
	return nil
}

// InitSeats initializes or resyncs the mirrored seat counter for a ride
func (c *Client) InitSeats(ctx context.Context, rideID int64, total, committed int) error {
	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, seatKey(rideID), "total", total)
	pipe.HSet(ctx, seatKey(rideID), "committed", committed)

	_, err := pipe.Exec(ctx)
	return err
}

// GetSeats retrieves the mirrored seat counts for a ride
func (c *Client) GetSeats(ctx context.Context, rideID int64) (total, committed int, err error) {
	result, err := c.rdb.HGetAll(ctx, seatKey(rideID)).Result()
	if err != nil {
		return 0, 0, err
	}

	if len(result) == 0 {
		return 0, 0, ErrNoMirror
	}

	// A corrupted hash must not read as zero availability; treat it as no
	// mirror so the caller falls through to the database.
	total, err = strconv.Atoi(result["total"])
	if err != nil {
		return 0, 0, ErrNoMirror
	}
	committed, err = strconv.Atoi(result["committed"])
	if err != nil {
		return 0, 0, ErrNoMirror
	}
	return total, committed, nil
}

// AcquireBookingLock acquires a short-lived lock serializing one rider's
// concurrent submissions against one ride
func (c *Client) AcquireBookingLock(ctx context.Context, rideID, riderID int64, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:booking:%d:%d", rideID, riderID), "1", ttl).Result()
}

// ReleaseBookingLock releases a booking lock
func (c *Client) ReleaseBookingLock(ctx context.Context, rideID, riderID int64) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:booking:%d:%d", rideID, riderID)).Err()
}
