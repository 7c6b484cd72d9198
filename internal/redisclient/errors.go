package redisclient

import "errors"

// ErrNoMirror is returned when a ride has no mirrored seat counter in Redis.
var ErrNoMirror = errors.New("no seat mirror for ride")
