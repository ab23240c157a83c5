package broker

import "errors"

// ErrNoSessions is returned by Broadcast when no provider sessions are
// registered. The gateway maps it to an immediate 503.
var ErrNoSessions = errors.New("no provider sessions connected")
