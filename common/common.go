package common

import (
	"errors"
	"strings"
)

// Shared errors for subsystem lifecycles
var (
	ErrNilPointer              = errors.New("nil pointer")
	ErrNilSubsystem            = errors.New("subsystem not setup")
	ErrSubSystemAlreadyStarted = errors.New("subsystem already started")
	ErrSubSystemNotStarted     = errors.New("subsystem not started")
)

// Subsystem lifecycle log messages
const (
	MsgSubSystemStarting     = "starting..."
	MsgSubSystemStarted      = "started."
	MsgSubSystemShuttingDown = "shutting down..."
	MsgSubSystemShutdown     = "shutdown."
)

// ZeroBytes overwrites b in place
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// NormaliseSet upper cases and trims every entry and drops empties, returning
// a lookup set
func NormaliseSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for x := range items {
		v := strings.ToUpper(strings.TrimSpace(items[x]))
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}
