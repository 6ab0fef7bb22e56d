package database

import "github.com/thrasher-corp/withdrawer/log"

// Logger implements io.Writer interface to redirect SQLBoiler debug output to
// the database sub logger
type Logger struct{}

// Write takes input and sends to the database sub logger
func (l Logger) Write(p []byte) (n int, err error) {
	log.Debugf(log.DatabaseMgr, "SQL: %s", p)
	return len(p), nil
}
