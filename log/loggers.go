package log

import (
	"fmt"
	"log"
	"strings"
	"time"
)

// Infof takes a pointer subLogger struct, string and interface formats sends to the output
func Infof(sl *SubLogger, data string, v ...any) {
	stage(sl, levelInfo, fmt.Sprintf(data, v...))
}

// Debugf takes a pointer subLogger struct, string and interface formats sends to the output
func Debugf(sl *SubLogger, data string, v ...any) {
	stage(sl, levelDebug, fmt.Sprintf(data, v...))
}

// Warnf takes a pointer subLogger struct, string and interface formats sends to the output
func Warnf(sl *SubLogger, data string, v ...any) {
	stage(sl, levelWarn, fmt.Sprintf(data, v...))
}

// Errorf takes a pointer subLogger struct, string and interface formats sends to the output
func Errorf(sl *SubLogger, data string, v ...any) {
	stage(sl, levelError, fmt.Sprintf(data, v...))
}

type level uint8

const (
	levelInfo level = iota
	levelDebug
	levelWarn
	levelError
)

func (l level) enabled(levels Levels) bool {
	switch l {
	case levelInfo:
		return levels.Info
	case levelDebug:
		return levels.Debug
	case levelWarn:
		return levels.Warn
	case levelError:
		return levels.Error
	}
	return false
}

func (l level) header(lg *Logger) string {
	switch l {
	case levelDebug:
		return lg.DebugHeader
	case levelWarn:
		return lg.WarnHeader
	case levelError:
		return lg.ErrorHeader
	default:
		return lg.InfoHeader
	}
}

func stage(sl *SubLogger, l level, data string) {
	if sl == nil {
		return
	}
	mu.RLock()
	defer mu.RUnlock()
	if !l.enabled(sl.levels) {
		return
	}
	var b strings.Builder
	b.WriteString(l.header(&logger))
	b.WriteString(logger.Spacer)
	b.WriteString(time.Now().Format(logger.TimestampFormat))
	b.WriteString(logger.Spacer)
	if logger.ShowLogSystemName {
		b.WriteString(sl.name)
		b.WriteString(logger.Spacer)
	}
	b.WriteString(strings.TrimRight(data, "\n"))
	b.WriteByte('\n')
	if _, err := sl.output.Write([]byte(b.String())); err != nil {
		log.Printf("Logger write error: %v\n", err)
	}
}
