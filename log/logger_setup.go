package log

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	errSubLoggerConfigIsNil  = errors.New("sublogger config is nil")
	errUnhandledOutputWriter = errors.New("unhandled output writer")
	errSubLoggerNotFound     = errors.New("sub logger not found")
	errLogFileNotConfigured  = errors.New("file output requested but no log file is open")
)

func getWriters(s *SubLoggerConfig) (io.Writer, error) {
	if s == nil {
		return nil, errSubLoggerConfigIsNil
	}
	mw := &multiWriter{}
	outputWriters := strings.Split(s.Output, "|")
	for x := range outputWriters {
		var writer io.Writer
		switch strings.ToLower(strings.TrimSpace(outputWriters[x])) {
		case "stdout", "console":
			writer = os.Stdout
		case "stderr":
			writer = os.Stderr
		case "file":
			if logFile == nil {
				return nil, errLogFileNotConfigured
			}
			writer = logFile
		default:
			return nil, fmt.Errorf("%w: %s", errUnhandledOutputWriter, outputWriters[x])
		}
		if err := mw.Add(writer); err != nil {
			return nil, err
		}
	}
	return mw, nil
}

// GenDefaultSettings return struct with known sane/working logger settings
func GenDefaultSettings() Config {
	enabled, showName := true, true
	return Config{
		Enabled: &enabled,
		SubLoggerConfig: SubLoggerConfig{
			Level:  "INFO|WARN|ERROR",
			Output: "console",
		},
		FileName:       defaultLogFileName,
		ShowSystemName: &showName,
	}
}

func newLogger(c Config) Logger {
	return Logger{
		ShowLogSystemName: c.ShowSystemName == nil || *c.ShowSystemName,
		TimestampFormat:   timestampFormat,
		InfoHeader:        "[INFO]",
		WarnHeader:        "[WARN]",
		DebugHeader:       "[DEBUG]",
		ErrorHeader:       "[ERROR]",
		Spacer:            spacer,
	}
}

// SetupGlobalLogger configures every registered sub logger from the supplied
// config. A disabled config silences all sub loggers.
func SetupGlobalLogger(c *Config) error {
	if c == nil {
		return errSubLoggerConfigIsNil
	}
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	if c.Enabled != nil && !*c.Enabled {
		for _, sl := range subLoggers {
			sl.levels = Levels{}
			sl.output = io.Discard
		}
		return nil
	}

	if strings.Contains(strings.ToLower(c.Output), "file") || subLoggersUseFile(c.SubLoggers) {
		fileName := c.FileName
		if fileName == "" {
			fileName = defaultLogFileName
		}
		f, err := os.OpenFile(fileName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("cannot open log file %q: %w", fileName, err)
		}
		logFile = f
	}

	output, err := getWriters(&c.SubLoggerConfig)
	if err != nil {
		return err
	}
	levels := splitLevel(c.Level)
	for _, sl := range subLoggers {
		sl.levels = levels
		sl.output = output
	}

	for x := range c.SubLoggers {
		if err := configureSubLogger(&c.SubLoggers[x]); err != nil {
			return err
		}
	}

	logger = newLogger(*c)
	return nil
}

// CloseLogger closes the log file if one was opened by SetupGlobalLogger
func CloseLogger() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	err := logFile.Close()
	logFile = nil
	return err
}

func subLoggersUseFile(s []SubLoggerConfig) bool {
	for x := range s {
		if strings.Contains(strings.ToLower(s[x].Output), "file") {
			return true
		}
	}
	return false
}

func configureSubLogger(s *SubLoggerConfig) error {
	sl, ok := subLoggers[strings.ToUpper(s.Name)]
	if !ok {
		return fmt.Errorf("%w: %s", errSubLoggerNotFound, s.Name)
	}
	if s.Output != "" {
		output, err := getWriters(s)
		if err != nil {
			return err
		}
		sl.output = output
	}
	if s.Level != "" {
		sl.levels = splitLevel(s.Level)
	}
	return nil
}

func splitLevel(level string) (l Levels) {
	enabledLevels := strings.Split(strings.ToUpper(level), "|")
	for x := range enabledLevels {
		switch strings.TrimSpace(enabledLevels[x]) {
		case "DEBUG":
			l.Debug = true
		case "INFO":
			l.Info = true
		case "WARN":
			l.Warn = true
		case "ERROR":
			l.Error = true
		}
	}
	return
}

func registerNewSubLogger(subLogger string) *SubLogger {
	temp := &SubLogger{
		name:   strings.ToUpper(subLogger),
		output: os.Stdout,
		levels: splitLevel("INFO|WARN|DEBUG|ERROR"),
	}
	subLoggers[temp.name] = temp
	return temp
}
