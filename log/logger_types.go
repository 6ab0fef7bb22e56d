package log

import (
	"io"
	"os"
	"sync"
)

const (
	timestampFormat = "02/01/2006 15:04:05"
	spacer          = " | "

	defaultLogFileName = "withdrawer.log"
)

var (
	// mu guards every sub logger, the header settings and the log file
	mu = &sync.RWMutex{}

	logger  = newLogger(GenDefaultSettings())
	logFile *os.File
)

// Config holds configuration settings loaded from the withdrawer config
type Config struct {
	Enabled         *bool `json:"enabled" mapstructure:"enabled"`
	SubLoggerConfig `mapstructure:",squash"`
	FileName        string            `json:"fileName" mapstructure:"file_name"`
	ShowSystemName  *bool             `json:"showSystemName" mapstructure:"show_system_name"`
	SubLoggers      []SubLoggerConfig `json:"subLoggers,omitempty" mapstructure:"sub_loggers"`
}

// SubLoggerConfig holds sub logger configuration settings
type SubLoggerConfig struct {
	Name   string `json:"name,omitempty" mapstructure:"name"`
	Level  string `json:"level" mapstructure:"level"`
	Output string `json:"output" mapstructure:"output"`
}

// Logger holds the formatting settings shared by all sub loggers
type Logger struct {
	ShowLogSystemName                                bool
	TimestampFormat                                  string
	InfoHeader, ErrorHeader, DebugHeader, WarnHeader string
	Spacer                                           string
}

// Levels flags for each sub logger type
type Levels struct {
	Info, Debug, Warn, Error bool
}

// SubLogger defines a sub logger that can be used externally for packages
// wanting to leverage the logger
type SubLogger struct {
	name   string
	levels Levels
	output io.Writer
}

type multiWriter struct {
	writers []io.Writer
	mu      sync.RWMutex
}
