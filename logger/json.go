package logger

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// JSONLogEntry defines a structured log entry
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// String renders an entry structure to JSON.
func (e JSONLogEntry) String() string {
	out, err := json.Marshal(e)
	if err != nil {
		log.Printf("json.Marshal: %v", err)
	}
	return string(out)
}

type jsonLogger struct {
	prefixes []string
	metadata map[string]interface{}
	sink     Sink
	logLevel LogLevel
	ts       *time.Time // for unit testing
}

var _ Logger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &jsonLogger{
		prefixes: append([]string{}, c.prefixes...),
		metadata: metadata,
		sink:     c.sink,
		logLevel: c.logLevel,
		ts:       c.ts,
	}
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		clone.metadata[k] = v
	}
	return clone
}

func (c *jsonLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	clone.prefixes = append(clone.prefixes, prefix)
	return clone
}

func (c *jsonLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel
}

func (c *jsonLogger) log(level LogLevel, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}
	if len(c.prefixes) > 0 {
		formatted = strings.Join(c.prefixes, " ") + " " + formatted
	}
	ts := time.Now()
	if c.ts != nil {
		ts = *c.ts
	}
	entry := JSONLogEntry{
		Timestamp: ts,
		Severity:  level.String(),
		Message:   formatted,
		Metadata:  c.metadata,
	}
	fmt.Fprintln(c.sink, entry.String())
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, msg, args...)
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, msg, args...)
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, msg, args...)
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, msg, args...)
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, msg, args...)
}

// NewJSONLogger returns a Logger that writes one JSON object per line to stdout.
func NewJSONLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &jsonLogger{
		metadata: make(map[string]interface{}),
		sink:     os.Stdout,
		logLevel: level,
	}
}
