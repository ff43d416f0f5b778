package logger

import (
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
)

const isWindows = runtime.GOOS == "windows"

var noColor = os.Getenv("TERM") == "dumb" ||
	(!isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()))

func color(val string) string {
	if isWindows || noColor {
		return ""
	}
	return val
}

const (
	reset   = "\033[0m"
	red     = "\033[31m"
	green   = "\033[32m"
	yellow  = "\033[33m"
	cyan    = "\033[36m"
	gray    = "\033[1;90m"
	redBold = "\033[31;1m"
)

type consoleLogger struct {
	prefixes []string
	metadata map[string]interface{}
	sink     Sink
	logLevel LogLevel
}

var _ Logger = (*consoleLogger)(nil)

func (c *consoleLogger) clone() *consoleLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	return &consoleLogger{
		prefixes: append([]string{}, c.prefixes...),
		metadata: metadata,
		sink:     c.sink,
		logLevel: c.logLevel,
	}
}

func (c *consoleLogger) With(metadata map[string]interface{}) Logger {
	clone := c.clone()
	for k, v := range metadata {
		clone.metadata[k] = v
	}
	return clone
}

func (c *consoleLogger) WithPrefix(prefix string) Logger {
	clone := c.clone()
	clone.prefixes = append(clone.prefixes, prefix)
	return clone
}

func (c *consoleLogger) IsLevelEnabled(level LogLevel) bool {
	return level >= c.logLevel
}

func (c *consoleLogger) metadataSuffix() string {
	if len(c.metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(c.metadata))
	for k := range c.metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(fmt.Sprintf(" %s=%v", k, c.metadata[k]))
	}
	return color(gray) + sb.String() + color(reset)
}

func (c *consoleLogger) log(level LogLevel, levelColor string, msg string, args ...interface{}) {
	if !c.IsLevelEnabled(level) {
		return
	}
	formatted := msg
	if len(args) > 0 {
		formatted = fmt.Sprintf(msg, args...)
	}
	var prefix string
	if len(c.prefixes) > 0 {
		prefix = strings.Join(c.prefixes, " ") + " "
	}
	fmt.Fprintf(c.sink, "%s %s[%-5s]%s %s%s%s\n",
		time.Now().Format("2006-01-02T15:04:05.000"),
		color(levelColor), level.String(), color(reset),
		prefix, formatted, c.metadataSuffix())
}

func (c *consoleLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, gray, msg, args...)
}

func (c *consoleLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, cyan, msg, args...)
}

func (c *consoleLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, green, msg, args...)
}

func (c *consoleLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, yellow, msg, args...)
}

func (c *consoleLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, redBold, msg, args...)
}

// NewConsoleLogger returns a Logger that writes human-readable lines to stdout.
// The level defaults to the value of THINGSCACHE_LOG_LEVEL.
func NewConsoleLogger(levels ...LogLevel) Logger {
	level := GetLevelFromEnv()
	if len(levels) > 0 {
		level = levels[0]
	}
	return &consoleLogger{
		metadata: make(map[string]interface{}),
		sink:     os.Stdout,
		logLevel: level,
	}
}
