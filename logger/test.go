package logger

import "sync"

type TestLogEntry struct {
	Severity string
	Message  string
	Metadata map[string]interface{}
}

// TestLogger captures log entries in memory for assertions in tests.
type TestLogger struct {
	mu       sync.Mutex
	metadata map[string]interface{}
	entries  *[]TestLogEntry
}

var _ Logger = (*TestLogger)(nil)

// NewTestLogger returns a logger that records every entry.
func NewTestLogger() *TestLogger {
	entries := make([]TestLogEntry, 0)
	return &TestLogger{entries: &entries}
}

// Entries returns a copy of everything logged so far.
func (c *TestLogger) Entries() []TestLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TestLogEntry, len(*c.entries))
	copy(out, *c.entries)
	return out
}

func (c *TestLogger) With(metadata map[string]interface{}) Logger {
	kv := make(map[string]interface{}, len(c.metadata)+len(metadata))
	for k, v := range c.metadata {
		kv[k] = v
	}
	for k, v := range metadata {
		kv[k] = v
	}
	return &TestLogger{metadata: kv, entries: c.entries}
}

func (c *TestLogger) WithPrefix(prefix string) Logger {
	return c
}

func (c *TestLogger) IsLevelEnabled(level LogLevel) bool {
	return true
}

func (c *TestLogger) record(severity, msg string) {
	c.mu.Lock()
	*c.entries = append(*c.entries, TestLogEntry{Severity: severity, Message: msg, Metadata: c.metadata})
	c.mu.Unlock()
}

func (c *TestLogger) Trace(msg string, args ...interface{}) { c.record("TRACE", format(msg, args)) }
func (c *TestLogger) Debug(msg string, args ...interface{}) { c.record("DEBUG", format(msg, args)) }
func (c *TestLogger) Info(msg string, args ...interface{})  { c.record("INFO", format(msg, args)) }
func (c *TestLogger) Warn(msg string, args ...interface{})  { c.record("WARN", format(msg, args)) }
func (c *TestLogger) Error(msg string, args ...interface{}) { c.record("ERROR", format(msg, args)) }
