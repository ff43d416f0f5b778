package logger

import "fmt"

type nopLogger struct{}

var _ Logger = (*nopLogger)(nil)

func (nopLogger) With(metadata map[string]interface{}) Logger { return nopLogger{} }
func (nopLogger) WithPrefix(prefix string) Logger             { return nopLogger{} }
func (nopLogger) Trace(msg string, args ...interface{})       {}
func (nopLogger) Debug(msg string, args ...interface{})       {}
func (nopLogger) Info(msg string, args ...interface{})        {}
func (nopLogger) Warn(msg string, args ...interface{})        {}
func (nopLogger) Error(msg string, args ...interface{})       {}
func (nopLogger) IsLevelEnabled(level LogLevel) bool          { return false }

// Nop returns a Logger that discards everything. It is the default for
// library components constructed without an explicit logger.
func Nop() Logger {
	return nopLogger{}
}

func format(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}
