package core

// nopLogger discards everything. Used where a component is constructed
// before logging is configured, and widely in tests.
type nopLogger struct{}

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() ILogger { return nopLogger{} }

func (nopLogger) Debug(string, ...interface{})        {}
func (nopLogger) Info(string, ...interface{})         {}
func (nopLogger) Warn(string, ...interface{})         {}
func (nopLogger) Error(string, ...interface{})        {}
func (nopLogger) Fatal(string, ...interface{})        {}
func (n nopLogger) WithField(string, interface{}) ILogger { return n }
func (n nopLogger) WithFields(map[string]interface{}) ILogger { return n }
