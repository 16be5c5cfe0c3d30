// Package logger is the node-wide logging facility. Every component logs
// through the same Logger so that operator output is uniformly prefixed
// with the device id.
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
)

type Logger interface {
	Log(format string, args ...interface{})
}

type deviceLogger struct {
	mu       sync.Mutex
	deviceID string
	out      io.Writer
}

// NewLogger returns a Logger writing device-prefixed lines to stdout.
func NewLogger(deviceID string) Logger {
	return NewLoggerWithWriter(deviceID, os.Stdout)
}

func NewLoggerWithWriter(deviceID string, out io.Writer) Logger {
	return &deviceLogger{
		deviceID: deviceID,
		out:      out,
	}
}

func (l *deviceLogger) Log(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "[%s] %s\n", l.deviceID, fmt.Sprintf(format, args...))
}
