package logging

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ConsoleOutput formats logs for human readability.
type ConsoleOutput struct {
	mu     sync.Mutex
	writer io.Writer
	color  bool
}

type ConsoleOutputOption func(*ConsoleOutput)

func WithColor(enabled bool) ConsoleOutputOption {
	return func(c *ConsoleOutput) {
		c.color = enabled
	}
}

// WithWriter redirects the output, mainly for tests.
func WithWriter(w io.Writer) ConsoleOutputOption {
	return func(c *ConsoleOutput) {
		c.writer = w
	}
}

func NewConsoleOutput(useStderr bool, opts ...ConsoleOutputOption) *ConsoleOutput {
	writer := os.Stdout
	if useStderr {
		writer = os.Stderr
	}

	c := &ConsoleOutput{
		writer: writer,
		color:  true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func severityColor(s Severity) string {
	switch s {
	case DEBUG:
		return "\033[37m"
	case INFO:
		return "\033[32m"
	case WARN:
		return "\033[33m"
	case ERROR:
		return "\033[31m"
	default:
		return "\033[0m"
	}
}

func (c *ConsoleOutput) Write(e LogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts := time.Unix(0, e.Time).Format("15:04:05.000")
	line := fmt.Sprintf("%s %-5s %s:%d %s%s",
		ts, e.Severity, e.File, e.Line, e.Message, formatFields(e.Fields))
	if c.color {
		line = severityColor(e.Severity) + line + "\033[0m"
	}
	_, err := fmt.Fprintln(c.writer, line)
	return err
}

func (c *ConsoleOutput) Sync() error { return nil }

func (c *ConsoleOutput) Close() error { return nil }
