package alerting

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// consoleChannel writes to stderr, colorized when stderr is a TTY.
type consoleChannel struct {
	color bool
}

func newConsoleChannel() *consoleChannel {
	return &consoleChannel{
		color: isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()),
	}
}

func (c *consoleChannel) Name() string { return "console" }

func (c *consoleChannel) Deliver(a Alert) error {
	label := a.Severity.String()
	if c.color {
		switch a.Severity {
		case SeverityCritical:
			label = "\x1b[31m" + label + "\x1b[0m"
		case SeverityWarning:
			label = "\x1b[33m" + label + "\x1b[0m"
		default:
			label = "\x1b[36m" + label + "\x1b[0m"
		}
	}
	_, err := fmt.Fprintf(os.Stderr, "[%s] %s %s: %s%s\n",
		a.RaisedAt.Format(time.RFC3339), label, a.Source, a.Message,
		formatContext(a.Context))
	return err
}

// fileChannel appends to a dated alert file under the alert directory.
type fileChannel struct {
	mu  sync.Mutex
	dir string
}

func newFileChannel(dir string) *fileChannel {
	return &fileChannel{dir: dir}
}

func (c *fileChannel) Name() string { return "file" }

func (c *fileChannel) Deliver(a Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	name := fmt.Sprintf("alerts-%s.log", a.RaisedAt.Format("20060102"))
	f, err := os.OpenFile(filepath.Join(c.dir, name),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = fmt.Fprintf(f, "%s %s %s %s%s\n",
		a.RaisedAt.Format(time.RFC3339), a.Severity, a.Source, a.Message,
		formatContext(a.Context))
	return err
}
