// Package logger provides the severity-gated logger used throughout
// awdshells. Every entry is always written to the run's log file; only the
// terminal display is gated by a configured minimum level, matching the
// behavior of the original tool's logger (level controls what the operator
// sees, not what gets recorded).
package logger

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Level is a display severity. Raw carries no timestamp or bracket, and
// None suppresses terminal display entirely while file logging continues.
type Level int

const (
	// Raw writes the message verbatim, with no timestamp, bracket or color.
	// Used for echoing remote shell output.
	Raw Level = iota - 1
	// Success marks a message as a positive outcome (green on a terminal).
	Success
	// Message is routine informational output (blue on a terminal).
	Message
	// Warning marks a recoverable problem (yellow on a terminal).
	Warning
	// Error marks a failure (red on a terminal).
	Error
	// None never displays on the terminal, regardless of the configured
	// minimum level; it is reserved for Logger.SetLevel(None) to silence
	// terminal output entirely while the file sink keeps recording.
	None
)

// String returns the bracketed label used as a line prefix, e.g. "[SUCCESS]".
func (l Level) String() string {
	switch l {
	case Raw:
		return ""
	case Success:
		return "[SUCCESS]"
	case Message:
		return "[MESSAGE]"
	case Warning:
		return "[WARNING]"
	case Error:
		return "[ERROR]"
	default:
		return "[UNKNOWN]"
	}
}

// ANSI color escapes matching the severities above. Reset restores the
// default terminal color after a colored segment.
const (
	ansiSuccess = "\033[32m"
	ansiMessage = "\033[34m"
	ansiWarning = "\033[33m"
	ansiError   = "\033[31m"
	ansiReset   = "\033[0m"
)

func (l Level) ansiColor() string {
	switch l {
	case Success:
		return ansiSuccess
	case Message:
		return ansiMessage
	case Warning:
		return ansiWarning
	case Error:
		return ansiError
	default:
		return ""
	}
}

// Logger is the logging surface used by every awdshells package. Raw,
// Success, Message, Warning and Error each format a message and route it
// through Log at the matching severity; Log is the single place that decides
// where a formatted line goes.
type Logger interface {
	// Log writes msg at the given severity: always to the file sink, and to
	// the terminal sink only if level is at or above the configured minimum
	// display level.
	Log(level Level, msg string)

	Raw(format string, args ...any)
	Success(format string, args ...any)
	Message(format string, args ...any)
	Warning(format string, args ...any)
	Error(format string, args ...any)

	// SetLevel changes the minimum severity displayed on the terminal. It
	// does not affect what is written to the file sink.
	SetLevel(level Level)

	// FilePath returns the path of the log file this logger writes to.
	FilePath() string

	// Close flushes and closes the underlying file sink.
	Close() error
}

// fileLogger is the implementation of Logger backing both sinks with the
// same line format: a timestamp, the bracketed severity, and the message,
// with ANSI color always applied to the file sink and applied to the
// terminal sink only when it is a real terminal.
type fileLogger struct {
	mu          sync.Mutex
	displayMin  Level
	file        *os.File
	filePath    string
	term        io.Writer
	termColored bool
}

// New creates a Logger that writes every entry to a new file at path
// (created, not appended — one file per process run) and displays entries at
// or above minDisplay on stderr. Color is enabled automatically when stderr
// is a real terminal, using go-isatty to detect it and go-colorable to make
// ANSI sequences work on Windows consoles too.
func New(path string, minDisplay Level) (Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}

	term := colorable.NewColorableStderr()
	termColored := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	return &fileLogger{
		displayMin:  minDisplay,
		file:        f,
		filePath:    path,
		term:        term,
		termColored: termColored,
	}, nil
}

func (l *fileLogger) Log(level Level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writeFile(level, msg)
	if level == None {
		return
	}
	if level >= l.displayMin {
		l.writeTerm(level, msg)
	}
}

// writeFile and writeTerm share formatLine so the file always carries the
// same plain, line-oriented, ANSI-colored text the terminal shows, per
// spec.md §6; the file is always colored, the terminal only when it is a
// real terminal.
func (l *fileLogger) writeFile(level Level, msg string) {
	fmt.Fprintln(l.file, formatLine(level, msg, true))
}

func (l *fileLogger) writeTerm(level Level, msg string) {
	fmt.Fprintln(l.term, formatLine(level, msg, l.termColored))
}

// formatLine renders a single log line: Raw passes msg through verbatim,
// everything else gets a timestamp and bracketed severity prefix, colored
// with the severity's ANSI escape when colored is true.
func formatLine(level Level, msg string, colored bool) string {
	if level == Raw {
		return msg
	}

	line := fmt.Sprintf("%s %s %s", time.Now().Format("2006-01-02 15:04:05"), level.String(), msg)
	if colored {
		if color := level.ansiColor(); color != "" {
			line = color + line + ansiReset
		}
	}
	return line
}

func (l *fileLogger) Raw(format string, args ...any)     { l.Log(Raw, fmt.Sprintf(format, args...)) }
func (l *fileLogger) Success(format string, args ...any) { l.Log(Success, fmt.Sprintf(format, args...)) }
func (l *fileLogger) Message(format string, args ...any) { l.Log(Message, fmt.Sprintf(format, args...)) }
func (l *fileLogger) Warning(format string, args ...any) { l.Log(Warning, fmt.Sprintf(format, args...)) }
func (l *fileLogger) Error(format string, args ...any)   { l.Log(Error, fmt.Sprintf(format, args...)) }

func (l *fileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.displayMin = level
}

func (l *fileLogger) FilePath() string {
	return l.filePath
}

func (l *fileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// ParseLevel converts a CLI-facing level name (as accepted by --level) into a
// Level. It mirrors the original tool's accepted set: raw, success, message,
// warning, error, none.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "raw":
		return Raw, nil
	case "success":
		return Success, nil
	case "message":
		return Message, nil
	case "warning":
		return Warning, nil
	case "error":
		return Error, nil
	case "none":
		return None, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}
