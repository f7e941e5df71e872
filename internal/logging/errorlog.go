package logging

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// ErrorLog is an append-only plain-text file of warnings and errors that
// operators can tail without parsing JSON.
type ErrorLog struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// OpenErrorLog checks that path is writable and returns a log appending to it.
func OpenErrorLog(path string) (*ErrorLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open error log: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close error log: %w", err)
	}
	return &ErrorLog{path: path, now: time.Now}, nil
}

func (l *ErrorLog) Path() string { return l.path }

// Write appends a line in the form "[2006-01-02 15:04:05] ERROR: msg".
func (l *ErrorLog) Write(level LogLevel, msg string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	line := fmt.Sprintf("[%s] %s: %s\n", l.now().UTC().Format("2006-01-02 15:04:05"), strings.ToUpper(string(level)), msg)
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Tail returns up to n of the most recent lines of the error log at path.
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines, sc.Err()
}

// Truncate empties the error log at path.
func Truncate(path string) error {
	return os.Truncate(path, 0)
}
