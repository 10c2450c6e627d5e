// Package lalog provides the component-tagged, rate-limited logging used
// throughout this module, in the shape HouzuoGuo-laitos' own lalog package
// uses for every daemon.
package lalog

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

const (
	// MaxLogMessageLen caps the length of a single formatted log line.
	MaxLogMessageLen = 4096
	// ringSize is the number of most recent log lines kept in memory for inspection.
	ringSize = 512
)

// IDField is one key-value pair contributing to a Logger's ComponentID, so a
// log line carries a clue about which component instance produced it.
type IDField struct {
	Key   string
	Value interface{}
}

// Logger writes regularly-formatted log messages and keeps the latest ones
// in memory. The zero value is ready to use.
type Logger struct {
	ComponentName string
	ComponentID   []IDField

	initOnce sync.Once
	limit    *rateGate
}

func (logger *Logger) initialise() {
	logger.initOnce.Do(func() {
		logger.limit = newRateGate(200, 10)
	})
}

func (logger *Logger) componentIDString() string {
	if len(logger.ComponentID) == 0 {
		return ""
	}
	var buf bytes.Buffer
	buf.WriteRune('[')
	for i, field := range logger.ComponentID {
		buf.WriteString(fmt.Sprintf("%s=%v", field.Key, field.Value))
		if i < len(logger.ComponentID)-1 {
			buf.WriteRune(';')
		}
	}
	buf.WriteRune(']')
	return buf.String()
}

// Format renders a log line without printing it.
func (logger *Logger) Format(funcName string, actor interface{}, err error, template string, values ...interface{}) string {
	var msg bytes.Buffer
	if logger.ComponentName != "" {
		msg.WriteString(logger.ComponentName)
	}
	msg.WriteString(logger.componentIDString())
	if funcName != "" {
		if msg.Len() > 0 {
			msg.WriteRune('.')
		}
		msg.WriteString(funcName)
	}
	if actor != nil && actor != "" {
		msg.WriteString(fmt.Sprintf("(%v)", actor))
	}
	if msg.Len() > 0 {
		msg.WriteString(": ")
	}
	if err != nil {
		msg.WriteString(fmt.Sprintf("error %q", err.Error()))
		if template != "" {
			msg.WriteString(" - ")
		}
	}
	msg.WriteString(fmt.Sprintf(template, values...))
	out := msg.String()
	if len(out) > MaxLogMessageLen {
		out = out[:MaxLogMessageLen]
	}
	return out
}

func (logger *Logger) emit(msg string) {
	stamped := time.Now().Format("2006-01-02 15:04:05 ") + msg
	log.Print(msg)
	pushLatest(stamped)
}

// Info prints an informational message and keeps it in the ring buffer.
func (logger *Logger) Info(actor interface{}, err error, template string, values ...interface{}) {
	logger.initialise()
	if err != nil {
		logger.Warning(actor, err, template, values...)
		return
	}
	if !logger.limit.allow() {
		return
	}
	logger.emit(logger.Format("", actor, nil, template, values...))
}

// Warning prints a warning-level message, i.e. one that comes with an error
// or otherwise deserves operator attention.
func (logger *Logger) Warning(actor interface{}, err error, template string, values ...interface{}) {
	logger.initialise()
	if !logger.limit.allow() {
		return
	}
	logger.emit(logger.Format("", actor, err, template, values...))
}

// Panic logs and then panics. Reserved for programmer errors such as missing
// mandatory configuration.
func (logger *Logger) Panic(actor interface{}, err error, template string, values ...interface{}) {
	log.Panic(logger.Format("", actor, err, template, values...))
}

// Abort logs and then terminates the process. Reserved for conditions from
// which the process cannot safely continue, such as a failed privilege
// restoration after local delivery (spec.md §7).
func (logger *Logger) Abort(actor interface{}, err error, template string, values ...interface{}) {
	log.Fatal(logger.Format("", actor, err, template, values...))
}

// MaybeMinorError logs err as informational, unless it is nil or looks like
// an ordinary connection teardown, in which case it is silently dropped.
func (logger *Logger) MaybeMinorError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	if containsAny(msg, "closed", "broken", "EOF") {
		return
	}
	logger.Info("", err, "minor error")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if len(sub) <= len(s) {
			for i := 0; i+len(sub) <= len(s); i++ {
				if s[i:i+len(sub)] == sub {
					return true
				}
			}
		}
	}
	return false
}

// DefaultLogger is used where acquiring a dedicated Logger isn't worth it.
var DefaultLogger = &Logger{ComponentName: "default", ComponentID: []IDField{{Key: "pid", Value: os.Getpid()}}}

var (
	ringMutex sync.Mutex
	ring      []string
)

func pushLatest(line string) {
	ringMutex.Lock()
	defer ringMutex.Unlock()
	ring = append(ring, line)
	if len(ring) > ringSize {
		ring = ring[len(ring)-ringSize:]
	}
}

// LatestLogs returns a copy of the most recently emitted log lines, oldest first.
func LatestLogs() []string {
	ringMutex.Lock()
	defer ringMutex.Unlock()
	out := make([]string, len(ring))
	copy(out, ring)
	return out
}
