// Package notify carries transient user notifications (toasts).
package notify

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelError   Level = "error"
	LevelInfo    Level = "info"
)

// Action is an affordance attached to a toast, e.g. Retry or Undo.
type Action struct {
	Label string
	Run   func()
}

type Toast struct {
	Level       Level
	Message     string
	Description string
	Action      *Action
	At          time.Time
}

type Notifier interface {
	Notify(t Toast)
}

func Success(msg string) Toast { return Toast{Level: LevelSuccess, Message: msg} }

func Info(msg string) Toast { return Toast{Level: LevelInfo, Message: msg} }

// Error builds an error toast. retry may be nil.
func Error(msg, desc string, retry func()) Toast {
	t := Toast{Level: LevelError, Message: msg, Description: desc}
	if retry != nil {
		t.Action = &Action{Label: "Retry", Run: retry}
	}
	return t
}

// Multi fans a toast out to several notifiers.
type Multi []Notifier

func (m Multi) Notify(t Toast) {
	for _, n := range m {
		if n != nil {
			n.Notify(t)
		}
	}
}

// Log writes toasts to a zap logger.
type Log struct {
	L *zap.Logger
}

func (l Log) Notify(t Toast) {
	if l.L == nil {
		return
	}
	fields := []zap.Field{zap.String("level", string(t.Level))}
	if t.Description != "" {
		fields = append(fields, zap.String("description", t.Description))
	}
	if t.Action != nil {
		fields = append(fields, zap.String("action", t.Action.Label))
	}
	if t.Level == LevelError {
		l.L.Warn(t.Message, fields...)
		return
	}
	l.L.Info(t.Message, fields...)
}

// Console prints toasts as styled single lines.
type Console struct {
	W io.Writer

	mu sync.Mutex
}

var (
	successStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
	errorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
	infoStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("33"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
)

func (c *Console) Notify(t Toast) {
	if c == nil || c.W == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.W, Format(t))
}

// Format renders a toast the way Console prints it.
func Format(t Toast) string {
	style := infoStyle
	switch t.Level {
	case LevelSuccess:
		style = successStyle
	case LevelError:
		style = errorStyle
	}
	line := style.Render(t.Message)
	if t.Description != "" {
		line += " " + mutedStyle.Render(t.Description)
	}
	if t.Action != nil {
		line += " " + mutedStyle.Render("["+t.Action.Label+"]")
	}
	return line
}

// Recorder keeps every toast in memory. The CLI uses it to find the last
// Retry action; tests use it to assert on notifications.
type Recorder struct {
	mu     sync.Mutex
	toasts []Toast
	Now    func() time.Time
}

func (r *Recorder) Notify(t Toast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.At.IsZero() {
		if r.Now != nil {
			t.At = r.Now()
		} else {
			t.At = time.Now()
		}
	}
	r.toasts = append(r.toasts, t)
}

func (r *Recorder) Toasts() []Toast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Toast(nil), r.toasts...)
}

// Last returns the most recent toast, if any.
func (r *Recorder) Last() (Toast, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.toasts) == 0 {
		return Toast{}, false
	}
	return r.toasts[len(r.toasts)-1], true
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.toasts = nil
	r.mu.Unlock()
}
