// Package logging builds the slog loggers used across cellar and the
// action/status telemetry records emitted by the scheduler and analyses.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Mode controls the handler style used when constructing a logger.
type Mode int

const (
	// ModeCLI renders log records in a terse text-oriented format.
	ModeCLI Mode = iota
	// ModeJSON renders log records as JSON.
	ModeJSON
)

// New constructs a logger targeting the provided writer using the requested mode.
// If level is nil, slog.LevelInfo is used.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	if level == nil {
		level = slog.LevelInfo
	}

	switch mode {
	case ModeJSON:
		handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level,
		})
		return slog.New(handler)
	default:
		handler := newCLIHandler(w, level)
		return slog.New(handler)
	}
}

// NewCLI constructs a logger that emits human-readable records suitable for CLI use.
func NewCLI(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeCLI, w, level)
}

// NewJSON constructs a logger that emits structured JSON records.
func NewJSON(w io.Writer, level slog.Leveler) *slog.Logger {
	return New(ModeJSON, w, level)
}

// ParseMode maps a --log-format value onto a Mode.
func ParseMode(value string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "cli", "text":
		return ModeCLI, nil
	case "json":
		return ModeJSON, nil
	default:
		return ModeCLI, fmt.Errorf("unknown log format %q", value)
	}
}

// ParseLevel maps a --log-level value onto a slog level.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// Component returns logger tagged with the given component name.
func Component(logger *slog.Logger, name string) *slog.Logger {
	return Ensure(logger).With("component", name)
}

// Event emits a telemetry record carrying an action and its status, e.g.
// action=vm.start status=pending. Additional key/value pairs follow.
func Event(logger *slog.Logger, level slog.Level, msg, action, status string, args ...any) {
	logger = Ensure(logger)
	if !logger.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]any, 0, len(args)+4)
	attrs = append(attrs, "action", action, "status", status)
	attrs = append(attrs, args...)
	logger.Log(context.Background(), level, msg, attrs...)
}

// cliHandler writes one line per record:
//
//	LEVEL 2006-01-02T15:04:05Z | component | message [action:status] key=value ...
//
// The component and the action/status pair are taken out of the attributes.
type cliHandler struct {
	writer io.Writer
	level  slog.Leveler
	// mu is shared by every handler derived through WithAttrs/WithGroup.
	mu *sync.Mutex

	component string
	attrs     []slog.Attr
	groups    []string
}

func newCLIHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return &cliHandler{writer: w, level: level, mu: &sync.Mutex{}}
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	var action, status string
	var rest strings.Builder
	h.appendAttrs(&rest, h.groups, h.attrs)
	record.Attrs(func(attr slog.Attr) bool {
		if len(h.groups) == 0 {
			switch attr.Key {
			case "action":
				action = attr.Value.String()
				return true
			case "status":
				status = attr.Value.String()
				return true
			}
		}
		h.appendAttr(&rest, h.groups, attr)
		return true
	})

	var line strings.Builder
	line.WriteString(strings.ToUpper(record.Level.String()))
	line.WriteByte(' ')
	line.WriteString(timestamp.UTC().Format(time.RFC3339))
	line.WriteString(" | ")
	if h.component != "" {
		line.WriteString(h.component)
		line.WriteString(" | ")
	}
	line.WriteString(record.Message)
	if action != "" {
		line.WriteString(" [")
		line.WriteString(action)
		if status != "" {
			line.WriteByte(':')
			line.WriteString(status)
		}
		line.WriteByte(']')
	} else if status != "" {
		line.WriteString(" status=")
		line.WriteString(status)
	}
	line.WriteString(rest.String())
	line.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, line.String())
	return err
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := h.clone()
	for _, attr := range attrs {
		if attr.Key == "component" && len(h.groups) == 0 {
			clone.component = attr.Value.String()
			continue
		}
		clone.attrs = append(clone.attrs, attr)
	}
	return clone
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := h.clone()
	clone.groups = append(clone.groups, name)
	return clone
}

func (h *cliHandler) clone() *cliHandler {
	return &cliHandler{
		writer:    h.writer,
		level:     h.level,
		mu:        h.mu,
		component: h.component,
		attrs:     append([]slog.Attr(nil), h.attrs...),
		groups:    append([]string(nil), h.groups...),
	}
}

func (h *cliHandler) appendAttrs(builder *strings.Builder, groups []string, attrs []slog.Attr) {
	for _, attr := range attrs {
		h.appendAttr(builder, groups, attr)
	}
}

func (h *cliHandler) appendAttr(builder *strings.Builder, groups []string, attr slog.Attr) {
	value := attr.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		nested := append(append([]string(nil), groups...), attr.Key)
		for _, inner := range value.Group() {
			h.appendAttr(builder, nested, inner)
		}
		return
	}
	if attr.Equal(slog.Attr{}) {
		return
	}

	key := attr.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}
	builder.WriteByte(' ')
	builder.WriteString(key)
	builder.WriteByte('=')
	builder.WriteString(formatValue(value))
}

func formatValue(value slog.Value) string {
	switch value.Kind() {
	case slog.KindString:
		return quoteIfNeeded(value.String())
	case slog.KindFloat64:
		return strconv.FormatFloat(value.Float64(), 'f', -1, 64)
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return quoteIfNeeded(err.Error())
		}
		return fmt.Sprint(value.Any())
	default:
		return value.String()
	}
}

func quoteIfNeeded(text string) string {
	if text == "" || strings.ContainsAny(text, " \t\n\"=") {
		return strconv.Quote(text)
	}
	return text
}
