package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

// Mode controls the handler style used when constructing a logger.
type Mode int

const (
	// ModeCLI renders log records in a terse text-oriented format.
	ModeCLI Mode = iota
	// ModeJSON renders log records as JSON.
	ModeJSON
)

// ParseMode maps a flag value onto a Mode.
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

// ParseLevel maps a flag value onto a slog level.
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

// New constructs a logger targeting the provided writer using the requested mode.
// If level is nil, slog.LevelInfo is used.
func New(mode Mode, w io.Writer, level slog.Leveler) *slog.Logger {
	if w == nil {
		panic("logging: writer must not be nil")
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

// WithRequest scopes a logger to a single validation request.
func WithRequest(logger *slog.Logger, requestID string) *slog.Logger {
	return Ensure(logger).With("request_id", requestID)
}

// Ensure returns the provided logger or the process default if nil.
func Ensure(logger *slog.Logger) *slog.Logger {
	if logger != nil {
		return logger
	}
	return slog.Default()
}

// scopeKeys are lifted out of the attribute list into the line prefix so
// interleaved output from concurrent validations stays readable.
var scopeKeys = map[string]bool{"component": true, "request_id": true}

// cliHandler renders `LEVEL time scope | message key=value`. Attributes added
// through WithAttrs are formatted once and reused for every record.
type cliHandler struct {
	writer io.Writer
	level  slog.Leveler
	mu     *sync.Mutex

	component string
	requestID string
	prefix    string // group path applied to subsequent attributes
	preformat string
}

func newCLIHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return &cliHandler{
		writer: w,
		level:  level,
		mu:     &sync.Mutex{},
	}
}

func (h *cliHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= currentLevel(h.level)
}

func (h *cliHandler) Handle(_ context.Context, record slog.Record) error {
	timestamp := record.Time
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	scoped := *h
	var attrs strings.Builder
	attrs.WriteString(h.preformat)
	record.Attrs(func(attr slog.Attr) bool {
		scoped.appendAttr(&attrs, h.prefix, attr)
		return true
	})

	var builder strings.Builder
	builder.WriteString(colorizeLevel(record.Level, strings.ToUpper(record.Level.String())))
	builder.WriteByte(' ')
	builder.WriteString(timestamp.UTC().Format(time.RFC3339))
	if scope := scoped.scope(); scope != "" {
		builder.WriteByte(' ')
		builder.WriteString(scope)
	}
	builder.WriteString(" | ")
	builder.WriteString(record.Message)
	builder.WriteString(attrs.String())
	builder.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.writer, builder.String())
	return err
}

func (h *cliHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	var builder strings.Builder
	builder.WriteString(h.preformat)
	for _, attr := range attrs {
		clone.appendAttr(&builder, h.prefix, attr)
	}
	clone.preformat = builder.String()
	return &clone
}

func (h *cliHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

// scope renders component and a shortened request id, e.g. "runner/3f9c2a1b".
func (h *cliHandler) scope() string {
	id := h.requestID
	if len(id) > 8 {
		id = id[:8]
	}
	switch {
	case h.component != "" && id != "":
		return h.component + "/" + id
	case id != "":
		return id
	default:
		return h.component
	}
}

func (h *cliHandler) appendAttr(builder *strings.Builder, prefix string, attr slog.Attr) {
	value := resolveValue(attr.Value)
	if value.Kind() == slog.KindGroup {
		if attr.Key != "" {
			prefix += attr.Key + "."
		}
		for _, nested := range value.Group() {
			h.appendAttr(builder, prefix, nested)
		}
		return
	}
	if attr.Equal(slog.Attr{}) {
		return
	}
	if prefix == "" && scopeKeys[attr.Key] {
		if attr.Key == "component" {
			h.component = formatValue(value)
		} else {
			h.requestID = formatValue(value)
		}
		return
	}

	builder.WriteByte(' ')
	builder.WriteString(prefix)
	builder.WriteString(attr.Key)
	builder.WriteByte('=')
	formatted := formatValue(value)
	if strings.ContainsAny(formatted, " =\"") {
		formatted = strconv.Quote(formatted)
	}
	builder.WriteString(formatted)
}

func formatValue(value slog.Value) string {
	value = resolveValue(value)
	switch value.Kind() {
	case slog.KindString:
		return value.String()
	case slog.KindInt64:
		return strconv.FormatInt(value.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(value.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(value.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(value.Bool())
	case slog.KindDuration:
		return value.Duration().String()
	case slog.KindTime:
		return value.Time().UTC().Format(time.RFC3339)
	case slog.KindLogValuer:
		return "<logvaluer>"
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return err.Error()
		}
		return fmt.Sprint(value.Any())
	default:
		return value.String()
	}
}

var (
	debugLabel = color.New(color.FgHiBlack)
	infoLabel  = color.New(color.FgCyan)
	warnLabel  = color.New(color.FgYellow)
	errorLabel = color.New(color.FgRed, color.Bold)
)

// colorizeLevel is a no-op when color output is disabled (NO_COLOR, non-tty).
func colorizeLevel(level slog.Level, label string) string {
	if color.NoColor {
		return label
	}
	switch {
	case level >= slog.LevelError:
		return errorLabel.Sprint(label)
	case level >= slog.LevelWarn:
		return warnLabel.Sprint(label)
	case level >= slog.LevelInfo:
		return infoLabel.Sprint(label)
	default:
		return debugLabel.Sprint(label)
	}
}

func currentLevel(level slog.Leveler) slog.Level {
	if level == nil {
		return slog.LevelInfo
	}
	return level.Level()
}

func resolveValue(value slog.Value) slog.Value {
	for i := 0; i < 4; i++ {
		if value.Kind() != slog.KindLogValuer {
			return value
		}
		value = value.Resolve()
	}
	return value
}
