package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

type ctxKey string

const (
	requestIDKey ctxKey = "logging_request_id"

	// RedactedPlaceholder replaces registered secrets in log output.
	RedactedPlaceholder = "********"

	minSecretLen = 4
)

// Config controls logger initialization.
type Config struct {
	Format    string    // "json", "console", or "auto"
	Level     string    // "debug", "info", "warn", "error"
	Component string    // optional component name
	Output    io.Writer // defaults to stderr
}

var (
	mu            sync.RWMutex
	baseLogger    zerolog.Logger
	baseWriter    io.Writer = os.Stderr
	baseComponent string

	secretsMu sync.RWMutex
	secrets   []string

	defaultTimeFmt = time.RFC3339
)

var isTerminalFn = term.IsTerminal

func init() {
	baseLogger = zerolog.New(&redactingWriter{out: baseWriter}).With().Timestamp().Logger()
	log.Logger = baseLogger
}

// Init configures zerolog globals and establishes the package baseline logger.
// Every writer is wrapped so that registered secrets never reach the output.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	writer := &redactingWriter{out: selectWriter(cfg.Format, out)}

	component := strings.TrimSpace(cfg.Component)
	contextBuilder := zerolog.New(writer).With().Timestamp()
	if component != "" {
		contextBuilder = contextBuilder.Str("component", component)
	}

	baseLogger = contextBuilder.Logger()
	baseWriter = writer
	baseComponent = component
	log.Logger = baseLogger
	return baseLogger
}

// RegisterSecret adds a value that must be masked wherever it would be logged.
// Values shorter than four characters are ignored.
func RegisterSecret(values ...string) {
	secretsMu.Lock()
	defer secretsMu.Unlock()
	for _, v := range values {
		v = strings.TrimSpace(v)
		if len(v) < minSecretLen {
			continue
		}
		if containsString(secrets, v) {
			continue
		}
		secrets = append(secrets, v)
	}
	// Longest first so a secret that contains another is masked whole.
	sort.Slice(secrets, func(i, j int) bool { return len(secrets[i]) > len(secrets[j]) })
}

// ForgetSecrets clears the registered secret set.
func ForgetSecrets() {
	secretsMu.Lock()
	secrets = nil
	secretsMu.Unlock()
}

// Redact masks every registered secret and any extra values in s.
func Redact(s string, extra ...string) string {
	secretsMu.RLock()
	defer secretsMu.RUnlock()
	for _, v := range extra {
		if len(v) >= minSecretLen {
			s = strings.ReplaceAll(s, v, RedactedPlaceholder)
		}
	}
	for _, v := range secrets {
		s = strings.ReplaceAll(s, v, RedactedPlaceholder)
	}
	return s
}

type redactingWriter struct {
	out io.Writer
}

func (w *redactingWriter) Write(p []byte) (int, error) {
	secretsMu.RLock()
	masked := p
	for _, v := range secrets {
		if bytes.Contains(masked, []byte(v)) {
			masked = bytes.ReplaceAll(masked, []byte(v), []byte(RedactedPlaceholder))
		}
	}
	secretsMu.RUnlock()

	if _, err := w.out.Write(masked); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WithRequestID stores (or generates) a request ID on the context.
func WithRequestID(ctx context.Context, requestID string) (context.Context, string) {
	if ctx == nil {
		ctx = context.Background()
	}
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return context.WithValue(ctx, requestIDKey, requestID), requestID
}

// RequestID returns the request ID stored on ctx, if any.
func RequestID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext returns the base logger annotated with the request ID on ctx.
func FromContext(ctx context.Context) zerolog.Logger {
	mu.RLock()
	logger := baseLogger
	mu.RUnlock()
	if id := RequestID(ctx); id != "" {
		return logger.With().Str("request_id", id).Logger()
	}
	return logger
}

func parseLevel(level string) zerolog.Level {
	normalized := strings.ToLower(strings.TrimSpace(level))
	switch normalized {
	case "", "info":
		return zerolog.InfoLevel
	case "debug":
		return zerolog.DebugLevel
	case "trace":
		return zerolog.TraceLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid level %q; using %q\n", normalized, "info")
		return zerolog.InfoLevel
	}
}

func selectWriter(format string, out io.Writer) io.Writer {
	format = strings.ToLower(strings.TrimSpace(format))
	switch format {
	case "console":
		return newConsoleWriter(out)
	case "json":
		return out
	case "auto", "":
		if f, ok := out.(*os.File); ok && isTerminalFn(int(f.Fd())) {
			return newConsoleWriter(out)
		}
		return out
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid format %q; using %q\n", format, "json")
		return out
	}
}

func newConsoleWriter(out io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: defaultTimeFmt,
	}
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
