package emily

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const loggerNameKey = "logger"

type contextKey string

const loggerContextKey contextKey = "logger"

// WithLogger attaches logger to ctx. A nil logger attaches slog.Default().
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns the logger attached by WithLogger, if any
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok && logger != nil
}

// contextLoggerOr prefers the context's logger, then fallback, then
// slog.Default()
func contextLoggerOr(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok {
		return logger
	}
	if fallback == nil {
		return slog.Default()
	}
	return fallback
}

func messageLogAttrs(m *discordgo.Message) []any {
	attrs := []any{"message_id", m.ID, "channel_id", m.ChannelID}
	if m.GuildID != "" {
		attrs = append(attrs, "guild_id", m.GuildID)
	}
	if m.Author != nil {
		attrs = append(attrs, "author_id", m.Author.ID, "author", m.Author.Username)
	}
	return attrs
}

func reactionLogAttrs(r *discordgo.MessageReaction) []any {
	attrs := []any{
		"message_id", r.MessageID,
		"channel_id", r.ChannelID,
		"user_id", r.UserID,
		"emoji", r.Emoji.Name,
	}
	if r.GuildID != "" {
		attrs = append(attrs, "guild_id", r.GuildID)
	}
	return attrs
}

// structToSlogValue renders a struct as a slog group keyed by json tag
// names. Fields tagged `log:"..."` log the tag text in place of their
// value, which is how secrets are redacted. Empty strings, nil pointers
// and empty collections are left out.
func structToSlogValue(v any) slog.Value {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return slog.AnyValue(nil)
		}
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return slog.AnyValue(nil)
	}
	if rv.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	rt := rv.Type()
	attrs := make([]slog.Attr, 0, rt.NumField())
	for i := range rt.NumField() {
		field := rt.Field(i)
		key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		switch key {
		case "-":
			continue
		case "":
			key = field.Name
		}
		if !field.IsExported() {
			continue
		}
		if override, ok := field.Tag.Lookup("log"); ok && override != "" {
			attrs = append(attrs, slog.String(key, override))
			continue
		}

		fv := rv.Field(i)
		if emptyLogField(fv) {
			continue
		}
		attrs = append(attrs, slog.Attr{Key: key, Value: structToSlogValue(fv.Interface())})
	}
	return slog.GroupValue(attrs...)
}

func emptyLogField(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer:
		return v.IsNil()
	case reflect.Map, reflect.Slice:
		return v.Len() == 0
	case reflect.String:
		return v.Len() == 0
	}
	return false
}

// newLogHandler builds the tint handler shared by component loggers
func newLogHandler(w io.Writer, level slog.Leveler) slog.Handler {
	return tint.NewHandler(w, &tint.Options{Level: level, AddSource: true})
}

// discordgoLoggerFunc adapts discordgo.Logger to slog. discordgo's
// messages are flattened onto one line.
func discordgoLoggerFunc(
	ctx context.Context,
	handler slog.Handler,
) func(msgL, caller int, format string, args ...any) {
	log := slog.New(handler).With(loggerNameKey, "discordgo")
	return func(msgL, _ int, format string, args ...any) {
		msg := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", "")
		log.LogAttrs(ctx, discordgoSlogLevel(msgL), msg)
	}
}

func discordgoSlogLevel(msgL int) slog.Level {
	switch msgL {
	case discordgo.LogDebug:
		return slog.LevelDebug
	case discordgo.LogWarning:
		return slog.LevelWarn
	case discordgo.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// discordgoLogLevel is the most verbose discordgo level whose messages
// would still be logged at lvl
func discordgoLogLevel(lvl slog.Level) int {
	switch {
	case lvl <= slog.LevelDebug:
		return discordgo.LogDebug
	case lvl <= slog.LevelInfo:
		return discordgo.LogInformational
	case lvl <= slog.LevelWarn:
		return discordgo.LogWarning
	default:
		return discordgo.LogError
	}
}

// DBLogLevel is a log level name stored in runtime_config. It round
// trips through the database and JSON as its upper-case name.
type DBLogLevel string

var (
	DBLogLevelDebug = DBLogLevel(slog.LevelDebug.String())
	DBLogLevelInfo  = DBLogLevel(slog.LevelInfo.String())
	DBLogLevelWarn  = DBLogLevel(slog.LevelWarn.String())
	DBLogLevelError = DBLogLevel(slog.LevelError.String())
)

var dbLogLevelNames = map[string]DBLogLevel{
	"DEBUG":   DBLogLevelDebug,
	"INFO":    DBLogLevelInfo,
	"WARN":    DBLogLevelWarn,
	"WARNING": DBLogLevelWarn,
	"ERROR":   DBLogLevelError,
}

var errUnknownLogLevel = errors.New("unknown log level")

func parseDBLogLevel(s string) (DBLogLevel, error) {
	lvl, ok := dbLogLevelNames[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", errUnknownLogLevel, s)
	}
	return lvl, nil
}

// Set parses s into l, rejecting unknown names
func (l *DBLogLevel) Set(s string) error {
	lvl, err := parseDBLogLevel(s)
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

func (l DBLogLevel) String() string {
	return string(l)
}

// Level maps l onto slog. Unrecognized names fall back to info.
func (l DBLogLevel) Level() slog.Level {
	lvl, err := parseDBLogLevel(string(l))
	if err != nil {
		slog.Default().Error("falling back to INFO", tint.Err(err))
		return slog.LevelInfo
	}
	var level slog.Level
	_ = level.UnmarshalText([]byte(lvl))
	return level
}

func (l *DBLogLevel) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return l.Set(v)
	case []byte:
		return l.Set(string(v))
	}
	return fmt.Errorf("cannot scan %T into DBLogLevel", value)
}

func (l DBLogLevel) Value() (driver.Value, error) {
	return string(l), nil
}

func (DBLogLevel) GormDataType() string {
	return "string"
}

func (l DBLogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(l))
}

func (l *DBLogLevel) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return l.Set(s)
}

// gormStructuredLogger sends gorm's logging through slog. Statements
// are logged at debug, slow ones at warn and failures at error.
type gormStructuredLogger struct {
	logger        *slog.Logger
	SlowThreshold time.Duration
}

var _ gormlogger.Interface = gormStructuredLogger{}

func newGORMLogger(handler slog.Handler, slowThreshold time.Duration) *gormStructuredLogger {
	return &gormStructuredLogger{
		logger:        slog.New(handler).With(loggerNameKey, "gorm"),
		SlowThreshold: slowThreshold,
	}
}

// LogMode returns g unchanged, the handler's leveler decides what's kept
func (g gormStructuredLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return g
}

func (g gormStructuredLogger) Info(ctx context.Context, format string, args ...any) {
	g.logger.InfoContext(ctx, fmt.Sprintf(format, args...))
}

func (g gormStructuredLogger) Warn(ctx context.Context, format string, args ...any) {
	g.logger.WarnContext(ctx, fmt.Sprintf(format, args...))
}

func (g gormStructuredLogger) Error(ctx context.Context, format string, args ...any) {
	g.logger.ErrorContext(ctx, fmt.Sprintf(format, args...))
}

func (g gormStructuredLogger) Trace(
	ctx context.Context,
	begin time.Time,
	fc func() (sql string, rowsAffected int64),
	err error,
) {
	elapsed := time.Since(begin)
	stmt, rows := fc()

	attrs := []slog.Attr{
		slog.Duration("elapsed", elapsed),
		slog.String("sql", stmt),
	}
	if rows >= 0 {
		attrs = append(attrs, slog.Int64("rows", rows))
	}

	level, msg := slog.LevelDebug, "sql completed"
	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		level, msg = slog.LevelError, "sql error"
		attrs = append(attrs, tint.Err(err))
	case g.SlowThreshold > 0 && elapsed > g.SlowThreshold:
		level, msg = slog.LevelWarn, "slow sql"
		attrs = append(attrs, slog.Duration("threshold", g.SlowThreshold))
	}
	g.logger.LogAttrs(ctx, level, msg, attrs...)
}
