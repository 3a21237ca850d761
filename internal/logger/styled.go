package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/fennwick/sentinel-egress/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting methods for the
// handful of fields operators care about at a glance: source IPs, personas
// and circuit-breaker transitions.
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{logger: logger, theme: theme}
}

func (sl *StyledLogger) Debug(msg string, args ...any) { sl.logger.Debug(msg, args...) }
func (sl *StyledLogger) Info(msg string, args ...any)  { sl.logger.Info(msg, args...) }
func (sl *StyledLogger) Warn(msg string, args ...any)  { sl.logger.Warn(msg, args...) }
func (sl *StyledLogger) Error(msg string, args ...any) { sl.logger.Error(msg, args...) }

// InfoWithIP logs an info line with the source IP styled as a highlight.
func (sl *StyledLogger) InfoWithIP(msg string, ip string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Highlight}.Sprint(ip))
	sl.logger.Info(styledMsg, args...)
}

// WarnWithIP logs a warn line with the source IP styled as a highlight.
func (sl *StyledLogger) WarnWithIP(msg string, ip string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Highlight}.Sprint(ip))
	sl.logger.Warn(styledMsg, args...)
}

// InfoCircuitOpened logs a circuit trip, styled as danger.
func (sl *StyledLogger) InfoCircuitOpened(msg string, ip string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Danger}.Sprint(ip))
	sl.logger.Warn(styledMsg, args...)
}

// InfoCircuitClosed logs a circuit recovery, styled as good.
func (sl *StyledLogger) InfoCircuitClosed(msg string, ip string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Good}.Sprint(ip))
	sl.logger.Info(styledMsg, args...)
}

// InfoWithPersona logs an info line naming the assigned persona.
func (sl *StyledLogger) InfoWithPersona(msg string, persona string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, pterm.Style{sl.theme.Accent}.Sprint(persona))
	sl.logger.Info(styledMsg, args...)
}

// GetUnderlying returns the underlying slog.Logger for direct access.
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// WithAttrs creates a new StyledLogger with additional structured attributes.
func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}
	return &StyledLogger{logger: sl.logger.With(args...), theme: sl.theme}
}

// With creates a new StyledLogger with additional key-value pairs.
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{logger: sl.logger.With(args...), theme: sl.theme}
}

// NewWithTheme creates both a regular logger and a styled logger.
func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logger, appTheme)

	return logger, styledLogger, cleanup, nil
}
