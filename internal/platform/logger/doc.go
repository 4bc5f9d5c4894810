// Package logger configures the application's structured logging (slog)
// and provides helpers for carrying a scoped logger through contexts.
package logger
