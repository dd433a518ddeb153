// Package logger configures the process-wide structured logger (log/slog)
// and carries task- or operation-scoped loggers through context.Context.
package logger
