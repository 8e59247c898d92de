// +build linux

// Package logger wraps UNIX syslog for THP's transport/channel/session
// layers, so the same severity-keyed API also compiles (as a stderr
// fallback) on platforms with no syslog, per logger_windows.go. The
// stdlib's log/syslog is frozen and has no Windows implementation, hence
// the build-tagged pair rather than a single cross-platform file.
package logger

import (
	sl "log/syslog"
)

// Priority is the syslog priority (facility | severity).
type Priority = sl.Priority

// Writer is the underlying syslog connection.
type Writer = sl.Writer

// nolint: golint
const (
	// Severity, from /usr/include/sys/syslog.h (same across Linux/BSD/OSX).
	LOG_EMERG Priority = iota
	LOG_ALERT
	LOG_CRIT
	LOG_ERR
	LOG_WARNING
	LOG_NOTICE
	LOG_INFO
	LOG_DEBUG
)

// nolint: golint
const (
	// Facility, from /usr/include/sys/syslog.h (same up to LOG_FTP across
	// Linux/BSD/OSX). thphost and thpdevice both open under LOG_USER.
	LOG_KERN Priority = iota << 3
	LOG_USER
	LOG_MAIL
	LOG_DAEMON
	LOG_AUTH
	LOG_SYSLOG
	LOG_LPR
	LOG_NEWS
	LOG_UUCP
	LOG_CRON
	LOG_AUTHPRIV
	LOG_FTP
	_ // unused
	_ // unused
	_ // unused
	_ // unused
	LOG_LOCAL0
	LOG_LOCAL1
	LOG_LOCAL2
	LOG_LOCAL3
	LOG_LOCAL4
	LOG_LOCAL5
	LOG_LOCAL6
	LOG_LOCAL7
)

// conn is the process-wide syslog connection opened by New, or nil until a
// demo binary calls it, in which case every Log* function is a silent
// no-op so thp's own packages can log unconditionally.
var conn *sl.Writer

// New opens the syslog connection at the given facility|severity mask
// under tag and arms the package-level Log* functions to write through it.
func New(flags Priority, tag string) (w *Writer, e error) {
	w, e = sl.New(flags, tag)
	conn = w
	return w, e
}

// LogClose closes the syslog connection opened by New.
func LogClose() error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Alert writes s at LOG_ALERT.
func Alert(s string) error { return writeAt(LOG_ALERT, s) }

// LogCrit writes s at LOG_CRIT.
func LogCrit(s string) error { return writeAt(LOG_CRIT, s) }

// LogDebug writes s at LOG_DEBUG.
func LogDebug(s string) error { return writeAt(LOG_DEBUG, s) }

// LogEmerg writes s at LOG_EMERG.
func LogEmerg(s string) error { return writeAt(LOG_EMERG, s) }

// LogErr writes s at LOG_ERR.
func LogErr(s string) error { return writeAt(LOG_ERR, s) }

// LogInfo writes s at LOG_INFO.
func LogInfo(s string) error { return writeAt(LOG_INFO, s) }

// LogNotice writes s at LOG_NOTICE.
func LogNotice(s string) error { return writeAt(LOG_NOTICE, s) }

// LogWarning writes s at LOG_WARNING.
func LogWarning(s string) error { return writeAt(LOG_WARNING, s) }

// LogWrite writes b through the syslog connection at its default level,
// so the connection itself can double as an io.Writer.
func LogWrite(b []byte) (int, error) {
	if conn == nil {
		return len(b), nil
	}
	return conn.Write(b)
}

// writeAt dispatches to the *syslog.Writer method matching priority, since
// the stdlib exposes one method per severity rather than a single
// Write(priority, string).
func writeAt(priority Priority, s string) error {
	if conn == nil {
		return nil
	}
	switch priority {
	case LOG_EMERG:
		return conn.Emerg(s)
	case LOG_ALERT:
		return conn.Alert(s)
	case LOG_CRIT:
		return conn.Crit(s)
	case LOG_ERR:
		return conn.Err(s)
	case LOG_WARNING:
		return conn.Warning(s)
	case LOG_NOTICE:
		return conn.Notice(s)
	case LOG_INFO:
		return conn.Info(s)
	default:
		return conn.Debug(s)
	}
}
