package logger

import (
	"fmt"
	"strings"
)

// Fields is a set of key=value pairs appended to a log line (in map
// iteration order, so their order on the line is not fixed), for
// callers that want cid=/sid=-style structured context without pulling in
// a structured-logging dependency the rest of the syslog wrapper doesn't
// use elsewhere.
type Fields map[string]interface{}

// Fieldf formats msg followed by fields rendered as "key=value" pairs, in
// map iteration order, and writes it at LOG_DEBUG via LogDebug. THP's
// transport/channel/session layers tag nearly every log line with a
// channel id and/or session id, which the teacher's bare LogDebug(string)
// has no helper for.
func Fieldf(msg string, fields Fields) error {
	return LogDebug(render(msg, fields))
}

// InfoFieldf is Fieldf at LOG_INFO.
func InfoFieldf(msg string, fields Fields) error {
	return LogInfo(render(msg, fields))
}

// ErrFieldf is Fieldf at LOG_ERR.
func ErrFieldf(msg string, fields Fields) error {
	return LogErr(render(msg, fields))
}

func render(msg string, fields Fields) string {
	if len(fields) == 0 {
		return msg
	}
	var b strings.Builder
	b.WriteString(msg)
	for k, v := range fields {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprintf(&b, "%v", v)
	}
	return b.String()
}
