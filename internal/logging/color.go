package logging

import (
	"io"
	"net"
	"strconv"
	"strings"
)

const (
	ansiReset   = "\x1b[0m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
	ansiGray    = "\x1b[90m"
)

// colorLineWriter highlights slog text lines for interactive consoles.
// Params: dst is the terminal writer.
// Returns: io.Writer that colors level, quoted strings, IPs, and numbers.
type colorLineWriter struct {
	dst io.Writer
}

// Write colors one slog text line; lines without a known level pass through.
// Params: p one formatted log line.
// Returns: len(p) and destination write error.
func (w *colorLineWriter) Write(p []byte) (int, error) {
	line := string(p)
	body := strings.TrimSuffix(line, "\n")

	base, ok := levelColor(body)
	if !ok {
		if _, err := w.dst.Write(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	var out strings.Builder
	out.Grow(len(line) + 64)
	out.WriteString(base)
	writeTokens(&out, body, base)
	out.WriteString(ansiReset)
	if len(body) != len(line) {
		out.WriteByte('\n')
	}

	if _, err := io.WriteString(w.dst, out.String()); err != nil {
		return 0, err
	}
	return len(p), nil
}

// levelColor picks line base color from the level attribute.
// Params: line is one text-handler line.
// Returns: ANSI color and false when level is missing or unknown.
func levelColor(line string) (string, bool) {
	_, rest, found := strings.Cut(line, "level=")
	if !found {
		return "", false
	}
	level, _, _ := strings.Cut(rest, " ")
	switch {
	case strings.HasPrefix(level, "DEBUG"):
		return ansiGray, true
	case strings.HasPrefix(level, "INFO"):
		return ansiBlue, true
	case strings.HasPrefix(level, "WARN"):
		return ansiMagenta, true
	case strings.HasPrefix(level, "ERROR"):
		return ansiRed, true
	default:
		return "", false
	}
}

// writeTokens copies line into out, coloring attribute values.
// Params: out target builder; line source text; base color restored after each token.
// Returns: none.
func writeTokens(out *strings.Builder, line, base string) {
	for len(line) > 0 {
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			out.WriteString(line)
			return
		}
		out.WriteString(line[:eq+1])
		line = line[eq+1:]

		var value string
		if strings.HasPrefix(line, `"`) {
			end := closingQuote(line)
			value, line = line[:end], line[end:]
			out.WriteString(ansiGreen + value + ansiReset + base)
			continue
		}

		end := strings.IndexByte(line, ' ')
		if end < 0 {
			end = len(line)
		}
		value, line = line[:end], line[end:]

		switch {
		case net.ParseIP(value) != nil:
			out.WriteString(ansiCyan + value + ansiReset + base)
		case isNumber(value):
			out.WriteString(ansiYellow + value + ansiReset + base)
		default:
			out.WriteString(value)
		}
	}
}

// closingQuote finds the end of a quoted value including the closing quote.
// Params: s starts with a double quote.
// Returns: index just past the closing quote, or len(s) when unterminated.
func closingQuote(s string) int {
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case '"':
			return i + 1
		}
	}
	return len(s)
}

func isNumber(value string) bool {
	if value == "" {
		return false
	}
	_, err := strconv.ParseFloat(value, 64)
	return err == nil
}
