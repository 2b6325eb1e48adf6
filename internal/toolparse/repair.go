package toolparse

import (
	"regexp"
	"strings"
)

var (
	fenceRE    = regexp.MustCompile("(?s)```[A-Za-z_]*[ \t]*\\n?(.*?)(?:```|$)")
	toolTagRE  = regexp.MustCompile(`(?s)<tool_call>(.*?)(?:</tool_call>|$)`)
	trailingRE = regexp.MustCompile(`,\s*([}\]])`)
)

// regions returns the parts of text worth scanning for JSON: fenced
// code blocks and <tool_call> tags when present, otherwise the whole
// text. An unterminated fence runs to the end of the text.
func regions(text string) []string {
	var out []string
	for _, m := range fenceRE.FindAllStringSubmatch(text, -1) {
		if s := strings.TrimSpace(m[1]); s != "" {
			out = append(out, s)
		}
	}
	for _, m := range toolTagRE.FindAllStringSubmatch(text, -1) {
		if s := strings.TrimSpace(m[1]); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = append(out, text)
	}
	return out
}

// span is a half-open byte range of a JSON-looking value in its source.
type span struct{ start, end int }

// scanValues finds top-level JSON objects, and arrays that open with an
// object, in s. A value left open at the end of s extends to the end so
// repair can close it.
func scanValues(s string) []span {
	var out []span
	for i := 0; i < len(s); {
		switch s[i] {
		case '{':
		case '[':
			if !arrayOfObjects(s[i+1:]) {
				i++
				continue
			}
		default:
			i++
			continue
		}
		end := matchClose(s, i)
		out = append(out, span{i, end})
		i = end
	}
	return out
}

func arrayOfObjects(rest string) bool {
	rest = strings.TrimLeft(rest, " \t\r\n")
	return strings.HasPrefix(rest, "{")
}

// matchClose returns the index just past the bracket that closes the one
// at s[start], or len(s) when it never closes.
func matchClose(s string, start int) int {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				return i + 1
			}
		}
	}
	return len(s)
}

// repair fixes the malformations models commonly produce: single-quoted
// JSON, trailing commas, and values cut off before their closing quote
// or brackets.
func repair(candidate string) string {
	s := strings.TrimSpace(candidate)
	if !strings.Contains(s, `"`) && strings.Contains(s, "'") {
		s = strings.ReplaceAll(s, "'", `"`)
	}

	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	var b strings.Builder
	b.WriteString(s)
	if inString {
		if escaped {
			b.WriteByte('\\')
		}
		b.WriteByte('"')
	}
	closed := strings.TrimRight(b.String(), " \t\r\n,")
	b.Reset()
	b.WriteString(closed)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return trailingRE.ReplaceAllString(b.String(), "$1")
}
