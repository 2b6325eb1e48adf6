package chunking

import (
	"encoding/json"
	"strings"
)

// Content types.
const (
	TypeAuto = "auto"
	TypeHTML = "html"
	TypeJSON = "json"
	TypeCode = "code"
	TypeText = "text"
)

var codeLineStarts = []string{
	"def ", "class ", "import ", "from ", "function ", "public class",
	"const ", "var ", "let ", "func ", "fn ", "#include", "package ",
	"using namespace", "type ",
}

// DetectContentType classifies content as html, json, code or text.
// Code needs at least two lines that open with a definition or import
// keyword, so prose that merely mentions a class is still text.
func DetectContentType(content string) string {
	trimmed := strings.TrimSpace(content)
	lower := strings.ToLower(trimmed)

	if strings.HasPrefix(lower, "<!doctype html") || strings.HasPrefix(lower, "<html") ||
		(strings.Contains(lower, "<head>") && strings.Contains(lower, "</head>")) ||
		(strings.Contains(lower, "<body") && strings.Contains(lower, "</body>")) {
		return TypeHTML
	}

	if (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
		if json.Valid([]byte(trimmed)) {
			return TypeJSON
		}
	}

	hits := 0
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimLeft(line, " \t")
		for _, kw := range codeLineStarts {
			if strings.HasPrefix(line, kw) {
				hits++
				break
			}
		}
		if hits >= 2 {
			return TypeCode
		}
	}
	return TypeText
}
