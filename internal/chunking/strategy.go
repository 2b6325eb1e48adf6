package chunking

import (
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/neurosnap/sentences"
	"github.com/neurosnap/sentences/english"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"golang.org/x/net/html"
)

// Strategy splits content into consecutive segments of at most the
// strategy's size. Splitting is lossless: the segments concatenate back
// to the input exactly. Overlap is added afterwards by the pipeline.
type Strategy interface {
	Name() string
	Split(content string) []string
}

// Strategy names.
const (
	StrategyFixed     = "fixed"
	StrategyRecursive = "recursive"
	StrategySemantic  = "semantic"
	StrategyHTML      = "html"
	StrategyCode      = "code"
)

// StrategyFor returns the strategy for a detected content type.
func StrategyFor(contentType string, size int) Strategy {
	switch contentType {
	case TypeHTML:
		return htmlStrategy{size: size}
	case TypeCode:
		return codeStrategy{size: size}
	case TypeJSON:
		return newRecursive(size)
	default:
		return semantic{size: size}
	}
}

// fixed cuts every size bytes, backing off to a rune boundary.
type fixed struct{ size int }

func (fixed) Name() string { return StrategyFixed }

func (f fixed) Split(s string) []string {
	var segs []string
	for i := 0; i < len(s); {
		end := runeFloor(s, min(i+f.size, len(s)))
		if end <= i {
			_, w := utf8.DecodeRuneInString(s[i:])
			end = i + w
		}
		segs = append(segs, s[i:end])
		i = end
	}
	return segs
}

var defaultSeparators = []string{"\n\n", "\n", ". ", ", ", " "}

// recursive splits on the first separator present, keeping separators
// attached to the text before them, and recurses into oversized pieces
// with the remaining separators.
type recursive struct {
	size int
	seps []string
}

func newRecursive(size int, seps ...string) recursive {
	if len(seps) == 0 {
		seps = defaultSeparators
	}
	return recursive{size: size, seps: seps}
}

func (recursive) Name() string { return StrategyRecursive }

func (r recursive) Split(s string) []string {
	if len(s) <= r.size {
		return []string{s}
	}
	for i, sep := range r.seps {
		cuts := separatorCuts(s, sep)
		if len(cuts) == 0 {
			continue
		}
		rest := recursive{size: r.size, seps: r.seps[i+1:]}
		return pack(s, cuts, r.size, rest.Split)
	}
	return fixed{size: r.size}.Split(s)
}

func separatorCuts(s, sep string) []int {
	var cuts []int
	for pos := 0; ; {
		i := strings.Index(s[pos:], sep)
		if i < 0 {
			return cuts
		}
		cut := pos + i + len(sep)
		if cut >= len(s) {
			return cuts
		}
		cuts = append(cuts, cut)
		pos = cut
	}
}

// semantic prefers document structure: markdown headings, then
// paragraphs, then sentences, falling back to recursive splitting.
type semantic struct {
	size  int
	level int
}

func (semantic) Name() string { return StrategySemantic }

var semanticLevels = []func(string) []int{headingCuts, paragraphCuts, sentenceCuts}

func (sm semantic) Split(s string) []string {
	if len(s) <= sm.size {
		return []string{s}
	}
	for lvl := sm.level; lvl < len(semanticLevels); lvl++ {
		cuts := validCuts(s, semanticLevels[lvl](s))
		if len(cuts) == 0 {
			continue
		}
		next := semantic{size: sm.size, level: lvl + 1}
		return pack(s, cuts, sm.size, next.Split)
	}
	return newRecursive(sm.size).Split(s)
}

var mdParser = goldmark.New().Parser()

// headingCuts returns the line starts of markdown headings.
func headingCuts(s string) []int {
	src := []byte(s)
	doc := mdParser.Parse(text.NewReader(src))
	var cuts []int
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}
		if lines := h.Lines(); lines.Len() > 0 {
			off := lines.At(0).Start
			if off <= len(s) {
				cuts = append(cuts, strings.LastIndexByte(s[:off], '\n')+1)
			}
		}
		return ast.WalkSkipChildren, nil
	})
	return cuts
}

var paragraphRE = regexp.MustCompile(`\n[ \t]*\n`)

func paragraphCuts(s string) []int {
	var cuts []int
	for _, m := range paragraphRE.FindAllStringIndex(s, -1) {
		cuts = append(cuts, m[1])
	}
	return cuts
}

var (
	tokenizerOnce sync.Once
	tokenizer     *sentences.DefaultSentenceTokenizer
)

// sentenceCuts returns sentence ends found by the punkt tokenizer. The
// tokenizer is trained on English and loads lazily on first use.
func sentenceCuts(s string) []int {
	tokenizerOnce.Do(func() {
		t, err := english.NewSentenceTokenizer(nil)
		if err != nil {
			slog.Warn("sentence tokenizer unavailable", "error", err)
			return
		}
		tokenizer = t
	})
	if tokenizer == nil {
		return nil
	}

	var cuts []int
	pos := 0
	for _, sent := range tokenizer.Tokenize(s) {
		if sent.Text == "" {
			continue
		}
		if !strings.HasPrefix(s[pos:], sent.Text) {
			break
		}
		pos += len(sent.Text)
		cuts = append(cuts, pos)
	}
	return cuts
}

// htmlSections are the elements that start a new cut.
var htmlSections = map[string]bool{
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"section": true, "article": true, "main": true,
}

// htmlStrategy cuts before headings and sectioning elements, so each
// segment starts at a structural boundary of the document.
type htmlStrategy struct{ size int }

func (htmlStrategy) Name() string { return StrategyHTML }

func (h htmlStrategy) Split(s string) []string {
	if len(s) <= h.size {
		return []string{s}
	}
	cuts := validCuts(s, htmlCuts(s))
	if len(cuts) == 0 {
		return newRecursive(h.size).Split(s)
	}
	return pack(s, cuts, h.size, newRecursive(h.size).Split)
}

func htmlCuts(s string) []int {
	z := html.NewTokenizer(strings.NewReader(s))
	var cuts []int
	offset := 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return cuts
		}
		start := offset
		offset += len(z.Raw())
		if tt != html.StartTagToken {
			continue
		}
		name, _ := z.TagName()
		if htmlSections[string(name)] {
			cuts = append(cuts, start)
		}
	}
}

// Definition patterns by language, anchored at column zero so nested
// methods stay with their type.
var codePatterns = map[string]*regexp.Regexp{
	"python":     regexp.MustCompile(`(?m)^(?:def\s+\w+|class\s+\w+|@\w+|if\s+__name__\s*==)`),
	"javascript": regexp.MustCompile(`(?m)^(?:function\s+\w+|class\s+\w+|const\s+\w+\s*=\s*(?:function|\(.*?\)\s*=>)|let\s+\w+\s*=)`),
	"java":       regexp.MustCompile(`(?m)^(?:public\s+class|private\s+class|protected\s+class|class\s+\w+|public\s+\w+\s+\w+\s*\()`),
	"go":         regexp.MustCompile(`(?m)^(?:func\s|type\s+\w+\s)`),
	"generic":    regexp.MustCompile(`(?m)^(?:function\s+\w+|class\s+\w+|\w+\s*\(.*?\)\s*\{|\w+\s*=\s*function|\w+\s*=>\s*\{)`),
}

var languageIndicators = []struct {
	lang  string
	marks []string
}{
	{"python", []string{"def ", "class ", "import ", "from ", "if __name__"}},
	{"javascript", []string{"function ", "const ", "let ", "var ", "=>"}},
	{"java", []string{"public class", "private ", "protected ", "package ", "import java"}},
	{"go", []string{"func ", "package ", ":= ", "type ", "import ("}},
}

// detectLanguage returns the language with the most indicators present,
// or "generic".
func detectLanguage(code string) string {
	best, bestScore := "generic", 0
	for _, li := range languageIndicators {
		score := 0
		for _, m := range li.marks {
			if strings.Contains(code, m) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = li.lang, score
		}
	}
	return best
}

// codeStrategy cuts at top-level definitions and splits oversized
// definitions by lines.
type codeStrategy struct{ size int }

func (codeStrategy) Name() string { return StrategyCode }

func (c codeStrategy) Split(s string) []string {
	byLines := newRecursive(c.size, "\n").Split
	if len(s) <= c.size {
		return []string{s}
	}
	var cuts []int
	for _, m := range codePatterns[detectLanguage(s)].FindAllStringIndex(s, -1) {
		cuts = append(cuts, m[0])
	}
	cuts = validCuts(s, cuts)
	if len(cuts) == 0 {
		return byLines(s)
	}
	return pack(s, cuts, c.size, byLines)
}

// pack greedily merges the pieces between cuts into segments of at most
// limit bytes. Pieces longer than limit are handed to split.
func pack(s string, cuts []int, limit int, split func(string) []string) []string {
	var segs []string
	start, prev := 0, 0
	for _, end := range append(validCuts(s, cuts), len(s)) {
		switch {
		case end-prev > limit:
			if prev > start {
				segs = append(segs, s[start:prev])
			}
			segs = append(segs, split(s[prev:end])...)
			start = end
		case end-start > limit:
			segs = append(segs, s[start:prev])
			start = prev
		}
		prev = end
	}
	if start < len(s) {
		segs = append(segs, s[start:])
	}
	return segs
}

// validCuts sorts and dedupes cuts, dropping any outside (0, len(s)) or
// inside a multi-byte rune.
func validCuts(s string, cuts []int) []int {
	sort.Ints(cuts)
	out := cuts[:0]
	last := 0
	for _, c := range cuts {
		if c <= last || c >= len(s) || !utf8.RuneStart(s[c]) {
			continue
		}
		out = append(out, c)
		last = c
	}
	return out
}

// runeFloor moves n back to the start of the rune containing it.
func runeFloor(s string, n int) int {
	for n > 0 && n < len(s) && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}
