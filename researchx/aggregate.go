package researchx

import (
	"net/url"
	"path"
	"regexp"
	"strings"
	"unicode"
)

const (
	// fallbackSummaryLen caps the summary taken from the head of the raw text.
	fallbackSummaryLen = 300
	// minSummaryLineLen is the length a stray line needs to stand in as summary.
	minSummaryLineLen = 50
	// maxHeaderLen keeps prose that merely mentions "summary" from being read
	// as a section header.
	maxHeaderLen = 40
)

type section int

const (
	sectionNone section = iota
	sectionSummary
	sectionFindings
	sectionOther
)

var (
	summaryHeaders  = []string{"executive summary", "summary", "overview", "tl;dr"}
	findingsHeaders = []string{"key findings", "findings", "key points", "key takeaways"}

	numberedItem = regexp.MustCompile(`^\d+[.)]\s+`)
)

// Parsed is the structure extracted from a worker's free-form text.
type Parsed struct {
	Summary     string
	KeyFindings []string
}

// Parse pulls a summary and key findings out of raw. It never fails; odd
// input only produces a thinner result.
func Parse(raw string) Parsed {
	var (
		current     = sectionNone
		summaryBody []string
		fallback    string
		findings    = []string{}
	)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			if current == sectionSummary && len(summaryBody) > 0 {
				current = sectionOther
			}
			continue
		}

		inline := false
		if s, rest, ok := headerSection(line); ok {
			current = s
			if rest == "" {
				continue
			}
			line, inline = rest, true
		}

		switch current {
		case sectionSummary:
			summaryBody = append(summaryBody, stripInline(line))
		case sectionFindings:
			item, ok := listItem(line)
			if !ok && inline {
				item, ok = stripInline(line), true
			}
			if ok && hasAlnum(item) {
				findings = append(findings, item)
			}
		case sectionNone:
			if fallback == "" && len(line) > minSummaryLineLen {
				fallback = stripInline(line)
			}
		}
	}

	summary := strings.Join(summaryBody, " ")
	if summary == "" {
		summary = fallback
	}
	if summary == "" {
		summary = truncateRunes(strings.TrimSpace(raw), fallbackSummaryLen)
	}
	return Parsed{Summary: summary, KeyFindings: findings}
}

// BuildResult aggregates a worker's output into a Result.
func BuildResult(out *WorkerOutput) *Result {
	if out == nil {
		out = &WorkerOutput{}
	}
	p := Parse(out.Content)
	return &Result{
		Summary:     p.Summary,
		KeyFindings: p.KeyFindings,
		Citations:   ParseCitations(out.Citations),
		RawContent:  out.Content,
	}
}

// ParseCitations turns flat identifiers (usually URLs) into citations with a
// readable title. Blank entries are dropped.
func ParseCitations(ids []string) []Citation {
	out := make([]Citation, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out = append(out, Citation{URL: id, Title: citationTitle(id)})
	}
	return out
}

func citationTitle(id string) string {
	u, err := url.Parse(id)
	if err != nil || u.Host == "" {
		return id
	}

	seg := path.Base(strings.TrimRight(u.Path, "/"))
	if seg == "." || seg == "/" || seg == "" {
		return strings.TrimPrefix(u.Host, "www.")
	}
	if ext := path.Ext(seg); ext != "" && len(ext) <= 5 {
		seg = strings.TrimSuffix(seg, ext)
	}
	if unescaped, err := url.PathUnescape(seg); err == nil {
		seg = unescaped
	}
	title := strings.Join(strings.Fields(strings.NewReplacer("-", " ", "_", " ", "+", " ").Replace(seg)), " ")
	if title == "" {
		return strings.TrimPrefix(u.Host, "www.")
	}
	return title
}

// headerSection recognises a section header. For an inline header such as
// "Summary: Acme leads." it also returns the text after the colon.
func headerSection(line string) (section, string, bool) {
	if _, ok := listItem(line); ok && !strings.HasPrefix(line, "**") {
		return sectionNone, "", false
	}
	label, rest := line, ""
	if i := strings.Index(line, ":"); i >= 0 {
		label, rest = line[:i], strings.TrimSpace(strings.Trim(line[i+1:], "*_ \t"))
	}
	text := strings.ToLower(strings.Trim(label, "#*_ \t"))
	if text == "" || len(text) > maxHeaderLen {
		return sectionNone, "", false
	}
	for _, h := range findingsHeaders {
		if strings.Contains(text, h) {
			return sectionFindings, rest, true
		}
	}
	for _, h := range summaryHeaders {
		if strings.Contains(text, h) {
			return sectionSummary, rest, true
		}
	}
	// Any other markdown heading closes the current section.
	if strings.HasPrefix(line, "#") {
		return sectionOther, "", true
	}
	return sectionNone, "", false
}

// listItem strips a bullet or numeric marker from line.
func listItem(line string) (string, bool) {
	for _, marker := range []string{"- ", "• ", "* ", "-", "•"} {
		if strings.HasPrefix(line, marker) && !strings.HasPrefix(line, "**") {
			return stripInline(strings.TrimSpace(strings.TrimPrefix(line, marker))), true
		}
	}
	if loc := numberedItem.FindStringIndex(line); loc != nil {
		return stripInline(strings.TrimSpace(line[loc[1]:])), true
	}
	return "", false
}

func hasAlnum(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool {
		return unicode.IsLetter(r) || unicode.IsDigit(r)
	}) >= 0
}

func stripInline(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "**", ""))
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
