package chat

import "strings"

// ParseResult is the outcome of [ParseAudience].
type ParseResult struct {
	Lines []Line

	// Unparsed counts non-blank input lines that could not be turned into a
	// chat line (e.g. "name:" with no text).
	Unparsed int
}

// ParseAudience turns raw line-oriented model output into chat lines.
//
// Each non-blank input line is either "username: text", split on the first
// colon, or bare text which is attributed to a pool name. Names that are
// empty or blocked by names are replaced via [NamePolicy.Resolve]. List
// markers and surrounding quotes are stripped. Parsing never fails; lines
// that yield no text are counted in Unparsed.
func ParseAudience(raw string, names *NamePolicy) ParseResult {
	var res ParseResult
	for _, l := range strings.Split(raw, "\n") {
		l = trimListMarker(strings.TrimSpace(l))
		if l == "" {
			continue
		}

		user, text, found := strings.Cut(l, ":")
		if !found {
			res.Lines = append(res.Lines, Line{Username: names.Substitute(), Text: unquote(l)})
			continue
		}
		user = strings.Trim(strings.TrimSpace(user), "*@")
		text = unquote(strings.TrimSpace(text))
		if text == "" {
			res.Unparsed++
			continue
		}
		res.Lines = append(res.Lines, Line{Username: names.Resolve(user), Text: text})
	}
	return res
}

func trimListMarker(s string) string {
	switch {
	case strings.HasPrefix(s, "- "), strings.HasPrefix(s, "* "):
		return strings.TrimSpace(s[2:])
	}
	// "1. text" / "12) text"
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i > 0 && i+1 < len(s) && (s[i] == '.' || s[i] == ')') && s[i+1] == ' ' {
		return strings.TrimSpace(s[i+2:])
	}
	return s
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}
