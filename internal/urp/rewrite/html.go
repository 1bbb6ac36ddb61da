package rewrite

import (
	"bytes"
	"regexp"
	"strings"
)

// attrPattern matches a quoted attribute value for one of the HTML
// attributes the spec requires rewritten. Group 1 is the attribute name as
// written (preserved verbatim for case), group 2 the quote character, group
// 3 the value.
var attrPattern = regexp.MustCompile(`(?i)\b(href|src|action)\s*=\s*(["'])([^"']*)(["'])`)

var srcsetPattern = regexp.MustCompile(`(?i)\bsrcset\s*=\s*(["'])([^"']*)(["'])`)

var metaRefreshPattern = regexp.MustCompile(`(?i)(<meta[^>]+http-equiv\s*=\s*["']refresh["'][^>]*content\s*=\s*["'])(\d+)\s*;\s*url=([^"']+)(["'])`)

var integrityAttrPattern = regexp.MustCompile(`(?i)\s+integrity\s*=\s*(["'])[^"']*(["'])`)

var crossoriginAttrPattern = regexp.MustCompile(`(?i)(\bcrossorigin\s*=\s*)(["'])[^"']*(["'])`)

// protectedSpan marks a byte range (a <script> or <style> body) that
// attribute rewriters must skip, per the spec's requirement that HTML
// rewriting not touch script/style bodies (those are rewritten separately,
// as their own resource kind, when fetched directly).
type protectedSpan struct{ start, end int }

var scriptBlockPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`)
var styleBlockPattern = regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`)

func protectedSpans(body []byte) []protectedSpan {
	var spans []protectedSpan
	for _, m := range scriptBlockPattern.FindAllIndex(body, -1) {
		spans = append(spans, protectedSpan{m[0], m[1]})
	}
	for _, m := range styleBlockPattern.FindAllIndex(body, -1) {
		spans = append(spans, protectedSpan{m[0], m[1]})
	}
	return spans
}

func insideProtected(offset int, spans []protectedSpan) bool {
	for _, s := range spans {
		if offset >= s.start && offset < s.end {
			return true
		}
	}
	return false
}

// RewriteHTML rewrites href/src/action/srcset/inline-style-url/meta-refresh
// references and injects the early and main shim script blocks.
func RewriteHTML(body []byte, opts Options, earlyShim, mainShim string) []byte {
	spans := protectedSpans(body)

	out := rewriteAttrs(body, spans, opts)
	out = rewriteSrcset(out, opts)
	out = rewriteInlineStyleURLs(out, opts)
	out = rewriteMetaRefresh(out, opts)
	out = stripIntegrity(out)
	out = downgradeCrossorigin(out)
	out = injectShims(out, earlyShim, mainShim)
	return out
}

func rewriteAttrs(body []byte, spans []protectedSpan, opts Options) []byte {
	return replaceAllIndexed(body, attrPattern, spans, func(m []int, src []byte) []byte {
		name := src[m[2]:m[3]]
		quote := src[m[4]:m[5]]
		value := string(src[m[6]:m[7]])
		closeQuote := src[m[8]:m[9]]

		rewritten, ok := rewriteRef(value, opts)
		if !ok {
			rewritten = value
		}
		var buf bytes.Buffer
		buf.Write(name)
		buf.WriteByte('=')
		buf.Write(quote)
		buf.WriteString(rewritten)
		buf.Write(closeQuote)
		return buf.Bytes()
	})
}

func rewriteSrcset(body []byte, opts Options) []byte {
	return srcsetPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		sub := srcsetPattern.FindSubmatch(match)
		quote := sub[1]
		value := string(sub[2])
		candidates := strings.Split(value, ",")
		for i, c := range candidates {
			c = strings.TrimSpace(c)
			if c == "" {
				continue
			}
			parts := strings.Fields(c)
			if len(parts) == 0 {
				continue
			}
			url := parts[0]
			descriptor := ""
			if len(parts) > 1 {
				descriptor = " " + strings.Join(parts[1:], " ")
			}
			rewritten, ok := rewriteRef(url, opts)
			if !ok {
				rewritten = url
			}
			candidates[i] = rewritten + descriptor
		}
		newValue := strings.Join(candidates, ", ")
		var buf bytes.Buffer
		buf.WriteString("srcset=")
		buf.Write(quote)
		buf.WriteString(newValue)
		buf.Write(quote)
		return buf.Bytes()
	})
}

func rewriteInlineStyleURLs(body []byte, opts Options) []byte {
	// Only touch url(...) inside a style="..." attribute, not bare CSS text.
	styleAttr := regexp.MustCompile(`(?i)\bstyle\s*=\s*(["'])([^"']*)(["'])`)
	return styleAttr.ReplaceAllFunc(body, func(match []byte) []byte {
		sub := styleAttr.FindSubmatch(match)
		quote := sub[1]
		value := sub[2]
		rewritten := rewriteCSSURLs(value, opts)
		var buf bytes.Buffer
		buf.WriteString("style=")
		buf.Write(quote)
		buf.Write(rewritten)
		buf.Write(quote)
		return buf.Bytes()
	})
}

func rewriteMetaRefresh(body []byte, opts Options) []byte {
	return metaRefreshPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		sub := metaRefreshPattern.FindSubmatch(match)
		prefix, seconds, target, suffix := sub[1], sub[2], string(sub[3]), sub[4]
		rewritten, ok := rewriteRef(strings.TrimSpace(target), opts)
		if !ok {
			rewritten = target
		}
		var buf bytes.Buffer
		buf.Write(prefix)
		buf.Write(seconds)
		buf.WriteString("; url=")
		buf.WriteString(rewritten)
		buf.Write(suffix)
		return buf.Bytes()
	})
}

func stripIntegrity(body []byte) []byte {
	return integrityAttrPattern.ReplaceAll(body, []byte(""))
}

func downgradeCrossorigin(body []byte) []byte {
	return crossoriginAttrPattern.ReplaceAll(body, []byte(`${1}${2}anonymous${3}`))
}

// replaceAllIndexed applies fn to every match of pattern not falling inside
// a protected span, preserving everything else byte-for-byte.
func replaceAllIndexed(body []byte, pattern *regexp.Regexp, spans []protectedSpan, fn func(m []int, src []byte) []byte) []byte {
	matches := pattern.FindAllSubmatchIndex(body, -1)
	if matches == nil {
		return body
	}
	var out bytes.Buffer
	last := 0
	for _, m := range matches {
		if insideProtected(m[0], spans) {
			continue
		}
		out.Write(body[last:m[0]])
		out.Write(fn(m, body))
		last = m[1]
	}
	out.Write(body[last:])
	return out.Bytes()
}

var headOpenPattern = regexp.MustCompile(`(?i)<head[^>]*>`)
var headClosePattern = regexp.MustCompile(`(?i)</head\s*>`)
var bodyOpenPattern = regexp.MustCompile(`(?i)<body[^>]*>`)

// injectShims inserts the early shim as the first child of <head> and the
// main shim just before </head>, falling back to start-of-<body> or an
// append if no head closure is found.
func injectShims(body []byte, earlyShim, mainShim string) []byte {
	early := []byte("<script>" + earlyShim + "</script>")
	main := []byte("<script>" + mainShim + "</script>")

	if earlyShim != "" && bytes.Contains(body, early) {
		return body // already injected; idempotent
	}

	out := body
	if loc := headOpenPattern.FindIndex(out); loc != nil {
		insertAt := loc[1]
		out = insertAt2(out, insertAt, early)
	} else {
		out = append(early, out...)
	}

	if loc := headClosePattern.FindIndex(out); loc != nil {
		out = insertAt2(out, loc[0], main)
		return out
	}
	if loc := bodyOpenPattern.FindIndex(out); loc != nil {
		out = insertAt2(out, loc[1], main)
		return out
	}
	return append(out, main...)
}

func insertAt2(body []byte, offset int, insert []byte) []byte {
	out := make([]byte, 0, len(body)+len(insert))
	out = append(out, body[:offset]...)
	out = append(out, insert...)
	out = append(out, body[offset:]...)
	return out
}
