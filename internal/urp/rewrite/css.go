package rewrite

import (
	"bytes"
	"regexp"
)

var cssURLPattern = regexp.MustCompile(`url\(\s*(['"]?)([^'")]+)(['"]?)\s*\)`)
var cssImportPattern = regexp.MustCompile(`(?i)@import\s+(['"])([^'"]+)(['"])`)

// RewriteCSS rewrites url(...) references (skipping data: URIs) and
// @import targets in a standalone CSS document.
func RewriteCSS(body []byte, opts Options) []byte {
	out := rewriteCSSURLs(body, opts)
	out = rewriteCSSImports(out, opts)
	return out
}

func rewriteCSSURLs(body []byte, opts Options) []byte {
	return cssURLPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		sub := cssURLPattern.FindSubmatch(match)
		openQuote, value, closeQuote := sub[1], string(sub[2]), sub[3]
		if bytes.HasPrefix([]byte(value), []byte("data:")) {
			return match
		}
		rewritten, ok := rewriteRef(value, opts)
		if !ok {
			rewritten = value
		}
		var buf bytes.Buffer
		buf.WriteString("url(")
		buf.Write(openQuote)
		buf.WriteString(rewritten)
		buf.Write(closeQuote)
		buf.WriteString(")")
		return buf.Bytes()
	})
}

func rewriteCSSImports(body []byte, opts Options) []byte {
	return cssImportPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		sub := cssImportPattern.FindSubmatch(match)
		quote, value := sub[1], string(sub[2])
		rewritten, ok := rewriteRef(value, opts)
		if !ok {
			rewritten = value
		}
		var buf bytes.Buffer
		buf.WriteString("@import ")
		buf.Write(quote)
		buf.WriteString(rewritten)
		buf.Write(quote)
		return buf.Bytes()
	})
}
