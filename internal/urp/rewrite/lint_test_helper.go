//go:build lintrewrite

// This file is built only under the lintrewrite tag; it is a diagnostic
// helper used from tests, not part of the request-serving path.
package rewrite

import (
	"strings"

	"golang.org/x/net/html"
)

// Lint tokenizes body and reports HTML constructs the regex-based rewriter
// above is known to mis-handle, such as an unescaped '>' inside an
// attribute value. It never mutates body and has no effect on runtime
// rewriting; it exists purely to flag malformed fixtures during testing.
func Lint(body []byte) []string {
	var problems []string
	z := html.NewTokenizer(strings.NewReader(string(body)))
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return problems
		}
		if tt == html.StartTagToken || tt == html.SelfClosingTagToken {
			_, hasAttr := z.TagName()
			for hasAttr {
				key, val, more := z.TagAttr()
				if strings.ContainsRune(string(val), '>') {
					problems = append(problems, "attribute "+string(key)+" contains unescaped '>'")
				}
				hasAttr = more
			}
		}
	}
}
