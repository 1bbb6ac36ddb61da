//go:build lintrewrite

package rewrite

import "testing"

func TestLintFlagsUnescapedAngleBracket(t *testing.T) {
	body := []byte(`<img src="a.png" alt="1 > 2">`)
	problems := Lint(body)
	if len(problems) == 0 {
		t.Fatal("expected Lint to flag the unescaped '>' in the alt attribute")
	}
}

func TestLintCleanDocument(t *testing.T) {
	body := []byte(`<html><head><title>t</title></head><body><a href="/x">x</a></body></html>`)
	if problems := Lint(body); len(problems) != 0 {
		t.Fatalf("unexpected problems on clean document: %v", problems)
	}
}
