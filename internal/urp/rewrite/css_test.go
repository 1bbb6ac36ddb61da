package rewrite

import (
	"strings"
	"testing"
)

func TestRewriteCSSURL(t *testing.T) {
	body := []byte(`.bg { background: url(/images/bg.png); }`)
	out := string(RewriteCSS(body, testOpts()))
	if !strings.Contains(out, "url(https://proxy.example/images/bg.png?__cpo=") {
		t.Fatalf("expected rewritten url(), got: %s", out)
	}
}

func TestRewriteCSSURLSkipsDataURI(t *testing.T) {
	body := []byte(`.icon { background: url(data:image/png;base64,abcd); }`)
	out := string(RewriteCSS(body, testOpts()))
	if out != string(body) {
		t.Fatalf("data: URI should be untouched, got: %s", out)
	}
}

func TestRewriteCSSImport(t *testing.T) {
	body := []byte(`@import "/fonts/base.css";`)
	out := string(RewriteCSS(body, testOpts()))
	if !strings.Contains(out, `@import "https://proxy.example/fonts/base.css?__cpo=`) {
		t.Fatalf("expected rewritten @import, got: %s", out)
	}
}

func TestRewriteCSSIdempotent(t *testing.T) {
	body := []byte(`.bg { background: url(/a.png); }`)
	first := RewriteCSS(body, testOpts())
	second := RewriteCSS(first, testOpts())
	if string(first) != string(second) {
		t.Fatalf("rewriting already-rewritten CSS changed it:\nfirst:  %s\nsecond: %s", first, second)
	}
}
