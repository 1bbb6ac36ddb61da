package rewrite

import (
	"strings"
	"testing"
)

func TestRewriteJSImportScripts(t *testing.T) {
	body := []byte(`importScripts('/a.js', '/b.js');`)
	out := string(RewriteJS(body, testOpts()))
	if strings.Count(out, "__cpo=") != 2 {
		t.Fatalf("expected both importScripts args rewritten, got: %s", out)
	}
}

func TestRewriteJSNewWorker(t *testing.T) {
	body := []byte(`const w = new Worker("/worker.js");`)
	out := string(RewriteJS(body, testOpts()))
	if !strings.Contains(out, "__cpo=") {
		t.Fatalf("expected new Worker(...) target rewritten, got: %s", out)
	}
}

func TestRewriteJSFetchRootRelative(t *testing.T) {
	body := []byte(`fetch("/api/data").then(r => r.json())`)
	out := string(RewriteJS(body, testOpts()))
	if !strings.Contains(out, "__cpo=") {
		t.Fatalf("expected fetch(...) root-relative literal rewritten, got: %s", out)
	}
}

func TestRewriteJSFetchDynamicUntouched(t *testing.T) {
	body := []byte("fetch(base + path)")
	out := string(RewriteJS(body, testOpts()))
	if out != string(body) {
		t.Fatalf("dynamic/concatenated fetch targets must not be statically rewritten, got: %s", out)
	}
}

func TestRewriteJSXHROpen(t *testing.T) {
	body := []byte(`xhr.open('GET', '/api/data');`)
	out := string(RewriteJS(body, testOpts()))
	if !strings.Contains(out, "__cpo=") {
		t.Fatalf("expected XMLHttpRequest.open literal rewritten, got: %s", out)
	}
}

func TestRewriteJSRelativeLiterals(t *testing.T) {
	body := []byte(`import("./chunk.js")`)
	out := string(RewriteJS(body, testOpts()))
	if !strings.Contains(out, "__cpo=") {
		t.Fatalf("expected ./ relative literal rewritten, got: %s", out)
	}
}

func TestRewriteJSAllowlistedFullURL(t *testing.T) {
	body := []byte(`loadScript("https://client-api.arkoselabs.com/v2/script.js")`)
	out := string(RewriteJS(body, testOpts()))
	if !strings.Contains(out, "__cpo=") {
		t.Fatalf("expected allowlisted full URL rewritten, got: %s", out)
	}
}

func TestRewriteJSNonAllowlistedFullURLUntouched(t *testing.T) {
	body := []byte(`loadScript("https://unrelated.example.com/script.js")`)
	out := string(RewriteJS(body, testOpts()))
	if out != string(body) {
		t.Fatalf("non-allowlisted full URL literal must not be rewritten, got: %s", out)
	}
}
