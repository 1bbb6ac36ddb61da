package rewrite

import (
	"bytes"
	"regexp"
	"strings"
)

// captchaAllowlist is the narrow, explicit set of host substrings the JS
// rewriter is permitted to rewrite full-URL string literals for. Spec §9
// requires this stay narrow: widening it risks breaking legitimate
// same-origin assumptions in unrelated third-party scripts.
var captchaAllowlist = []string{"arkose", "funcaptcha"}

var importScriptsPattern = regexp.MustCompile(`\bimportScripts\(([^)]*)\)`)
var stringLiteralPattern = regexp.MustCompile(`(["'])((?:\\.|[^\\])*?)(["'])`)
var newWorkerPattern = regexp.MustCompile(`\bnew\s+Worker\(\s*(["'])((?:\\.|[^\\])*?)(["'])`)
var fetchCallPattern = regexp.MustCompile(`\bfetch\(\s*(["'])(/(?:\\.|[^\\])*?)(["'])`)
var xhrOpenPattern = regexp.MustCompile(`\.open\(\s*(["'][A-Za-z]+["'])\s*,\s*(["'])(/(?:\\.|[^\\])*?)(["'])`)
var relativeLiteralPattern = regexp.MustCompile(`(["'])(\.\.?/(?:\\.|[^\\])*?)(["'])`)

// RewriteJS rewrites unambiguous string-literal URL references in a
// JavaScript document: importScripts arguments, new Worker(...) targets,
// fetch()/XMLHttpRequest.open root-relative literals, "./"/"../" literals
// resolved against the script's own URL, and full-URL literals whose host
// matches the captcha allowlist. Dynamic/concatenated/template-literal URLs
// are left untouched; the client shim catches those at runtime.
func RewriteJS(body []byte, opts Options) []byte {
	out := rewriteImportScripts(body, opts)
	out = newWorkerPattern.ReplaceAllFunc(out, func(m []byte) []byte { return rewriteQuotedCall(m, newWorkerPattern, opts) })
	out = rewriteFetchLiteral(out, opts)
	out = rewriteXHROpenLiteral(out, opts)
	out = rewriteRelativeLiterals(out, opts)
	out = rewriteAllowlistedFullURLs(out, opts)
	return out
}

func rewriteImportScripts(body []byte, opts Options) []byte {
	return importScriptsPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		sub := importScriptsPattern.FindSubmatch(match)
		args := sub[1]
		rewrittenArgs := stringLiteralPattern.ReplaceAllFunc(args, func(lit []byte) []byte {
			litSub := stringLiteralPattern.FindSubmatch(lit)
			q1, value, q2 := litSub[1], string(litSub[2]), litSub[3]
			rewritten, ok := rewriteRef(value, opts)
			if !ok {
				return lit
			}
			var buf bytes.Buffer
			buf.Write(q1)
			buf.WriteString(rewritten)
			buf.Write(q2)
			return buf.Bytes()
		})
		return []byte("importScripts(" + string(rewrittenArgs) + ")")
	})
}

func rewriteQuotedCall(match []byte, pattern *regexp.Regexp, opts Options) []byte {
	sub := pattern.FindSubmatch(match)
	if len(sub) < 4 {
		return match
	}
	prefixEnd := bytes.Index(match, sub[1])
	prefix := match[:prefixEnd]
	q1, value, q2 := sub[1], string(sub[2]), sub[3]
	rewritten, ok := rewriteRef(value, opts)
	if !ok {
		return match
	}
	var buf bytes.Buffer
	buf.Write(prefix)
	buf.Write(q1)
	buf.WriteString(rewritten)
	buf.Write(q2)
	return buf.Bytes()
}

func rewriteFetchLiteral(body []byte, opts Options) []byte {
	return fetchCallPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		sub := fetchCallPattern.FindSubmatch(match)
		q1, value, q2 := sub[1], string(sub[2]), sub[3]
		rewritten, ok := rewriteRef(value, opts)
		if !ok {
			return match
		}
		return []byte("fetch(" + string(q1) + rewritten + string(q2))
	})
}

func rewriteXHROpenLiteral(body []byte, opts Options) []byte {
	return xhrOpenPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		sub := xhrOpenPattern.FindSubmatch(match)
		method, q1, value, q2 := sub[1], sub[2], string(sub[3]), sub[4]
		rewritten, ok := rewriteRef(value, opts)
		if !ok {
			return match
		}
		return []byte(".open(" + string(method) + ", " + string(q1) + rewritten + string(q2))
	})
}

func rewriteRelativeLiterals(body []byte, opts Options) []byte {
	return relativeLiteralPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		sub := relativeLiteralPattern.FindSubmatch(match)
		q1, value, q2 := sub[1], string(sub[2]), sub[3]
		rewritten, ok := rewriteRef(value, opts)
		if !ok {
			return match
		}
		var buf bytes.Buffer
		buf.Write(q1)
		buf.WriteString(rewritten)
		buf.Write(q2)
		return buf.Bytes()
	})
}

func rewriteAllowlistedFullURLs(body []byte, opts Options) []byte {
	return stringLiteralPattern.ReplaceAllFunc(body, func(match []byte) []byte {
		sub := stringLiteralPattern.FindSubmatch(match)
		q1, value, q2 := sub[1], string(sub[2]), sub[3]
		if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
			return match
		}
		if !hostMatchesAllowlist(value) {
			return match
		}
		rewritten, ok := rewriteRef(value, opts)
		if !ok {
			return match
		}
		var buf bytes.Buffer
		buf.Write(q1)
		buf.WriteString(rewritten)
		buf.Write(q2)
		return buf.Bytes()
	})
}

func hostMatchesAllowlist(fullURL string) bool {
	lower := strings.ToLower(fullURL)
	for _, host := range captchaAllowlist {
		if strings.Contains(lower, host) {
			return true
		}
	}
	return false
}
