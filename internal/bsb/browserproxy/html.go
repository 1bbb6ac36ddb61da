package browserproxy

import (
	"compress/gzip"
	"io"
	"net/http"
	"net/url"
	"regexp"
)

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		panic("browserproxy: invalid target origin " + raw)
	}
	return u
}

// readAndReplaceBody reads resp.Body fully (decompressing gzip if needed,
// since the injected script requires direct byte access) and leaves
// resp.Body consumed; callers must set a fresh resp.Body afterward.
func readAndReplaceBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		reader = gz
	}
	return io.ReadAll(reader)
}

var bodyClosePattern = regexp.MustCompile(`(?i)</body\s*>`)
var htmlClosePattern = regexp.MustCompile(`(?i)</html\s*>`)
var lastScriptClosePattern = regexp.MustCompile(`(?i)</script\s*>`)

// injectEnhancement inserts the enhancement script just before </body>, or
// </html> if no </body> is found, or after the last </script> tag, or
// appended to the document as a last resort, matching the spec's stated
// order of preference.
func injectEnhancement(body []byte, script string) []byte {
	if script == "" {
		return body
	}
	tag := []byte("<script>" + script + "</script>")

	if loc := bodyCloseLastIndex(body); loc != -1 {
		return insertAt(body, loc, tag)
	}
	if loc := htmlClosePattern.FindIndex(body); loc != nil {
		return insertAt(body, loc[0], tag)
	}
	if locs := lastScriptClosePattern.FindAllIndex(body, -1); len(locs) > 0 {
		last := locs[len(locs)-1]
		return insertAt(body, last[1], tag)
	}
	return append(body, tag...)
}

func bodyCloseLastIndex(body []byte) int {
	locs := bodyClosePattern.FindAllIndex(body, -1)
	if len(locs) == 0 {
		return -1
	}
	return locs[len(locs)-1][0]
}

func insertAt(body []byte, offset int, insert []byte) []byte {
	out := make([]byte, 0, len(body)+len(insert))
	out = append(out, body[:offset]...)
	out = append(out, insert...)
	out = append(out, body[offset:]...)
	return out
}
