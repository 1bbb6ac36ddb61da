package fetch

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchBasicGet(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua == "" {
			t.Error("expected a browser-like User-Agent to be set")
		}
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>hi</html>"))
	}))
	defer upstream.Close()

	client := New(Config{})
	result, err := client.Fetch(context.Background(), upstream.URL, http.MethodGet, nil, nil, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != 200 {
		t.Fatalf("status = %d", result.Status)
	}
	if string(result.Body) != "<html>hi</html>" {
		t.Fatalf("body = %q", result.Body)
	}
}

func TestFetchDecompressesGzip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		gz := gzip.NewWriter(&buf)
		gz.Write([]byte("compressed body"))
		gz.Close()
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(buf.Bytes())
	}))
	defer upstream.Close()

	client := New(Config{})
	result, err := client.Fetch(context.Background(), upstream.URL, http.MethodGet, nil, nil, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if string(result.Body) != "compressed body" {
		t.Fatalf("body = %q, want decompressed content", result.Body)
	}
}

func TestFetchDecompressesZlibDeflate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		zw := zlib.NewWriter(&buf)
		zw.Write([]byte("deflated body"))
		zw.Close()
		w.Header().Set("Content-Encoding", "deflate")
		w.Write(buf.Bytes())
	}))
	defer upstream.Close()

	client := New(Config{})
	result, err := client.Fetch(context.Background(), upstream.URL, http.MethodGet, nil, nil, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if string(result.Body) != "deflated body" {
		t.Fatalf("body = %q, want decompressed content", result.Body)
	}
	if !result.Decompressed {
		t.Fatal("expected Decompressed to be reported")
	}
}

func TestFetchPassesThroughUndecodableBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Encoding", "gzip")
		w.Write([]byte("this is not gzip"))
	}))
	defer upstream.Close()

	client := New(Config{})
	result, err := client.Fetch(context.Background(), upstream.URL, http.MethodGet, nil, nil, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if string(result.Body) != "this is not gzip" {
		t.Fatalf("expected compressed bytes passed through, got %q", result.Body)
	}
	if result.Decompressed {
		t.Fatal("pass-through must not be reported as decompressed")
	}
}

func TestFetchFollowsRedirectDowngradesPostToGetOn302(t *testing.T) {
	var sawMethodOnFinal string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/dest", http.StatusFound)
			return
		}
		sawMethodOnFinal = r.Method
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	client := New(Config{})
	_, err := client.Fetch(context.Background(), upstream.URL+"/start", http.MethodPost, nil, nil, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if sawMethodOnFinal != http.MethodGet {
		t.Fatalf("302 redirect of POST must downgrade to GET, got %s", sawMethodOnFinal)
	}
}

func TestFetchPreservesMethodOn307(t *testing.T) {
	var sawMethodOnFinal string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/start" {
			http.Redirect(w, r, "/dest", http.StatusTemporaryRedirect)
			return
		}
		sawMethodOnFinal = r.Method
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	client := New(Config{})
	_, err := client.Fetch(context.Background(), upstream.URL+"/start", http.MethodPost, nil, nil, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if sawMethodOnFinal != http.MethodPost {
		t.Fatalf("307 redirect must preserve method, got %s", sawMethodOnFinal)
	}
}

func TestFetchCachesCSRFTokenPerOrigin(t *testing.T) {
	var sawToken string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/first" {
			w.Header().Set("x-csrf-token", "T123")
			w.Write([]byte("ok"))
			return
		}
		sawToken = r.Header.Get("x-csrf-token")
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	client := New(Config{})
	ctx := context.Background()
	if _, err := client.Fetch(ctx, upstream.URL+"/first", http.MethodGet, nil, nil, Context{}); err != nil {
		t.Fatal(err)
	}
	if _, err := client.Fetch(ctx, upstream.URL+"/second", http.MethodGet, nil, nil, Context{}); err != nil {
		t.Fatal(err)
	}
	if sawToken != "T123" {
		t.Fatalf("expected cached csrf token T123 to be attached, got %q", sawToken)
	}
}
