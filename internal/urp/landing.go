package urp

// DefaultLandingPage is served at GET / when no __cpo parameter is present.
// It is a minimal self-contained static page; real deployments may instead
// read an on-disk asset through internal/pathsec.
const DefaultLandingPage = `<!doctype html>
<html>
<head><meta charset="utf-8"><title>nebula</title></head>
<body>
<h1>nebula</h1>
<p>Paste a URL below to browse it through the proxy.</p>
<form onsubmit="event.preventDefault(); location.href='/explore?__cpo=' + encodeFingerprint(this.url.value);">
  <input name="url" placeholder="https://example.com" />
  <button type="submit">Go</button>
</form>
<script>
function encodeFingerprint(u) {
  return btoa(u).replace(/\+/g, '-').replace(/\//g, '_').replace(/=+$/, '');
}
</script>
</body>
</html>`
