// Package shim holds the static client-side JavaScript payload injected
// into every rewritten HTML response, plus the small templating step that
// substitutes its runtime configuration object.
package shim

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"
)

// Config is the configuration object the shim consumes inline.
type Config struct {
	PublicOrigin string
	BaseURL      string
	BaseOrigin   string
}

// earlyShimSource patches fetch/XMLHttpRequest.open before any origin
// script can capture references to them. It must be injected as the first
// child of <head>.
const earlyShimSource = `(function(){
  if (window.__cpoShimInstalled) return;
  window.__cpoShimInstalled = true;
  var cfg = {{.ConfigJSON}};
  window.__cpoConfig = cfg;

  function absolutize(u, base) {
    if (/^(data|blob|javascript):/i.test(u) || u.indexOf('#') === 0) return u;
    try { return new URL(u, base || cfg.base_url).href; } catch (e) { return u; }
  }
  function hasFingerprint(u) { return u.indexOf('__cpo=') !== -1; }
  function toProxyURL(u) {
    var abs = absolutize(u);
    if (hasFingerprint(abs)) return abs;
    var url = new URL(abs);
    var sep = url.search ? '&' : '?';
    return cfg.public_origin + url.pathname + url.search + sep + '__cpo=' + btoa(abs).replace(/\+/g,'-').replace(/\//g,'_').replace(/=+$/,'');
  }
  window.__cpoToProxyURL = toProxyURL;

  var nativeFetch = window.fetch ? window.fetch.bind(window) : null;
  function installFetch() {
    var current = window.fetch;
    if (current && current.__cpoWrapped) return;
    var wrapped = function(input, init) {
      try {
        if (typeof input === 'string') input = toProxyURL(input);
        else if (input && input.url) input = new Request(toProxyURL(input.url), input);
      } catch (e) {}
      init = init || {};
      if (init.credentials === undefined) init.credentials = 'include';
      return nativeFetch(input, init);
    };
    wrapped.__cpoWrapped = true;
    window.fetch = wrapped;
  }
  installFetch();
  setInterval(installFetch, 250);

  var NativeXHR = window.XMLHttpRequest;
  var origOpen = NativeXHR.prototype.open;
  var origSetHeader = NativeXHR.prototype.setRequestHeader;
  NativeXHR.prototype.setRequestHeader = function(name, value) {
    this.__cpoHeaders = this.__cpoHeaders || {};
    this.__cpoHeaders[name] = value;
    return origSetHeader.apply(this, arguments);
  };
  NativeXHR.prototype.open = function(method, url) {
    var args = Array.prototype.slice.call(arguments);
    try { args[1] = toProxyURL(url); } catch (e) {}
    this.__cpoMethod = method;
    this.__cpoURL = url;
    return origOpen.apply(this, args);
  };
})();`

// mainShimSource carries the remaining wrappers (URL constructor, Worker,
// document.createElement, synthetic location, CSRF auto-retry,
// form/link interception, postMessage coercion). Injected just before
// </head>.
const mainShimSource = `(function(){
  if (window.__cpoMainShimInstalled) return;
  window.__cpoMainShimInstalled = true;
  var cfg = window.__cpoConfig;
  var csrfByOrigin = Object.create(null);

  function originOf(u) { try { return new URL(u, cfg.base_url).origin; } catch (e) { return cfg.base_origin; } }

  var NativeURL = window.URL;
  window.URL = function(url, base) {
    if (base && /^https?:\/\/(localhost|127\.0\.0\.1)/i.test(String(base))) {
      base = cfg.base_origin;
    }
    return new NativeURL(url, base);
  };
  window.URL.prototype = NativeURL.prototype;
  for (var k in NativeURL) { if (NativeURL.hasOwnProperty(k)) window.URL[k] = NativeURL[k]; }

  var captchaAllowlist = ['arkose', 'funcaptcha'];
  function isCaptchaURL(u) {
    var lower = String(u).toLowerCase();
    for (var i = 0; i < captchaAllowlist.length; i++) {
      if (lower.indexOf(captchaAllowlist[i]) !== -1) return true;
    }
    return false;
  }

  var NativeWorker = window.Worker;
  window.Worker = function(url, opts) {
    var proxied = window.__cpoToProxyURL(url);
    if (opts && opts.type === 'module' && isCaptchaURL(url)) {
      opts = Object.assign({}, opts);
      delete opts.type;
    }
    return new NativeWorker(proxied, opts);
  };
  if (window.SharedWorker) {
    var NativeSharedWorker = window.SharedWorker;
    window.SharedWorker = function(url, opts) {
      var proxied = window.__cpoToProxyURL(url);
      if (opts && opts.type === 'module' && isCaptchaURL(url)) {
        opts = Object.assign({}, opts);
        delete opts.type;
      }
      return new NativeSharedWorker(proxied, opts);
    };
  }

  var nativeCreateElement = document.createElement.bind(document);
  document.createElement = function(tag) {
    var el = nativeCreateElement(tag);
    var lower = String(tag).toLowerCase();
    var attr = (lower === 'script' || lower === 'img') ? 'src' : (lower === 'link' ? 'href' : null);
    if (attr) {
      var desc = Object.getOwnPropertyDescriptor(Object.getPrototypeOf(el), attr);
      if (desc && desc.set) {
        Object.defineProperty(el, attr, {
          get: desc.get,
          set: function(v) { desc.set.call(el, window.__cpoToProxyURL(v)); },
        });
      }
    }
    return el;
  };

  var syntheticLocation = {
    get href() { return cfg.base_url; },
    set href(v) { window.location.href = window.__cpoToProxyURL(v); },
    assign: function(v) { window.location.href = window.__cpoToProxyURL(v); },
    replace: function(v) { window.location.replace(window.__cpoToProxyURL(v)); },
  };
  try {
    Object.defineProperty(window, 'origin', { get: function() { return cfg.base_origin; } });
    Object.defineProperty(document, 'domain', { get: function() { return new NativeURL(cfg.base_url).hostname; } });
  } catch (e) {}
  window.__cpoLocation = syntheticLocation;

  document.addEventListener('submit', function(ev) {
    var form = ev.target;
    if (!form || !form.action || form.action.indexOf('__cpo=') !== -1) return;
    form.action = window.__cpoToProxyURL(form.action);
  }, true);
  document.addEventListener('click', function(ev) {
    var a = ev.target && ev.target.closest ? ev.target.closest('a[href]') : null;
    if (!a || a.href.indexOf('__cpo=') !== -1) return;
    a.href = window.__cpoToProxyURL(a.href);
  }, true);

  // Origin code sometimes reads document.currentScript after its executing
  // script has finished, where the native value is null. Hand back a
  // synthetic element reproducing the data-* attributes declared on the
  // injected captcha script so their bootstrap code finds its config.
  var nativeCurrentScript = Object.getOwnPropertyDescriptor(Document.prototype, 'currentScript');
  if (nativeCurrentScript && nativeCurrentScript.get) {
    Object.defineProperty(document, 'currentScript', {
      get: function() {
        var real = nativeCurrentScript.get.call(document);
        if (real) return real;
        var captchaScript = document.querySelector('script[data-callback], script[data-sitekey]');
        if (!captchaScript) return null;
        var synthetic = nativeCreateElement('script');
        for (var i = 0; i < captchaScript.attributes.length; i++) {
          var at = captchaScript.attributes[i];
          if (at.name.indexOf('data-') === 0) synthetic.setAttribute(at.name, at.value);
        }
        return synthetic;
      },
    });
  }

  var nativePostMessage = window.postMessage.bind(window);
  window.postMessage = function(message, targetOrigin, transfer) {
    if (targetOrigin && targetOrigin !== '*' && originOf(targetOrigin) === cfg.base_origin) {
      targetOrigin = '*';
    }
    return nativePostMessage(message, targetOrigin, transfer);
  };

  function handleTokenResponse(origin, headers) {
    var token = headers && (typeof headers.get === 'function' ? headers.get('x-csrf-token') : headers['x-csrf-token']);
    if (token) csrfByOrigin[origin] = token;
  }

  var nativeFetchForRetry = window.fetch;
  window.fetch = function(input, init) {
    var url = typeof input === 'string' ? input : (input && input.url) || '';
    var origin = originOf(url);
    return nativeFetchForRetry(input, init).then(function(resp) {
      handleTokenResponse(origin, resp.headers);
      var isChallenge = resp.headers.get('x-challenge-id') || resp.headers.get('x-challenge-type');
      if (resp.status === 403 && init && init.method && init.method !== 'GET' && !isChallenge && csrfByOrigin[origin] && !init.__cpoRetried) {
        var retryInit = Object.assign({}, init, { __cpoRetried: true, headers: Object.assign({}, init.headers, { 'x-csrf-token': csrfByOrigin[origin] }) });
        return nativeFetchForRetry(input, retryInit);
      }
      return resp;
    });
  };
})();`

var shimTemplate = template.Must(template.New("early").Parse(earlyShimSource))
var mainTemplate = template.Must(template.New("main").Parse(mainShimSource))

type templateData struct {
	ConfigJSON string
}

// Render produces the early and main shim source, each with cfg's
// configuration object substituted inline as a JSON literal. json.Marshal
// escapes '<', '>', and '&' to \u003c and friends, so configuration values
// cannot break out of the surrounding <script> element.
func Render(cfg Config) (early, main string, err error) {
	payload, err := json.Marshal(map[string]string{
		"public_origin": cfg.PublicOrigin,
		"base_url":      cfg.BaseURL,
		"base_origin":   cfg.BaseOrigin,
	})
	if err != nil {
		return "", "", fmt.Errorf("shim: marshal config: %w", err)
	}
	data := templateData{ConfigJSON: string(payload)}

	var earlyBuf, mainBuf bytes.Buffer
	if err := shimTemplate.Execute(&earlyBuf, data); err != nil {
		return "", "", fmt.Errorf("shim: render early shim: %w", err)
	}
	if err := mainTemplate.Execute(&mainBuf, data); err != nil {
		return "", "", fmt.Errorf("shim: render main shim: %w", err)
	}
	return earlyBuf.String(), mainBuf.String(), nil
}
