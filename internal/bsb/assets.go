// Package bsb ties together the fleet store, browser proxy, and admin API
// into the Browser-Session Broker binary.
package bsb

// DefaultEnhancementScript is injected into the root HTML page served
// through the browser proxy (§4.H). It wires touch-scroll forwarding, the
// audio side-channel player, a heartbeat loop against the admin API, a
// quality-setting control, and lightweight UI tooltips. Kept as a single
// string constant the way the URP shim sources are, rather than a
// templated asset, since it carries no per-request configuration.
const DefaultEnhancementScript = `
(function(){
  var slotMatch = location.pathname.match(/^\/browser\/(\d+)\//);
  if (!slotMatch) return;
  var slotID = slotMatch[1];

  function forwardTouchScroll(e) {
    if (e.touches && e.touches.length === 1) {
      var t = e.touches[0];
      window.dispatchEvent(new CustomEvent('__cpo-touch-scroll', {detail: {x: t.clientX, y: t.clientY}}));
    }
  }
  document.addEventListener('touchmove', forwardTouchScroll, {passive: true});

  var audioEl = null;
  function connectAudio() {
    try {
      var proto = location.protocol === 'https:' ? 'wss:' : 'ws:';
      var ws = new WebSocket(proto + '//' + location.host + '/browser/' + slotID + '/audio');
      ws.binaryType = 'arraybuffer';
      var mediaSource = new MediaSource();
      audioEl = document.createElement('audio');
      audioEl.src = URL.createObjectURL(mediaSource);
      audioEl.autoplay = true;
      audioEl.style.display = 'none';
      document.body.appendChild(audioEl);
      mediaSource.addEventListener('sourceopen', function() {
        var sourceBuffer;
        try { sourceBuffer = mediaSource.addSourceBuffer('video/mp2t'); } catch (e) { return; }
        ws.onmessage = function(ev) {
          if (!sourceBuffer.updating) {
            try { sourceBuffer.appendBuffer(new Uint8Array(ev.data)); } catch (e) {}
          }
        };
      });
    } catch (e) { /* audio side-channel unavailable, browse continues without it */ }
  }
  connectAudio();

  var heartbeatFailures = 0;
  function heartbeat() {
    fetch('/api/heartbeat', {
      method: 'POST',
      headers: {'Content-Type': 'application/json'},
      body: JSON.stringify({browserId: Number(slotID)})
    }).then(function(r) {
      heartbeatFailures = r.ok ? 0 : heartbeatFailures + 1;
    }).catch(function() { heartbeatFailures++; });
  }
  heartbeat();
  setInterval(heartbeat, 30000);

  var qualityLevels = ['low', 'medium', 'high'];
  var qualityIdx = 1;
  window.__cpoSetQuality = function(level) {
    var idx = qualityLevels.indexOf(level);
    if (idx === -1) return;
    qualityIdx = idx;
    window.dispatchEvent(new CustomEvent('__cpo-quality-change', {detail: {level: level}}));
  };

  function addTooltip(el, text) {
    el.setAttribute('title', text);
  }
  document.addEventListener('DOMContentLoaded', function() {
    var body = document.body;
    if (body) addTooltip(body, 'Remote browsing session ' + slotID);
  });
})();
`
