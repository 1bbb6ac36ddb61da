package browserproxy

import (
	"context"
	"net/http"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mojhehh/nebula/internal/logger"
)

// transcoderKillGrace is how long a preempted transcoder gets to exit after
// SIGTERM before exec escalates to SIGKILL.
const transcoderKillGrace = 2 * time.Second

// AudioTranscoder spawns a local transcoder per slot (container name ->
// host audio source, MPEG-TS output with a small muxdelay) and forwards
// each stdout chunk wrapped in a binary WebSocket frame. Exactly one
// transcoder runs per slot; a new subscriber preempts the previous one.
type AudioTranscoder struct {
	mu      sync.Mutex
	bySlot  map[int]*transcoderProcess
	command string
	log     *logger.Logger
}

type transcoderProcess struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewAudioTranscoder constructs an AudioTranscoder that invokes command
// (typically ffmpeg) to produce an MPEG-TS stream from containerName's
// audio source.
func NewAudioTranscoder(command string) *AudioTranscoder {
	return &AudioTranscoder{
		bySlot:  make(map[int]*transcoderProcess),
		command: command,
		log:     logger.WithComponent("bsb.browserproxy.audio"),
	}
}

// Serve upgrades the request to a WebSocket and streams transcoded audio
// for slot's container until the client disconnects or the transcoder
// exits, at which point the process is terminated.
func (a *AudioTranscoder) Serve(w http.ResponseWriter, r *http.Request, slotID int, containerName string) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	a.preempt(slotID)

	ctx, cancel := context.WithCancel(r.Context())
	done := make(chan struct{})
	a.mu.Lock()
	a.bySlot[slotID] = &transcoderProcess{cancel: cancel, done: done}
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.bySlot[slotID] != nil && a.bySlot[slotID].done == done {
			delete(a.bySlot, slotID)
		}
		a.mu.Unlock()
		close(done)
	}()

	cmd := exec.CommandContext(ctx, a.command,
		"-f", "pulse", "-i", containerName,
		"-f", "mpegts", "-muxdelay", "0.1", "-")
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = transcoderKillGrace
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		a.log.Warn("transcoder stdout pipe failed for slot %d: %v", slotID, err)
		return
	}
	if err := cmd.Start(); err != nil {
		a.log.Warn("transcoder start failed for slot %d: %v", slotID, err)
		return
	}
	defer cmd.Wait()

	buf := make([]byte, 16*1024)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if werr := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
				cancel()
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// preempt stops any transcoder already running for slotID. SIGTERM is sent
// to the transcoder process via the context cancellation (cmd.Cancel), and
// exec escalates to SIGKILL after transcoderKillGrace; callers waiting on
// the previous Serve call observe
// their stdout pipe close and return promptly.
func (a *AudioTranscoder) preempt(slotID int) {
	a.mu.Lock()
	prev := a.bySlot[slotID]
	a.mu.Unlock()
	if prev == nil {
		return
	}
	prev.cancel()
	<-prev.done
}
