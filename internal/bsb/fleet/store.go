package fleet

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mojhehh/nebula/internal/bsb/mirror"
	"github.com/mojhehh/nebula/internal/logger"
	"github.com/mojhehh/nebula/internal/observability"
)

// ErrURLTokenInvalid is returned when a url_token does not map to a live
// session, has already been consumed, or has expired.
var ErrURLTokenInvalid = errors.New("fleet: invalid or already-consumed url token")

const defaultURLTokenTTL = 5 * time.Minute

// Store owns the slot table and all secondary indexes under a single
// mutex: client_id -> slot_id, cookie_token -> slot_id, and
// url_token -> {slot_id, minted_at}. All mutation goes through Store so
// "find free slot and claim" and "release on timeout" cannot interleave to
// double-allocate.
type Store struct {
	mu sync.Mutex

	slots    []Slot
	sessions map[int]*Session // slot_id -> session

	clientToSlot map[string]int
	cookieToSlot map[string]int
	urlTokenInfo map[string]urlTokenEntry

	sessionTimeout    time.Duration
	wsPresenceTimeout time.Duration
	assignmentGrace   time.Duration
	urlTokenTTL       time.Duration

	heartbeatCounter int

	mirror  mirror.Store
	metrics *observability.Metrics
	log     *logger.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
}

type urlTokenEntry struct {
	slotID      int
	cookieToken string
	mintedAt    time.Time
}

// Config configures a Store.
type Config struct {
	SlotCount         int
	HostTemplate      string
	PortBase          int
	SessionTimeout    time.Duration
	WSPresenceTimeout time.Duration
	AssignmentGrace   time.Duration
	URLTokenTTL       time.Duration
	Mirror            mirror.Store
	Metrics           *observability.Metrics
}

// New constructs a Store with cfg.SlotCount fixed slots, restoring any
// still-live sessions from the mirror.
func New(cfg Config) *Store {
	slots := make([]Slot, cfg.SlotCount)
	for i := 0; i < cfg.SlotCount; i++ {
		id := i + 1
		slots[i] = Slot{ID: id, Host: fmt.Sprintf(cfg.HostTemplate, id), Port: cfg.PortBase + i}
	}

	if cfg.URLTokenTTL <= 0 {
		cfg.URLTokenTTL = defaultURLTokenTTL
	}
	s := &Store{
		slots:             slots,
		sessions:          make(map[int]*Session),
		clientToSlot:      make(map[string]int),
		cookieToSlot:      make(map[string]int),
		urlTokenInfo:      make(map[string]urlTokenEntry),
		sessionTimeout:    cfg.SessionTimeout,
		wsPresenceTimeout: cfg.WSPresenceTimeout,
		assignmentGrace:   cfg.AssignmentGrace,
		urlTokenTTL:       cfg.URLTokenTTL,
		mirror:            cfg.Mirror,
		metrics:           cfg.Metrics,
		log:               logger.WithComponent("bsb.fleet"),
		stopCh:            make(chan struct{}),
	}
	s.restore()
	return s
}

func (s *Store) restore() {
	now := time.Now()
	for _, slot := range s.slots {
		var state mirror.SlotState
		found, err := s.mirror.Get(fmt.Sprintf("fleet/state/%d", slot.ID), &state)
		if err != nil || !found || !state.InUse {
			continue
		}
		lastHeartbeat := time.Unix(state.LastHeartbeat, 0)
		if now.Sub(lastHeartbeat) > s.sessionTimeout {
			s.mirrorSet(fmt.Sprintf("fleet/state/%d", slot.ID), mirror.SlotState{InUse: false})
			continue
		}
		// Restore the session, but re-mint cookie_token: the in-process
		// reverse maps did not survive the restart, so any outstanding
		// url_token from before restart is effectively invalidated (§9).
		cookieToken := mustRandomToken()
		sess := &Session{
			SlotID:          slot.ID,
			ClientID:        state.ClientID,
			SessionID:       state.SessionID,
			AssignedAt:      now,
			LastHeartbeatAt: lastHeartbeat,
			CookieToken:     cookieToken,
		}
		s.sessions[slot.ID] = sess
		s.clientToSlot[state.ClientID] = slot.ID
		s.cookieToSlot[cookieToken] = slot.ID
		s.log.Info("restored slot %d for client %s", slot.ID, state.ClientID)
	}
}

// Request assigns a slot to clientID, returning the existing session (with
// a freshly-minted url_token) if one is live, or claiming the lowest-id
// free slot otherwise.
func (s *Store) Request(clientID string) (*AssignResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slotID, ok := s.clientToSlot[clientID]; ok {
		sess := s.sessions[slotID]
		s.mintURLTokenLocked(sess)
		return &AssignResult{Slot: s.slotByID(slotID), Session: *sess, Existing: true}, nil
	}

	free := s.freeSlotLocked()
	if free == nil {
		inUse := len(s.sessions)
		return nil, &ErrAllSlotsBusy{InUse: inUse, Total: len(s.slots), RetryAfterSecs: 10}
	}

	now := time.Now()
	sess := &Session{
		SlotID:      free.ID,
		ClientID:    clientID,
		SessionID:   mustRandomToken(),
		AssignedAt:  now,
		CookieToken: mustRandomToken(),
	}
	s.mintURLTokenLocked(sess)
	sess.LastHeartbeatAt = now

	s.sessions[free.ID] = sess
	s.clientToSlot[clientID] = free.ID
	s.cookieToSlot[sess.CookieToken] = free.ID

	s.incMetric("assignments")
	s.mirrorSlotLocked(free.ID)
	return &AssignResult{Slot: *free, Session: *sess, Existing: false}, nil
}

// mintURLTokenLocked replaces sess.URLToken with a fresh one-shot value,
// preserving CookieToken. Caller must hold s.mu.
func (s *Store) mintURLTokenLocked(sess *Session) {
	token := mustRandomToken()
	sess.URLToken = token
	sess.URLTokenAt = time.Now()
	s.urlTokenInfo[token] = urlTokenEntry{slotID: sess.SlotID, cookieToken: sess.CookieToken, mintedAt: sess.URLTokenAt}
}

func (s *Store) freeSlotLocked() *Slot {
	for i := range s.slots {
		if _, inUse := s.sessions[s.slots[i].ID]; !inUse {
			return &s.slots[i]
		}
	}
	return nil
}

func (s *Store) slotByID(id int) Slot {
	for _, sl := range s.slots {
		if sl.ID == id {
			return sl
		}
	}
	return Slot{}
}

// SlotByID returns the slot with the given id, reporting whether it exists.
func (s *Store) SlotByID(id int) (Slot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sl := range s.slots {
		if sl.ID == id {
			return sl, true
		}
	}
	return Slot{}, false
}

// Check reports the live session for clientID, if any, without minting a
// fresh url_token.
func (s *Store) Check(clientID string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slotID, ok := s.clientToSlot[clientID]
	if !ok {
		return nil, false
	}
	sess := s.sessions[slotID]
	cp := *sess
	return &cp, true
}

// ConsumeURLToken atomically consumes a url_token: it either returns the
// session it belonged to (so the caller can issue the partner cookie) or
// fails. A token is accepted at most once.
func (s *Store) ConsumeURLToken(token string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.urlTokenInfo[token]
	if !ok {
		return nil, ErrURLTokenInvalid
	}
	delete(s.urlTokenInfo, token)
	if time.Since(entry.mintedAt) > s.urlTokenTTL {
		return nil, ErrURLTokenInvalid
	}
	sess, ok := s.sessions[entry.slotID]
	if !ok {
		return nil, ErrURLTokenInvalid
	}
	cp := *sess
	return &cp, nil
}

// ValidateCookieToken reports the live session granting access for
// cookieToken, if any.
func (s *Store) ValidateCookieToken(cookieToken string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slotID, ok := s.cookieToSlot[cookieToken]
	if !ok {
		return nil, false
	}
	sess, ok := s.sessions[slotID]
	if !ok {
		return nil, false
	}
	cp := *sess
	return &cp, true
}

// Heartbeat updates last_heartbeat_at for the session owning slotID; the
// session keeps no separate last-activity timestamp. At most one in five
// heartbeats propagates to the mirror.
func (s *Store) Heartbeat(slotID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[slotID]
	if !ok {
		return false
	}
	sess.LastHeartbeatAt = time.Now()
	s.heartbeatCounter++
	if s.heartbeatCounter%5 == 0 {
		s.mirrorSlotLocked(slotID)
	}
	return true
}

// HeartbeatBySessionID updates last_heartbeat_at by session id rather than
// slot id.
func (s *Store) HeartbeatBySessionID(sessionID string) bool {
	s.mu.Lock()
	slotID := -1
	for id, sess := range s.sessions {
		if sess.SessionID == sessionID {
			slotID = id
			break
		}
	}
	s.mu.Unlock()
	if slotID == -1 {
		return false
	}
	return s.Heartbeat(slotID)
}

// TouchWSConnected increments the active WebSocket counter for slotID.
func (s *Store) TouchWSConnected(slotID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[slotID]; ok {
		sess.ActiveWSCount++
	}
}

// TouchWSDisconnected decrements the active WebSocket counter for slotID
// and records the disconnect time once it reaches zero.
func (s *Store) TouchWSDisconnected(slotID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[slotID]
	if !ok {
		return
	}
	if sess.ActiveWSCount > 0 {
		sess.ActiveWSCount--
	}
	if sess.ActiveWSCount == 0 {
		sess.LastWSGoneAt = time.Now()
	}
}

// Release removes every trace of the session occupying slotID: the session
// record, both token mappings (including every outstanding url_token for
// that slot), the client_id->slot mapping, and writes a tombstone to the
// mirror.
func (s *Store) Release(slotID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(slotID)
}

// ReleaseByClientID releases whatever slot clientID currently occupies, if any.
func (s *Store) ReleaseByClientID(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	slotID, ok := s.clientToSlot[clientID]
	if !ok {
		return false
	}
	s.releaseLocked(slotID)
	return true
}

func (s *Store) releaseLocked(slotID int) {
	sess, ok := s.sessions[slotID]
	if !ok {
		return
	}
	delete(s.sessions, slotID)
	delete(s.clientToSlot, sess.ClientID)
	delete(s.cookieToSlot, sess.CookieToken)
	for token, entry := range s.urlTokenInfo {
		if entry.slotID == slotID {
			delete(s.urlTokenInfo, token)
		}
	}
	s.incMetric("releases")
	s.mirrorSet(fmt.Sprintf("fleet/state/%d", slotID), mirror.SlotState{InUse: false})
	s.mirrorSummaryLocked()
}

// mirrorSet writes to the state mirror, logging and swallowing failures:
// the in-process state is authoritative, the mirror is best-effort.
func (s *Store) mirrorSet(path string, value any) {
	if err := s.mirror.Set(path, value); err != nil {
		s.log.Warn("mirror write %s failed: %v", path, err)
	}
}

func (s *Store) mirrorSlotLocked(slotID int) {
	sess, ok := s.sessions[slotID]
	if !ok {
		return
	}
	s.mirrorSet(fmt.Sprintf("fleet/state/%d", slotID), mirror.SlotState{
		InUse:         true,
		ClientID:      sess.ClientID,
		SessionID:     sess.SessionID,
		LastUsed:      sess.AssignedAt.Unix(),
		LastHeartbeat: sess.LastHeartbeatAt.Unix(),
	})
	s.mirrorSummaryLocked()
}

func (s *Store) mirrorSummaryLocked() {
	browsers := make([]mirror.BrowserSummary, len(s.slots))
	for i, slot := range s.slots {
		_, inUse := s.sessions[slot.ID]
		browsers[i] = mirror.BrowserSummary{ID: slot.ID, Available: !inUse}
	}
	s.mirrorSet("fleet/summary", mirror.FleetSummary{
		InUse:     len(s.sessions),
		Available: len(s.slots) - len(s.sessions),
		Total:     len(s.slots),
		UpdatedAt: time.Now().Unix(),
		Browsers:  browsers,
	})
}

// Stats summarizes fleet occupancy for the admin API.
type Stats struct {
	Total     int
	Available int
	InUse     int
	Browsers  []mirror.BrowserSummary
}

// Stats returns a point-in-time occupancy snapshot.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	browsers := make([]mirror.BrowserSummary, len(s.slots))
	for i, slot := range s.slots {
		_, inUse := s.sessions[slot.ID]
		browsers[i] = mirror.BrowserSummary{ID: slot.ID, Available: !inUse}
	}
	return Stats{
		Total:     len(s.slots),
		Available: len(s.slots) - len(s.sessions),
		InUse:     len(s.sessions),
		Browsers:  browsers,
	}
}

func (s *Store) incMetric(name string) {
	if s.metrics != nil {
		s.metrics.IncCounter(name, 1)
	}
}

// Stop halts the background reaper and token-GC loops.
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func mustRandomToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("fleet: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
