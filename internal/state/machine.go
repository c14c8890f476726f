package state

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/barmate/match-app/internal/backend"
	"github.com/barmate/match-app/internal/notify"
	"github.com/barmate/match-app/internal/profile"
)

const (
	// opTimeout bounds every backend call dispatched by the machine.
	opTimeout = 10 * time.Second

	// eventQueueSize is the buffer of the internal event queue. Intents and
	// completions are rare (human-paced), so a small buffer is plenty.
	eventQueueSize = 64
)

// Config wires the machine's collaborators. Pool, Messages, and Store are
// required; the rest default to no-ops.
type Config struct {
	Pool     backend.PoolService
	Messages backend.MessageService
	Push     backend.PushService // optional
	Notifier notify.Gateway      // optional, defaults to notify.LogGateway
	Store    Store

	// Alert surfaces blocking errors (registration failure) to the user.
	// Defaults to a log line.
	Alert func(msg string)

	// PushSubscription obtains or creates the host's push subscription.
	// Optional; registration is skipped when absent or when ok is false.
	PushSubscription func() (sub backend.PushSubscription, ok bool)
}

// Machine owns the SessionState and serializes every transition through a
// single run-loop goroutine. Collaborator calls never block the loop: they
// run in short-lived goroutines that post completions back as events.
type Machine struct {
	pool     backend.PoolService
	msgs     backend.MessageService
	push     backend.PushService
	notifier notify.Gateway
	store    Store
	alert    func(string)
	pushSub  func() (backend.PushSubscription, bool)

	events  chan event
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu      sync.RWMutex
	st      SessionState
	focused bool

	// Loop-owned fields. Touched only from the run loop.
	gen      uint64
	entrySub backend.Subscription
	msgSub   backend.Subscription
}

// New creates a machine in the idle state. Call Start to load the persisted
// snapshot and begin processing events.
func New(cfg Config) *Machine {
	m := &Machine{
		pool:     cfg.Pool,
		msgs:     cfg.Messages,
		push:     cfg.Push,
		notifier: cfg.Notifier,
		store:    cfg.Store,
		alert:    cfg.Alert,
		pushSub:  cfg.PushSubscription,
		events:   make(chan event, eventQueueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		focused:  true,
		st:       SessionState{Status: StatusIdle},
	}
	if m.notifier == nil {
		m.notifier = notify.LogGateway{}
	}
	if m.alert == nil {
		m.alert = func(msg string) { log.Printf("[state] alert: %s", msg) }
	}
	return m
}

// Start loads the persisted snapshot, starts the run loop, and re-attaches
// live subscriptions for a searching or matched session. Rehydration
// performs reads and subscribe calls only; it never re-registers a pool
// entry or re-sends a disconnect signal.
func (m *Machine) Start(ctx context.Context) error {
	snap, err := m.store.Load(ctx)
	if err != nil {
		log.Printf("[state] load snapshot: %v (starting fresh)", err)
	} else if snap != nil {
		m.mu.Lock()
		m.st = SessionState{
			Status:        snap.Status,
			Profile:       snap.Profile,
			MatchedUser:   snap.MatchedUser,
			Messages:      snap.Messages,
			ChatPanelOpen: snap.ChatPanelOpen,
		}
		m.mu.Unlock()
	}

	go m.run()
	m.post(intentRehydrate{})
	return nil
}

// Stop shuts down the run loop and tears down live subscriptions.
func (m *Machine) Stop() {
	m.once.Do(func() { close(m.done) })
	<-m.stopped
}

// Snapshot returns a deep copy of the current session state.
func (m *Machine) Snapshot() SessionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.clone()
}

// --- intents -------------------------------------------------------------

// StartSearching validates the profile and enters the pool. A call while a
// previous search or chat is live supersedes it.
func (m *Machine) StartSearching(p profile.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.post(intentStartSearching{prof: p.Clone()})
	return nil
}

// SendMessage optimistically appends the text and persists it best-effort.
// Only meaningful while matched; otherwise it is dropped.
func (m *Machine) SendMessage(text string) {
	if text == "" {
		return
	}
	m.post(intentSendMessage{text: text})
}

// Disconnect marks our pool entry disconnected, signals the partner, and
// resets local state. The two backend writes are independent; the local
// reset is unconditional.
func (m *Machine) Disconnect() { m.post(intentDisconnect{}) }

// FindNewMatch resets local state and re-enters the pool with the known
// profile (the backend id is reissued).
func (m *Machine) FindNewMatch() { m.post(intentFindNewMatch{}) }

// Reset returns to idle, clearing the match and the thread but keeping the
// profile. Idempotent.
func (m *Machine) Reset() { m.post(intentReset{}) }

// SetChatPanelOpen records whether the chat panel is visible. Inbound
// messages raise notifications only while it is closed or unfocused.
func (m *Machine) SetChatPanelOpen(open bool) { m.post(intentSetPanel{open: open}) }

// SetFocused records whether the host page is in the foreground.
func (m *Machine) SetFocused(focused bool) { m.post(intentSetFocused{focused: focused}) }

func (m *Machine) post(ev event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// --- run loop ------------------------------------------------------------

func (m *Machine) run() {
	defer close(m.stopped)
	for {
		select {
		case <-m.done:
			m.teardownSubs()
			return
		case ev := <-m.events:
			if c, ok := ev.(completion); ok && c.generation() != m.gen {
				// Completion from a superseded search or a reset session.
				continue
			}
			m.handle(ev)
		}
	}
}

func (m *Machine) handle(ev event) {
	switch ev := ev.(type) {
	case intentStartSearching:
		m.handleStartSearching(ev.prof)
	case intentSendMessage:
		m.handleSendMessage(ev.text)
	case intentDisconnect:
		m.handleDisconnect()
	case intentFindNewMatch:
		prof := m.snapshotProfile()
		m.resetLocal()
		m.handleStartSearching(prof)
	case intentReset:
		m.resetLocal()
	case intentSetPanel:
		m.setState(func(st *SessionState) { st.ChatPanelOpen = ev.open })
	case intentSetFocused:
		m.mu.Lock()
		m.focused = ev.focused
		m.mu.Unlock()
	case intentRehydrate:
		m.handleRehydrate()
	case evRegistered:
		m.handleRegistered(ev.id)
	case evRegisterFailed:
		m.handleRegisterFailed(ev.err)
	case evAwaitPairing:
		m.attachEntrySub()
	case evEntryUpdate:
		m.handleEntryUpdate(ev.update)
	case evMatched:
		m.handleMatched(ev.partner, ev.history)
	case evSeeded:
		m.handleSeeded(ev.history)
	case evInbound:
		m.handleInbound(ev.msg)
	}
}

func (m *Machine) handleStartSearching(prof profile.Profile) {
	// Supersede any live search or chat.
	m.teardownSubs()
	m.gen++

	prof.ID = "" // the backend reissues ids on every registration
	m.setState(func(st *SessionState) {
		st.Status = StatusSearching
		st.Profile = prof
		st.MatchedUser = nil
		st.Messages = nil
		st.ChatPanelOpen = false
	})

	g := m.gen
	go m.requestPermission()
	go m.register(g, prof)
}

func (m *Machine) handleRegistered(id string) {
	m.setState(func(st *SessionState) { st.Profile.ID = id })

	g := m.gen
	langs := m.snapshotProfile().Languages
	go m.registerPush(id)
	go m.attemptPairing(g, id, langs)
}

func (m *Machine) handleRegisterFailed(err error) {
	log.Printf("[state] registration failed: %v", err)
	m.setState(func(st *SessionState) { st.Status = StatusIdle })
	m.alert("Failed to start searching. Please try again.")
}

func (m *Machine) handleEntryUpdate(upd backend.EntryEvent) {
	m.mu.RLock()
	searching := m.st.Status == StatusSearching
	myID := m.st.Profile.ID
	m.mu.RUnlock()
	if !searching || upd.ID != myID {
		return
	}
	if upd.Status != backend.StatusMatched || upd.MatchedWithID == "" {
		return
	}
	go m.resolvePartner(m.gen, myID, upd.MatchedWithID)
}

func (m *Machine) handleMatched(partner profile.Profile, history []ChatMessage) {
	// The pairing wait is over; the pool-change subscription tears itself
	// down here.
	m.unsubscribeEntry()

	m.setState(func(st *SessionState) {
		st.Status = StatusMatched
		st.MatchedUser = &partner
		st.Messages = history
		st.ChatPanelOpen = true
	})

	if err := m.notifier.Show("Match found!", fmt.Sprintf("You matched with %s!", partner.Name)); err != nil {
		log.Printf("[state] notify: %v", err)
	}
	m.attachInboundSub()
}

func (m *Machine) handleSeeded(history []ChatMessage) {
	// A nil history means the fetch failed; the persisted thread stands
	// until the next successful event.
	if history != nil {
		m.setState(func(st *SessionState) { st.Messages = history })
	}
	m.attachInboundSub()
}

func (m *Machine) handleInbound(msg backend.StoredMessage) {
	m.mu.RLock()
	st := m.st
	focused := m.focused
	m.mu.RUnlock()

	if st.Status != StatusMatched && st.Status != StatusPartnerDisconnected {
		return
	}
	// Cross-talk defense: only the known partner may speak here.
	if st.MatchedUser == nil || msg.SenderID != st.MatchedUser.ID {
		return
	}

	hidden := !st.ChatPanelOpen || !focused

	if msg.Content == backend.DisconnectSignal {
		m.setState(func(s *SessionState) {
			s.Status = StatusPartnerDisconnected
			s.ChatPanelOpen = true
		})
		if hidden {
			if err := m.notifier.Show("Partner disconnected", "Your buddy left the chat."); err != nil {
				log.Printf("[state] notify: %v", err)
			}
		}
		return
	}

	m.setState(func(s *SessionState) {
		s.Messages = append(s.Messages, ChatMessage{
			ID:        msg.ID,
			Sender:    SenderThem,
			Text:      msg.Content,
			Timestamp: msg.CreatedAt.UnixMilli(),
		})
	})
	if hidden {
		if err := m.notifier.Show("New message", msg.Content); err != nil {
			log.Printf("[state] notify: %v", err)
		}
	}
}

func (m *Machine) handleSendMessage(text string) {
	m.mu.RLock()
	status := m.st.Status
	myID := m.st.Profile.ID
	var partnerID string
	if m.st.MatchedUser != nil {
		partnerID = m.st.MatchedUser.ID
	}
	m.mu.RUnlock()

	if status != StatusMatched || myID == "" || partnerID == "" {
		log.Printf("[state] dropping message sent while %s", status)
		return
	}

	m.setState(func(st *SessionState) {
		st.Messages = append(st.Messages, ChatMessage{
			ID:        uuid.New().String(),
			Sender:    SenderMe,
			Text:      text,
			Timestamp: time.Now().UnixMilli(),
		})
	})

	// Best-effort, at-most-once: the optimistic bubble stays even when the
	// write fails.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := m.msgs.InsertMessage(ctx, myID, partnerID, text); err != nil {
			log.Printf("[state] send message: %v", err)
		}
	}()
}

func (m *Machine) handleDisconnect() {
	m.mu.RLock()
	myID := m.st.Profile.ID
	var partnerID string
	if m.st.MatchedUser != nil {
		partnerID = m.st.MatchedUser.ID
	}
	m.mu.RUnlock()

	if myID != "" {
		// Two independent writes; partial failure is possible and not
		// rolled back. The partner learns of the departure only through
		// the signal message.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			status := backend.StatusDisconnected
			cleared := ""
			upd := backend.EntryUpdate{Status: &status, MatchedWithID: &cleared}
			if err := m.pool.UpdateEntry(ctx, myID, upd); err != nil {
				log.Printf("[state] disconnect status update: %v", err)
			}
			if partnerID != "" {
				if err := m.msgs.InsertMessage(ctx, myID, partnerID, backend.DisconnectSignal); err != nil {
					log.Printf("[state] disconnect signal: %v", err)
				}
			}
		}()
	}

	m.resetLocal()
}

func (m *Machine) handleRehydrate() {
	m.mu.RLock()
	st := m.st
	m.mu.RUnlock()

	switch {
	case st.Status == StatusSearching && st.Profile.ID != "":
		// Resume the wait; no new pool entry is submitted.
		m.attachEntrySub()
	case (st.Status == StatusMatched || st.Status == StatusPartnerDisconnected) &&
		st.Profile.ID != "" && st.MatchedUser != nil && st.MatchedUser.ID != "":
		go m.seedHistory(m.gen, st.Profile.ID, st.MatchedUser.ID)
	}
}

func (m *Machine) resetLocal() {
	m.teardownSubs()
	m.gen++
	m.setState(func(st *SessionState) {
		st.Status = StatusIdle
		st.MatchedUser = nil
		st.Messages = nil
		st.ChatPanelOpen = false
		// Profile is kept for convenience.
	})
}

// --- async collaborator calls -------------------------------------------

func (m *Machine) register(g uint64, prof profile.Profile) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	id, err := m.pool.InsertEntry(ctx, backend.Entry{
		Name:      prof.Name,
		Contact:   prof.Contact,
		Languages: prof.Languages,
		Status:    backend.StatusWaiting,
	})
	if err != nil {
		m.post(evRegisterFailed{gen(g), fmt.Errorf("state: insert pool entry: %w", err)})
		return
	}
	m.post(evRegistered{gen(g), id})
}

func (m *Machine) attemptPairing(g uint64, id string, languages []string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	partnerID, err := m.pool.PairEntry(ctx, id, languages)
	if err != nil {
		m.post(evRegisterFailed{gen(g), fmt.Errorf("state: pairing attempt: %w", err)})
		return
	}
	if partnerID == "" {
		m.post(evAwaitPairing{gen(g)})
		return
	}

	partner, history, err := m.fetchPartner(ctx, id, partnerID)
	if err != nil {
		// Lookup failure after a found pairing: log and fall back to the
		// realtime wait.
		log.Printf("[state] resolve immediate match: %v", err)
		m.post(evAwaitPairing{gen(g)})
		return
	}
	m.post(evMatched{gen(g), partner, history})
}

func (m *Machine) resolvePartner(g uint64, myID, partnerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	partner, history, err := m.fetchPartner(ctx, myID, partnerID)
	if err != nil {
		// Stay searching with the subscription attached; the next event
		// retries the lookup.
		log.Printf("[state] resolve partner: %v", err)
		return
	}
	m.post(evMatched{gen(g), partner, history})
}

func (m *Machine) fetchPartner(ctx context.Context, myID, partnerID string) (profile.Profile, []ChatMessage, error) {
	entry, err := m.pool.GetEntry(ctx, partnerID)
	if err != nil {
		return profile.Profile{}, nil, fmt.Errorf("state: lookup partner %s: %w", partnerID, err)
	}
	if entry == nil {
		return profile.Profile{}, nil, fmt.Errorf("state: partner %s not found", partnerID)
	}

	partner := profile.Profile{
		ID:        entry.ID,
		Name:      entry.Name,
		Contact:   entry.Contact,
		Languages: entry.Languages,
	}

	history, err := m.fetchHistory(ctx, myID, partnerID)
	if err != nil {
		// History is best-effort on establishment; live events fill in.
		log.Printf("[state] fetch history: %v", err)
		history = nil
	}
	return partner, history, nil
}

func (m *Machine) seedHistory(g uint64, myID, partnerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	history, err := m.fetchHistory(ctx, myID, partnerID)
	if err != nil {
		log.Printf("[state] rehydrate history: %v", err)
		m.post(evSeeded{gen(g), nil})
		return
	}
	m.post(evSeeded{gen(g), history})
}

func (m *Machine) fetchHistory(ctx context.Context, myID, partnerID string) ([]ChatMessage, error) {
	stored, err := m.msgs.History(ctx, myID, partnerID)
	if err != nil {
		return nil, err
	}
	out := make([]ChatMessage, 0, len(stored))
	for _, sm := range stored {
		sender := SenderThem
		if sm.SenderID == myID {
			sender = SenderMe
		}
		out = append(out, ChatMessage{
			ID:        sm.ID,
			Sender:    sender,
			Text:      sm.Content,
			Timestamp: sm.CreatedAt.UnixMilli(),
		})
	}
	return out, nil
}

func (m *Machine) requestPermission() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if _, err := m.notifier.RequestPermission(ctx); err != nil {
		log.Printf("[state] request permission: %v", err)
	}
}

func (m *Machine) registerPush(userID string) {
	if m.push == nil || m.pushSub == nil {
		return
	}
	sub, ok := m.pushSub()
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := m.push.RegisterSubscription(ctx, userID, sub); err != nil {
		log.Printf("[state] register push subscription: %v", err)
	}
}

// --- subscriptions -------------------------------------------------------

func (m *Machine) attachEntrySub() {
	m.unsubscribeEntry()

	m.mu.RLock()
	id := m.st.Profile.ID
	m.mu.RUnlock()
	if id == "" {
		return
	}

	g := m.gen
	sub, err := m.pool.SubscribeEntry(id, func(upd backend.EntryEvent) {
		m.post(evEntryUpdate{gen(g), upd})
	})
	if err != nil {
		log.Printf("[state] subscribe entry changes: %v", err)
		return
	}
	m.entrySub = sub
}

func (m *Machine) attachInboundSub() {
	m.unsubscribeInbound()

	m.mu.RLock()
	id := m.st.Profile.ID
	m.mu.RUnlock()
	if id == "" {
		return
	}

	g := m.gen
	sub, err := m.msgs.SubscribeInbound(id, func(sm backend.StoredMessage) {
		m.post(evInbound{gen(g), sm})
	})
	if err != nil {
		log.Printf("[state] subscribe inbound messages: %v", err)
		return
	}
	m.msgSub = sub
}

func (m *Machine) unsubscribeEntry() {
	if m.entrySub != nil {
		if err := m.entrySub.Unsubscribe(); err != nil {
			log.Printf("[state] unsubscribe entry changes: %v", err)
		}
		m.entrySub = nil
	}
}

func (m *Machine) unsubscribeInbound() {
	if m.msgSub != nil {
		if err := m.msgSub.Unsubscribe(); err != nil {
			log.Printf("[state] unsubscribe inbound messages: %v", err)
		}
		m.msgSub = nil
	}
}

func (m *Machine) teardownSubs() {
	m.unsubscribeEntry()
	m.unsubscribeInbound()
}

// --- state helpers -------------------------------------------------------

// setState mutates the session state under lock and persists the durable
// subset. Every transition funnels through here (save-on-every-transition).
func (m *Machine) setState(fn func(*SessionState)) {
	m.mu.Lock()
	fn(&m.st)
	snap := persisted{
		Status:        m.st.Status,
		Profile:       m.st.Profile,
		MatchedUser:   m.st.MatchedUser,
		Messages:      m.st.Messages,
		ChatPanelOpen: m.st.ChatPanelOpen,
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := m.store.Save(ctx, snap); err != nil {
		log.Printf("[state] persist snapshot: %v", err)
	}
}

func (m *Machine) snapshotProfile() profile.Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.Profile.Clone()
}
