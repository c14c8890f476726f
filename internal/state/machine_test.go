package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barmate/match-app/internal/backend"
	"github.com/barmate/match-app/internal/profile"
)

const waitFor = 2 * time.Second

// --- fakes ---------------------------------------------------------------

type fakeSub struct {
	mu     sync.Mutex
	closed bool
}

func (s *fakeSub) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type updateCall struct {
	id  string
	upd backend.EntryUpdate
}

type insertedMsg struct {
	sender, receiver, content string
}

// fakeBackend implements the pool, message, and push ports with scripted
// responses. Tests fire realtime events through FireEntryEvent/FireInbound.
type fakeBackend struct {
	mu sync.Mutex

	insertErr error
	nextID    int
	inserted  []backend.Entry

	entries map[string]backend.Entry

	pairErr    error
	pairResult string
	pairGate   chan struct{} // when non-nil, PairEntry blocks until closed

	updates   []updateCall
	updateErr error

	messages   []insertedMsg
	messageErr error
	history    []backend.StoredMessage

	entrySubs   map[string]func(backend.EntryEvent)
	inboundSubs map[string]func(backend.StoredMessage)

	pushCalls int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		entries:     make(map[string]backend.Entry),
		entrySubs:   make(map[string]func(backend.EntryEvent)),
		inboundSubs: make(map[string]func(backend.StoredMessage)),
	}
}

func (f *fakeBackend) InsertEntry(ctx context.Context, e backend.Entry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.nextID++
	id := fmt.Sprintf("me-%d", f.nextID)
	e.ID = id
	f.inserted = append(f.inserted, e)
	f.entries[id] = e
	return id, nil
}

func (f *fakeBackend) GetEntry(ctx context.Context, id string) (*backend.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, nil
	}
	cp := e
	return &cp, nil
}

func (f *fakeBackend) UpdateEntry(ctx context.Context, id string, upd backend.EntryUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, updateCall{id: id, upd: upd})
	return f.updateErr
}

func (f *fakeBackend) PairEntry(ctx context.Context, id string, languages []string) (string, error) {
	f.mu.Lock()
	gate := f.pairGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pairErr != nil {
		return "", f.pairErr
	}
	return f.pairResult, nil
}

func (f *fakeBackend) SubscribeEntry(id string, fn func(backend.EntryEvent)) (backend.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entrySubs[id] = fn
	return &fakeSub{}, nil
}

func (f *fakeBackend) InsertMessage(ctx context.Context, senderID, receiverID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, insertedMsg{senderID, receiverID, content})
	return f.messageErr
}

func (f *fakeBackend) History(ctx context.Context, a, b string) ([]backend.StoredMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.StoredMessage(nil), f.history...), nil
}

func (f *fakeBackend) SubscribeInbound(receiverID string, fn func(backend.StoredMessage)) (backend.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inboundSubs[receiverID] = fn
	return &fakeSub{}, nil
}

func (f *fakeBackend) RegisterSubscription(ctx context.Context, userID string, sub backend.PushSubscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushCalls++
	return nil
}

func (f *fakeBackend) FireEntryEvent(id string, ev backend.EntryEvent) bool {
	f.mu.Lock()
	fn := f.entrySubs[id]
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(ev)
	return true
}

func (f *fakeBackend) FireInbound(receiverID string, msg backend.StoredMessage) bool {
	f.mu.Lock()
	fn := f.inboundSubs[receiverID]
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(msg)
	return true
}

func (f *fakeBackend) hasEntrySub(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entrySubs[id] != nil
}

func (f *fakeBackend) hasInboundSub(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inboundSubs[id] != nil
}

func (f *fakeBackend) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func (f *fakeBackend) insertedMessages() []insertedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]insertedMsg(nil), f.messages...)
}

func (f *fakeBackend) updateCalls() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]updateCall(nil), f.updates...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	shown []string // "title|body"
}

func (n *fakeNotifier) RequestPermission(ctx context.Context) (bool, error) { return true, nil }

func (n *fakeNotifier) Show(title, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shown = append(n.shown, title+"|"+body)
	return nil
}

func (n *fakeNotifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.shown))
	for _, s := range n.shown {
		for i := 0; i < len(s); i++ {
			if s[i] == '|' {
				out = append(out, s[:i])
				break
			}
		}
	}
	return out
}

type alertRecorder struct {
	mu    sync.Mutex
	msgs  []string
	alert func(string)
}

func newAlertRecorder() *alertRecorder {
	r := &alertRecorder{}
	r.alert = func(msg string) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.msgs = append(r.msgs, msg)
	}
	return r
}

func (r *alertRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

// --- helpers -------------------------------------------------------------

func testProfile() profile.Profile {
	return profile.Profile{
		Name:      "Alice",
		Contact:   "@alice",
		Languages: []string{"en"},
	}
}

func partnerEntry(id string) backend.Entry {
	return backend.Entry{
		ID:        id,
		Name:      "Bob",
		Contact:   "@bob",
		Languages: []string{"en", "vi"},
		Status:    backend.StatusMatched,
	}
}

func startMachine(t *testing.T, fb *fakeBackend, fn *fakeNotifier, store Store, alert func(string)) *Machine {
	t.Helper()
	m := New(Config{
		Pool:     fb,
		Messages: fb,
		Push:     fb,
		Notifier: fn,
		Store:    store,
		Alert:    alert,
	})
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(m.Stop)
	return m
}

func waitForStatus(t *testing.T, m *Machine, want Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Snapshot().Status == want
	}, waitFor, 5*time.Millisecond, "expected status %q, got %q", want, m.Snapshot().Status)
}

// bringToMatched drives the machine from idle to matched against partner
// "bob-1" and returns our issued id.
func bringToMatched(t *testing.T, m *Machine, fb *fakeBackend) string {
	t.Helper()
	fb.mu.Lock()
	fb.pairResult = "bob-1"
	fb.entries["bob-1"] = partnerEntry("bob-1")
	fb.mu.Unlock()

	require.NoError(t, m.StartSearching(testProfile()))
	waitForStatus(t, m, StatusMatched)
	return m.Snapshot().Profile.ID
}

// --- tests ---------------------------------------------------------------

func TestStartSearchingRejectsInvalidProfile(t *testing.T) {
	fb := newFakeBackend()
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), nil)

	err := m.StartSearching(profile.Profile{Contact: "@x", Languages: []string{"en"}})
	require.ErrorIs(t, err, profile.ErrMissingName)
	assert.Equal(t, StatusIdle, m.Snapshot().Status)
	assert.Equal(t, 0, fb.insertCount())
}

func TestImmediateMatch(t *testing.T) {
	fb := newFakeBackend()
	fb.pairResult = "bob-1"
	fb.entries["bob-1"] = partnerEntry("bob-1")
	fn := &fakeNotifier{}
	m := startMachine(t, fb, fn, NewMemStore(), nil)

	require.NoError(t, m.StartSearching(testProfile()))
	waitForStatus(t, m, StatusMatched)

	st := m.Snapshot()
	require.NotNil(t, st.MatchedUser)
	assert.Equal(t, "bob-1", st.MatchedUser.ID)
	assert.Equal(t, "Bob", st.MatchedUser.Name)
	assert.True(t, st.ChatPanelOpen, "chat panel should open on match")
	assert.NotEmpty(t, st.Profile.ID, "backend id should be recorded")
	assert.Contains(t, fn.titles(), "Match found!")

	require.Eventually(t, func() bool {
		return fb.hasInboundSub(st.Profile.ID)
	}, waitFor, 5*time.Millisecond, "inbound subscription should be live after match")
}

func TestPairingWaitsWhenNoCandidate(t *testing.T) {
	fb := newFakeBackend() // pairResult stays ""
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), nil)

	require.NoError(t, m.StartSearching(testProfile()))

	require.Eventually(t, func() bool {
		st := m.Snapshot()
		return st.Status == StatusSearching && st.Profile.ID != "" && fb.hasEntrySub(st.Profile.ID)
	}, waitFor, 5*time.Millisecond, "should stay searching with a live entry subscription")
}

func TestMatchArrivesViaEntryEvent(t *testing.T) {
	fb := newFakeBackend()
	fb.entries["bob-1"] = partnerEntry("bob-1")
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), nil)

	require.NoError(t, m.StartSearching(testProfile()))

	var myID string
	require.Eventually(t, func() bool {
		myID = m.Snapshot().Profile.ID
		return myID != "" && fb.hasEntrySub(myID)
	}, waitFor, 5*time.Millisecond)

	require.True(t, fb.FireEntryEvent(myID, backend.EntryEvent{
		ID:            myID,
		Status:        backend.StatusMatched,
		MatchedWithID: "bob-1",
	}))

	waitForStatus(t, m, StatusMatched)
	st := m.Snapshot()
	require.NotNil(t, st.MatchedUser)
	assert.Equal(t, "bob-1", st.MatchedUser.ID)
}

func TestSendMessageOptimistic(t *testing.T) {
	fb := newFakeBackend()
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), nil)
	myID := bringToMatched(t, m, fb)

	m.SendMessage("hello there")

	require.Eventually(t, func() bool {
		return len(m.Snapshot().Messages) == 1
	}, waitFor, 5*time.Millisecond)

	msg := m.Snapshot().Messages[0]
	assert.Equal(t, SenderMe, msg.Sender)
	assert.Equal(t, "hello there", msg.Text)
	assert.NotEmpty(t, msg.ID)

	require.Eventually(t, func() bool {
		return len(fb.insertedMessages()) == 1
	}, waitFor, 5*time.Millisecond)
	sent := fb.insertedMessages()[0]
	assert.Equal(t, myID, sent.sender)
	assert.Equal(t, "bob-1", sent.receiver)
}

func TestSendMessageSurvivesBackendFailure(t *testing.T) {
	fb := newFakeBackend()
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), nil)
	bringToMatched(t, m, fb)

	fb.mu.Lock()
	fb.messageErr = errors.New("backend down")
	fb.mu.Unlock()

	m.SendMessage("still here")

	require.Eventually(t, func() bool {
		return len(m.Snapshot().Messages) == 1
	}, waitFor, 5*time.Millisecond, "optimistic bubble should stay despite write failure")
	assert.Equal(t, StatusMatched, m.Snapshot().Status)
}

func TestSendMessageDroppedWhenNotMatched(t *testing.T) {
	fb := newFakeBackend()
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), nil)

	m.SendMessage("into the void")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, m.Snapshot().Messages)
	assert.Empty(t, fb.insertedMessages())
}

func TestInboundMessageAppends(t *testing.T) {
	fb := newFakeBackend()
	fn := &fakeNotifier{}
	m := startMachine(t, fb, fn, NewMemStore(), nil)
	myID := bringToMatched(t, m, fb)

	fb.FireInbound(myID, backend.StoredMessage{
		ID:         "msg-1",
		SenderID:   "bob-1",
		ReceiverID: myID,
		Content:    "hey",
		CreatedAt:  time.Now(),
	})

	require.Eventually(t, func() bool {
		msgs := m.Snapshot().Messages
		return len(msgs) == 1 && msgs[0].Sender == SenderThem
	}, waitFor, 5*time.Millisecond)
	// Panel is open and focused: no notification for the message itself.
	assert.NotContains(t, fn.titles(), "New message")
}

func TestInboundNotifiesWhenPanelClosed(t *testing.T) {
	fb := newFakeBackend()
	fn := &fakeNotifier{}
	m := startMachine(t, fb, fn, NewMemStore(), nil)
	myID := bringToMatched(t, m, fb)

	m.SetChatPanelOpen(false)
	require.Eventually(t, func() bool {
		return !m.Snapshot().ChatPanelOpen
	}, waitFor, 5*time.Millisecond)

	fb.FireInbound(myID, backend.StoredMessage{
		ID: "msg-1", SenderID: "bob-1", ReceiverID: myID,
		Content: "psst", CreatedAt: time.Now(),
	})

	require.Eventually(t, func() bool {
		for _, title := range fn.titles() {
			if title == "New message" {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
}

func TestInboundIgnoresUnknownSender(t *testing.T) {
	fb := newFakeBackend()
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), nil)
	myID := bringToMatched(t, m, fb)

	fb.FireInbound(myID, backend.StoredMessage{
		ID: "msg-x", SenderID: "mallory-9", ReceiverID: myID,
		Content: "let me in", CreatedAt: time.Now(),
	})

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, m.Snapshot().Messages)
	assert.Equal(t, StatusMatched, m.Snapshot().Status)
}

func TestPartnerDisconnectSignal(t *testing.T) {
	fb := newFakeBackend()
	fn := &fakeNotifier{}
	m := startMachine(t, fb, fn, NewMemStore(), nil)
	myID := bringToMatched(t, m, fb)

	m.SendMessage("one")
	m.SetChatPanelOpen(false)
	require.Eventually(t, func() bool {
		st := m.Snapshot()
		return len(st.Messages) == 1 && !st.ChatPanelOpen
	}, waitFor, 5*time.Millisecond)

	fb.FireInbound(myID, backend.StoredMessage{
		ID: "sig-1", SenderID: "bob-1", ReceiverID: myID,
		Content: backend.DisconnectSignal, CreatedAt: time.Now(),
	})

	waitForStatus(t, m, StatusPartnerDisconnected)
	st := m.Snapshot()
	assert.True(t, st.ChatPanelOpen, "panel is forced open so the banner is visible")
	assert.Len(t, st.Messages, 1, "thread is preserved, signal is not a bubble")
	require.NotNil(t, st.MatchedUser, "partner identity is kept for the banner")
	assert.Contains(t, fn.titles(), "Partner disconnected")
}

func TestDisconnectSignalsPartnerAndResets(t *testing.T) {
	fb := newFakeBackend()
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), nil)
	myID := bringToMatched(t, m, fb)

	m.Disconnect()

	waitForStatus(t, m, StatusIdle)
	st := m.Snapshot()
	assert.Nil(t, st.MatchedUser)
	assert.Empty(t, st.Messages)
	assert.Equal(t, "Alice", st.Profile.Name, "profile survives the reset")

	require.Eventually(t, func() bool {
		return len(fb.updateCalls()) == 1 && len(fb.insertedMessages()) == 1
	}, waitFor, 5*time.Millisecond)

	upd := fb.updateCalls()[0]
	assert.Equal(t, myID, upd.id)
	require.NotNil(t, upd.upd.Status)
	assert.Equal(t, backend.StatusDisconnected, *upd.upd.Status)
	require.NotNil(t, upd.upd.MatchedWithID)
	assert.Empty(t, *upd.upd.MatchedWithID, "pairing link is cleared")

	sig := fb.insertedMessages()[0]
	assert.Equal(t, backend.DisconnectSignal, sig.content)
	assert.Equal(t, "bob-1", sig.receiver)
}

func TestDisconnectResetsEvenWhenBackendFails(t *testing.T) {
	fb := newFakeBackend()
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), nil)
	bringToMatched(t, m, fb)

	fb.mu.Lock()
	fb.updateErr = errors.New("pool down")
	fb.messageErr = errors.New("messages down")
	fb.mu.Unlock()

	m.Disconnect()

	waitForStatus(t, m, StatusIdle)
}

func TestResetIsIdempotent(t *testing.T) {
	fb := newFakeBackend()
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), nil)
	bringToMatched(t, m, fb)

	m.Reset()
	m.Reset()

	waitForStatus(t, m, StatusIdle)
	st := m.Snapshot()
	assert.Nil(t, st.MatchedUser)
	assert.Empty(t, st.Messages)
	assert.Equal(t, "Alice", st.Profile.Name)
}

func TestStalePairingAfterResetIsDropped(t *testing.T) {
	fb := newFakeBackend()
	gate := make(chan struct{})
	fb.pairGate = gate
	fb.pairResult = "bob-1"
	fb.entries["bob-1"] = partnerEntry("bob-1")
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), nil)

	require.NoError(t, m.StartSearching(testProfile()))
	require.Eventually(t, func() bool {
		return m.Snapshot().Profile.ID != ""
	}, waitFor, 5*time.Millisecond, "registration should complete before the reset")

	m.Reset()
	waitForStatus(t, m, StatusIdle)

	// Release the pairing call; its completion belongs to a dead generation.
	close(gate)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusIdle, m.Snapshot().Status, "stale pairing result must not revive the session")
	assert.Nil(t, m.Snapshot().MatchedUser)
}

func TestRegistrationFailureAlertsAndReverts(t *testing.T) {
	fb := newFakeBackend()
	fb.insertErr = errors.New("db down")
	rec := newAlertRecorder()
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), rec.alert)

	require.NoError(t, m.StartSearching(testProfile()))

	waitForStatus(t, m, StatusIdle)
	require.Eventually(t, func() bool {
		return rec.count() == 1
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, "Alice", m.Snapshot().Profile.Name, "typed profile is kept for retry")
}

func TestFindNewMatchReenters(t *testing.T) {
	fb := newFakeBackend()
	m := startMachine(t, fb, &fakeNotifier{}, NewMemStore(), nil)
	firstID := bringToMatched(t, m, fb)

	fb.mu.Lock()
	fb.pairResult = "" // nobody compatible the second time
	fb.mu.Unlock()

	m.FindNewMatch()

	require.Eventually(t, func() bool {
		st := m.Snapshot()
		return st.Status == StatusSearching && st.Profile.ID != "" && st.Profile.ID != firstID
	}, waitFor, 5*time.Millisecond, "a fresh pool entry with a new id is registered")
	assert.Equal(t, 2, fb.insertCount())
	assert.Nil(t, m.Snapshot().MatchedUser)
}

func TestRehydrateSearchingResubscribesWithoutRegistering(t *testing.T) {
	fb := newFakeBackend()
	store := NewMemStore()
	require.NoError(t, store.Save(context.Background(), Persisted{
		Status:  StatusSearching,
		Profile: profile.Profile{ID: "me-7", Name: "Alice", Contact: "@alice", Languages: []string{"en"}},
	}))

	m := startMachine(t, fb, &fakeNotifier{}, store, nil)

	require.Eventually(t, func() bool {
		return fb.hasEntrySub("me-7")
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, StatusSearching, m.Snapshot().Status)
	assert.Equal(t, 0, fb.insertCount(), "rehydration must not register a new entry")
}

func TestRehydrateMatchedSeedsHistoryAndResubscribes(t *testing.T) {
	fb := newFakeBackend()
	now := time.Now()
	fb.history = []backend.StoredMessage{
		{ID: "h1", SenderID: "me-7", ReceiverID: "bob-1", Content: "hi", CreatedAt: now.Add(-time.Minute)},
		{ID: "h2", SenderID: "bob-1", ReceiverID: "me-7", Content: "hello", CreatedAt: now},
	}
	bob := partnerEntry("bob-1")
	store := NewMemStore()
	require.NoError(t, store.Save(context.Background(), Persisted{
		Status:      StatusMatched,
		Profile:     profile.Profile{ID: "me-7", Name: "Alice", Contact: "@alice", Languages: []string{"en"}},
		MatchedUser: &profile.Profile{ID: bob.ID, Name: bob.Name, Contact: bob.Contact, Languages: bob.Languages},
	}))

	m := startMachine(t, fb, &fakeNotifier{}, store, nil)

	require.Eventually(t, func() bool {
		return len(m.Snapshot().Messages) == 2
	}, waitFor, 5*time.Millisecond, "history is seeded from the backend")

	msgs := m.Snapshot().Messages
	assert.Equal(t, SenderMe, msgs[0].Sender)
	assert.Equal(t, SenderThem, msgs[1].Sender)

	require.Eventually(t, func() bool {
		return fb.hasInboundSub("me-7")
	}, waitFor, 5*time.Millisecond)

	// Live events land after the seeded history.
	fb.FireInbound("me-7", backend.StoredMessage{
		ID: "h3", SenderID: "bob-1", ReceiverID: "me-7",
		Content: "welcome back", CreatedAt: now.Add(time.Second),
	})
	require.Eventually(t, func() bool {
		msgs := m.Snapshot().Messages
		return len(msgs) == 3 && msgs[2].Text == "welcome back"
	}, waitFor, 5*time.Millisecond)

	assert.Equal(t, 0, fb.insertCount(), "rehydration performs reads only")
}

func TestSnapshotPersistsOnEveryTransition(t *testing.T) {
	fb := newFakeBackend()
	store := NewMemStore()
	m := startMachine(t, fb, &fakeNotifier{}, store, nil)
	bringToMatched(t, m, fb)

	require.Eventually(t, func() bool {
		snap, err := store.Load(context.Background())
		return err == nil && snap != nil && snap.Status == StatusMatched && snap.MatchedUser != nil
	}, waitFor, 5*time.Millisecond, "the matched state must be durable")
}
