package timeline

import (
	"context"
	"sync"

	"github.com/bluetail-im/bluetail/internal/store"
)

// mockStore implements MessageStore and ScrollCache in memory.
type mockStore struct {
	mu          sync.Mutex
	messages    []store.Message
	reactions   []store.Message
	attachments []store.Attachment
	handles     []store.Handle
	contacts    map[string]string
	localSMS    bool
	total       int
	oldestTs    int64
	newestTs    int64
	scrollState *store.ScrollState

	countCalls   int
	countEntered chan struct{}
	countGate    chan struct{}

	recentCalls  []int
	windowCalls  [][2]int64
	observers    []chan []store.Message
	savedScrolls []store.ScrollState
}

func newMockStore() *mockStore {
	return &mockStore{contacts: map[string]string{}}
}

func (m *mockStore) ObserveRecent(ctx context.Context, chatGUIDs []string, limit int) (<-chan []store.Message, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recentCalls = append(m.recentCalls, limit)
	ch := make(chan []store.Message, 1)
	snap := append([]store.Message(nil), m.messages...)
	if len(snap) > limit {
		snap = snap[:limit]
	}
	ch <- snap
	m.observers = append(m.observers, ch)
	return ch, func() {}
}

func (m *mockStore) ObserveWindow(ctx context.Context, chatGUIDs []string, startTs, endTs int64) (<-chan []store.Message, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowCalls = append(m.windowCalls, [2]int64{startTs, endTs})
	ch := make(chan []store.Message, 1)
	var snap []store.Message
	for _, msg := range m.messages {
		if msg.DateCreated >= startTs && msg.DateCreated <= endTs {
			snap = append(snap, msg)
		}
	}
	ch <- snap
	m.observers = append(m.observers, ch)
	return ch, func() {}
}

// push replaces the message set and feeds the newest observer, mirroring
// the store's latest-wins re-query behavior.
func (m *mockStore) push(msgs []store.Message) {
	m.mu.Lock()
	m.messages = msgs
	var ch chan []store.Message
	if len(m.observers) > 0 {
		ch = m.observers[len(m.observers)-1]
	}
	m.mu.Unlock()
	if ch == nil {
		return
	}
	snap := append([]store.Message(nil), msgs...)
	select {
	case ch <- snap:
	default:
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (m *mockStore) CountForCursor(chatGUIDs []string) (int, error) {
	if m.countEntered != nil {
		m.countEntered <- struct{}{}
	}
	if m.countGate != nil {
		<-m.countGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.countCalls++
	if m.total > 0 {
		return m.total, nil
	}
	return len(m.messages), nil
}

func (m *mockStore) MessageByGUID(guid string) (*store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.messages {
		if m.messages[i].GUID == guid {
			msg := m.messages[i]
			return &msg, nil
		}
	}
	return nil, nil
}

func (m *mockStore) MessagesByGUIDs(guids []string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(guids))
	for _, g := range guids {
		want[g] = struct{}{}
	}
	var out []store.Message
	for _, msg := range m.messages {
		if _, ok := want[msg.GUID]; ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *mockStore) ReactionsForMessages(guids []string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(guids))
	for _, g := range guids {
		want[g] = struct{}{}
	}
	var out []store.Message
	for _, r := range m.reactions {
		if _, ok := want[store.AssociationTarget(r.AssociatedGUID)]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockStore) AttachmentsForMessages(guids []string) ([]store.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[string]struct{}, len(guids))
	for _, g := range guids {
		want[g] = struct{}{}
	}
	var out []store.Attachment
	for _, a := range m.attachments {
		if _, ok := want[a.MessageGUID]; ok {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) HandlesByIDs(ids []int64) ([]store.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []store.Handle
	for _, h := range m.handles {
		if _, ok := want[h.ID]; ok {
			out = append(out, h)
		}
	}
	return out, nil
}

func (m *mockStore) ContactNamesByAddresses(addrs []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string)
	for _, a := range addrs {
		if name, ok := m.contacts[a]; ok {
			out[a] = name
		}
	}
	return out, nil
}

func (m *mockStore) IsLocalSMSChat(guid string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localSMS, nil
}

func (m *mockStore) NewestTimestamp(chatGUIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newestTs, nil
}

func (m *mockStore) OldestTimestamp(chatGUIDs []string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.oldestTs, nil
}

func (m *mockStore) LoadScrollState(chatGUID string) (*store.ScrollState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scrollState, nil
}

func (m *mockStore) SaveScrollState(s *store.ScrollState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.savedScrolls = append(m.savedScrolls, *s)
	return nil
}

type remoteCall struct {
	chatGUID string
	cursor   int64
	limit    int
}

// mockRemote implements RemoteService with canned responses.
type mockRemote struct {
	mu          sync.Mutex
	beforeCalls []remoteCall
	afterCalls  []remoteCall
	syncReturn  int
	syncErr     error
	exists      bool
	existsErr   error
	existsCalls int
}

func (m *mockRemote) SyncBefore(ctx context.Context, chatGUID string, before int64, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeCalls = append(m.beforeCalls, remoteCall{chatGUID, before, limit})
	return m.syncReturn, m.syncErr
}

func (m *mockRemote) SyncAfter(ctx context.Context, chatGUID string, after int64, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.afterCalls = append(m.afterCalls, remoteCall{chatGUID, after, limit})
	return m.syncReturn, m.syncErr
}

func (m *mockRemote) ChatExists(ctx context.Context, chatGUID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsCalls++
	return m.exists, m.existsErr
}

// mockImporter implements CarrierImporter.
type mockImporter struct {
	mu        sync.Mutex
	calls     []remoteCall
	importN   int
	importErr error
}

func (m *mockImporter) ImportMessages(ctx context.Context, chatGUID string, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, remoteCall{chatGUID: chatGUID, limit: limit})
	return m.importN, m.importErr
}
