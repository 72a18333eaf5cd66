package timeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/bluetail-im/bluetail/internal/bus"
	"github.com/bluetail-im/bluetail/internal/store"
)

const testChat = "iMessage;-;+15550102030"

func newTestController(t *testing.T, ms *mockStore, rm *mockRemote, im *mockImporter, b *bus.Bus) *Controller {
	t.Helper()
	if b == nil {
		b = bus.New()
	}
	c, err := NewController(
		Config{ChatGUIDs: []string{testChat}, Location: time.UTC},
		Deps{Store: ms, Remote: rm, Importer: im, Scroll: ms, Bus: b, Logger: zap.NewNop()},
	)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	return c
}

// waitForItems polls the updates channel until pred holds or the deadline
// passes. The channel is latest-wins, so intermediate states may be skipped.
func waitForItems(t *testing.T, c *Controller, pred func([]Item) bool) []Item {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case items := <-c.Updates():
			if pred(items) {
				return items
			}
		case <-deadline:
			t.Fatal("timeout waiting for timeline update")
		}
	}
}

func countGUID(items []Item, guid string) int {
	n := 0
	for _, it := range items {
		if m, ok := it.(MessageItem); ok && m.Message.GUID == guid {
			n++
		}
	}
	return n
}

func TestLoadMoreWindowGrowsMonotonically(t *testing.T) {
	ms := newMockStore()
	ms.total = 1000
	rm := &mockRemote{}
	c := newTestController(t, ms, rm, nil, nil)

	if c.Window() != PageSize {
		t.Fatalf("initial window = %d, want %d", c.Window(), PageSize)
	}
	for i := 1; i <= 3; i++ {
		if err := c.LoadMore(context.Background()); err != nil {
			t.Fatalf("LoadMore %d: %v", i, err)
		}
		if want := PageSize + i*PageSize; c.Window() != want {
			t.Fatalf("window after %d calls = %d, want %d", i, c.Window(), want)
		}
	}
	if len(rm.beforeCalls) != 0 {
		t.Errorf("local-sufficient loads must not hit the network, got %d calls", len(rm.beforeCalls))
	}
	if !c.HasMore() {
		t.Error("hasMore should stay true while local store fills the window")
	}
}

func TestLoadMoreSingleFlight(t *testing.T) {
	ms := newMockStore()
	ms.total = 1000
	ms.countEntered = make(chan struct{})
	ms.countGate = make(chan struct{})
	c := newTestController(t, ms, &mockRemote{}, nil, nil)

	done := make(chan error, 1)
	go func() { done <- c.LoadMore(context.Background()) }()
	<-ms.countEntered

	// Second call while the first is in flight must coalesce.
	if err := c.LoadMore(context.Background()); err != nil {
		t.Fatalf("coalesced LoadMore: %v", err)
	}

	close(ms.countGate)
	if err := <-done; err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if c.Window() != 2*PageSize {
		t.Errorf("window = %d, want exactly one page of growth", c.Window())
	}
	if ms.countCalls != 1 {
		t.Errorf("count queries = %d, want 1", ms.countCalls)
	}
}

func TestLoadMoreFetchesOlderFromServer(t *testing.T) {
	ms := newMockStore()
	ms.total = 30
	ms.oldestTs = 1_700_000_000_000
	rm := &mockRemote{syncReturn: PageSize}
	c := newTestController(t, ms, rm, nil, nil)

	if err := c.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if len(rm.beforeCalls) != 1 {
		t.Fatalf("server calls = %d, want 1", len(rm.beforeCalls))
	}
	call := rm.beforeCalls[0]
	if call.chatGUID != testChat || call.cursor != ms.oldestTs || call.limit != PageSize {
		t.Errorf("unexpected fetch %+v", call)
	}
	if !c.HasMore() {
		t.Error("full page fetched, hasMore should be true")
	}

	rm.syncReturn = 20
	if err := c.LoadMore(context.Background()); err != nil {
		t.Fatalf("second LoadMore: %v", err)
	}
	if c.HasMore() {
		t.Error("short page fetched, hasMore should be false")
	}
}

func TestLoadMoreLocalSufficientThenFetch(t *testing.T) {
	ms := newMockStore()
	ms.total = 50
	ms.oldestTs = 1_700_000_000_000
	rm := &mockRemote{syncReturn: 10}
	c := newTestController(t, ms, rm, nil, nil)

	// The store fills the current window, so growing it needs no network.
	if err := c.LoadMore(context.Background()); err != nil {
		t.Fatalf("first LoadMore: %v", err)
	}
	if c.Window() != 100 {
		t.Fatalf("window = %d, want 100", c.Window())
	}
	if len(rm.beforeCalls) != 0 {
		t.Fatal("first LoadMore should stay local")
	}
	if !c.HasMore() {
		t.Fatal("hasMore should be true on the local-sufficient path")
	}

	// The second growth outruns the local store and must fetch.
	if err := c.LoadMore(context.Background()); err != nil {
		t.Fatalf("second LoadMore: %v", err)
	}
	if c.Window() != 150 {
		t.Fatalf("window = %d, want 150", c.Window())
	}
	if len(rm.beforeCalls) != 1 {
		t.Fatalf("server calls = %d, want 1", len(rm.beforeCalls))
	}
	if c.HasMore() {
		t.Error("short page fetched, hasMore should flip off")
	}
}

func TestLoadMoreErrorIsRetryable(t *testing.T) {
	ms := newMockStore()
	ms.total = 10
	rm := &mockRemote{syncErr: errors.New("connection refused")}
	c := newTestController(t, ms, rm, nil, nil)

	if err := c.LoadMore(context.Background()); err == nil {
		t.Fatal("expected error from failed fetch")
	}
	if c.LoadError() == nil {
		t.Fatal("load error slot should be populated")
	}

	rm.mu.Lock()
	rm.syncErr = nil
	rm.syncReturn = 5
	rm.mu.Unlock()
	if err := c.RetryLoad(context.Background()); err != nil {
		t.Fatalf("RetryLoad: %v", err)
	}
	if c.LoadError() != nil {
		t.Error("load error should be cleared after a successful retry")
	}
}

func TestLoadMoreCarrierImport(t *testing.T) {
	ms := newMockStore()
	ms.total = 10
	ms.localSMS = true
	im := &mockImporter{importN: PageSize}
	rm := &mockRemote{}
	c := newTestController(t, ms, rm, im, nil)

	if err := c.LoadMore(context.Background()); err != nil {
		t.Fatalf("LoadMore: %v", err)
	}
	if len(im.calls) != 1 || im.calls[0].limit != PageSize {
		t.Fatalf("importer calls = %+v, want one page import", im.calls)
	}
	if len(rm.beforeCalls) != 0 {
		t.Error("carrier chats must not fetch from the server")
	}
	if !c.HasMore() {
		t.Error("full import, hasMore should be true")
	}
}

func TestLoadMoreCarrierPermissionDenied(t *testing.T) {
	ms := newMockStore()
	ms.total = 10
	ms.localSMS = true
	im := &mockImporter{importErr: ErrPermissionDenied}
	c := newTestController(t, ms, &mockRemote{}, im, nil)

	if err := c.LoadMore(context.Background()); err != nil {
		t.Fatalf("permission denial must not surface an error, got %v", err)
	}
	if c.HasMore() {
		t.Error("permission denial should end pagination")
	}
	if c.LoadError() != nil {
		t.Error("permission denial must not populate the error slot")
	}
}

func TestJumpToMessageEntersArchive(t *testing.T) {
	ms := newMockStore()
	target := int64(1_700_000_000_000)
	ms.messages = []store.Message{{GUID: "old-msg", ChatGUID: testChat, DateCreated: target}}
	c := newTestController(t, ms, &mockRemote{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	if !c.JumpToMessage("old-msg") {
		t.Fatal("jump to a stored message should succeed")
	}
	mode, ok := c.Mode().(ArchiveMode)
	if !ok {
		t.Fatalf("mode = %#v, want archive", c.Mode())
	}
	start, end := mode.Bounds()
	if start != target-archiveWindowMs || end != target+archiveWindowMs {
		t.Errorf("bounds = [%d, %d], want target plus/minus 12h", start, end)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		ms.mu.Lock()
		n := len(ms.windowCalls)
		var got [2]int64
		if n > 0 {
			got = ms.windowCalls[n-1]
		}
		ms.mu.Unlock()
		if n > 0 {
			if got != [2]int64{start, end} {
				t.Errorf("window query = %v, want [%d %d]", got, start, end)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for archive subscription")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestJumpToMessageMissingGUID(t *testing.T) {
	c := newTestController(t, newMockStore(), &mockRemote{}, nil, nil)
	if c.JumpToMessage("nope") {
		t.Fatal("jump to an unknown guid must fail")
	}
	if _, ok := c.Mode().(RecentMode); !ok {
		t.Errorf("mode = %#v, want recent after failed jump", c.Mode())
	}
}

func TestSocketPushOverlaysThenConfirms(t *testing.T) {
	ms := newMockStore()
	b := bus.New()
	c := newTestController(t, ms, &mockRemote{}, nil, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	now := time.Now().UnixMilli()
	b.Emit(bus.KindSocketMessageNew, &store.IncomingMessage{
		Message: store.Message{GUID: "live-1", ChatGUID: testChat, Text: "hey", Address: "+15550102030", DateCreated: now},
	})

	items := waitForItems(t, c, func(items []Item) bool { return countGUID(items, "live-1") == 1 })
	if countGUID(items, "live-1") != 1 {
		t.Fatal("live message should appear exactly once")
	}

	// Confirmation lands in the store; the overlay entry must be pruned
	// so the guid still appears exactly once.
	ms.push([]store.Message{{GUID: "live-1", ChatGUID: testChat, Text: "hey", Address: "+15550102030", DateCreated: now}})
	deadline := time.Now().Add(2 * time.Second)
	for c.overlay.contains("live-1") {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for overlay prune on confirmation")
		}
		time.Sleep(10 * time.Millisecond)
	}
	items = waitForItems(t, c, func(items []Item) bool { return countGUID(items, "live-1") == 1 })
	if countGUID(items, "live-1") != 1 {
		t.Fatal("confirmed message must not duplicate the overlay entry")
	}
}

func TestSocketPushIgnoresOtherChats(t *testing.T) {
	ms := newMockStore()
	b := bus.New()
	c := newTestController(t, ms, &mockRemote{}, nil, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	b.Emit(bus.KindSocketMessageNew, &store.IncomingMessage{
		Message: store.Message{GUID: "other-1", ChatGUID: "iMessage;-;stranger@example.com", Text: "hi", DateCreated: time.Now().UnixMilli()},
	})
	time.Sleep(100 * time.Millisecond)
	if c.overlay.contains("other-1") {
		t.Fatal("messages for other chats must not enter the overlay")
	}
}

func TestArchiveModeCountsLiveMessages(t *testing.T) {
	ms := newMockStore()
	ms.messages = []store.Message{{GUID: "old-msg", ChatGUID: testChat, DateCreated: 1_600_000_000_000}}
	b := bus.New()
	c := newTestController(t, ms, &mockRemote{}, nil, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	if !c.JumpToMessage("old-msg") {
		t.Fatal("jump should succeed")
	}
	b.Emit(bus.KindSocketMessageNew, &store.IncomingMessage{
		Message: store.Message{GUID: "live-2", ChatGUID: testChat, Text: "new", DateCreated: time.Now().UnixMilli()},
	})

	deadline := time.Now().Add(2 * time.Second)
	for c.NewSinceArchive() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for archive counter")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.overlay.contains("live-2") {
		t.Error("archive mode must count, not display, live messages")
	}

	c.ReturnToRecent()
	if c.NewSinceArchive() != 0 {
		t.Error("returning to recent should reset the counter")
	}
}

func TestOutboxQueuedShowsOptimisticEntry(t *testing.T) {
	ms := newMockStore()
	b := bus.New()
	c := newTestController(t, ms, &mockRemote{}, nil, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	b.Emit(bus.KindOutboxQueued, &bus.OutboxQueued{
		ClientGUID: "temp-abc",
		ChatGUID:   testChat,
		Text:       "outgoing",
		QueuedAt:   time.Now().UnixMilli(),
	})
	items := waitForItems(t, c, func(items []Item) bool { return countGUID(items, "temp-abc") == 1 })
	for _, it := range items {
		if m, ok := it.(MessageItem); ok && m.Message.GUID == "temp-abc" {
			if !m.Message.FromMe {
				t.Error("optimistic outgoing entry should be from me")
			}
		}
	}

	b.Emit(bus.KindOutboxSent, &bus.OutboxResult{ClientGUID: "temp-abc", ChatGUID: testChat, ServerGUID: "srv-1"})
	waitForItems(t, c, func(items []Item) bool { return countGUID(items, "temp-abc") == 0 })
}

func TestOutboxQueuedCarriesAttachmentsAndEffect(t *testing.T) {
	ms := newMockStore()
	b := bus.New()
	c := newTestController(t, ms, &mockRemote{}, nil, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	b.Emit(bus.KindOutboxQueued, &bus.OutboxQueued{
		ClientGUID: "temp-att",
		ChatGUID:   testChat,
		Text:       "photo",
		EffectID:   "com.apple.MobileSMS.expressivesend.impact",
		Attachments: []bus.QueuedAttachment{
			{GUID: "att-temp-1", MimeType: "image/jpeg", TransferName: "IMG_0001.jpeg"},
		},
		QueuedAt: time.Now().UnixMilli(),
	})
	items := waitForItems(t, c, func(items []Item) bool { return countGUID(items, "temp-att") == 1 })
	for _, it := range items {
		m, ok := it.(MessageItem)
		if !ok || m.Message.GUID != "temp-att" {
			continue
		}
		if m.Message.EffectID != "com.apple.MobileSMS.expressivesend.impact" {
			t.Errorf("effect id = %q, want the queued effect", m.Message.EffectID)
		}
		if len(m.Message.Attachments) != 1 {
			t.Fatalf("attachments = %d, want 1 placeholder", len(m.Message.Attachments))
		}
		a := m.Message.Attachments[0]
		if a.GUID != "att-temp-1" || a.TransferName != "IMG_0001.jpeg" {
			t.Errorf("attachment = %+v, want the queued descriptor", a)
		}
		if !a.Pending || a.LocalPath != "" {
			t.Error("queued attachment should render as pending with no local path")
		}
	}
}

func TestTrackOutgoingInsertsOptimisticEntry(t *testing.T) {
	ms := newMockStore()
	c := newTestController(t, ms, &mockRemote{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Close()

	c.TrackOutgoing(OutgoingMessage{
		ClientGUID: "temp-ext",
		Text:       "hello",
		Attachments: []bus.QueuedAttachment{
			{GUID: "att-ext-1", MimeType: "video/mp4", TransferName: "clip.mp4"},
		},
	})
	items := waitForItems(t, c, func(items []Item) bool { return countGUID(items, "temp-ext") == 1 })
	for _, it := range items {
		if m, ok := it.(MessageItem); ok && m.Message.GUID == "temp-ext" {
			if len(m.Message.Attachments) != 1 || !m.Message.Attachments[0].Pending {
				t.Error("externally tracked send should carry a pending attachment")
			}
		}
	}
}

func TestScrollStateRestoredAtConstruction(t *testing.T) {
	ms := newMockStore()
	ms.scrollState = &store.ScrollState{ChatGUID: testChat, QueryWindow: 150, ScrollIndex: 40}
	c := newTestController(t, ms, &mockRemote{}, nil, nil)
	if c.Window() != 150 {
		t.Errorf("window = %d, want persisted 150", c.Window())
	}

	ms.scrollState = &store.ScrollState{ChatGUID: testChat, QueryWindow: PageSize, ScrollIndex: 180}
	c = newTestController(t, ms, &mockRemote{}, nil, nil)
	if c.Window() != 200 {
		t.Errorf("window = %d, want growth to cover scroll index 180", c.Window())
	}
}

func TestScrollSaveDebounced(t *testing.T) {
	ms := newMockStore()
	c := newTestController(t, ms, &mockRemote{}, nil, nil)

	c.RecordScrollPosition(5, 10)
	c.RecordScrollPosition(7, 20)

	time.Sleep(scrollSaveDebounce + 300*time.Millisecond)
	ms.mu.Lock()
	saved := append([]store.ScrollState(nil), ms.savedScrolls...)
	ms.mu.Unlock()
	if len(saved) != 1 {
		t.Fatalf("saves = %d, want 1 debounced write", len(saved))
	}
	if saved[0].ScrollIndex != 7 || saved[0].ScrollOffset != 20 {
		t.Errorf("saved state = %+v, want latest position", saved[0])
	}
}

func TestPollRespectsSocketActivity(t *testing.T) {
	ms := newMockStore()
	ms.newestTs = 1_700_000_000_000
	rm := &mockRemote{exists: true}
	c := newTestController(t, ms, rm, nil, nil)
	ctx := context.Background()

	// Fresh socket traffic suppresses polling.
	c.lastSocketMs.Store(c.now().UnixMilli() - 2000)
	c.pollOnce(ctx)
	if len(rm.afterCalls) != 0 {
		t.Fatal("poll must not run while the socket is active")
	}

	// A quiet socket lets the poll through.
	c.lastSocketMs.Store(c.now().UnixMilli() - 6000)
	c.pollOnce(ctx)
	if len(rm.afterCalls) != 1 {
		t.Fatalf("poll calls = %d, want 1", len(rm.afterCalls))
	}
	call := rm.afterCalls[0]
	if call.cursor != ms.newestTs || call.limit != pollPageSize {
		t.Errorf("poll fetch = %+v, want after newest with small page", call)
	}
}

func TestPollGates(t *testing.T) {
	ms := newMockStore()
	rm := &mockRemote{exists: true}
	connected := false
	c, err := NewController(
		Config{ChatGUIDs: []string{testChat}},
		Deps{Store: ms, Remote: rm, Scroll: ms, Bus: bus.New(), Connected: func() bool { return connected }, Logger: zap.NewNop()},
	)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	ctx := context.Background()
	c.lastSocketMs.Store(c.now().UnixMilli() - 10_000)

	c.pollOnce(ctx)
	if len(rm.afterCalls) != 0 {
		t.Fatal("poll must not run while disconnected")
	}

	connected = true
	rm.exists = false
	c.pollOnce(ctx)
	c.pollOnce(ctx)
	if len(rm.afterCalls) != 0 {
		t.Fatal("poll must not run for chats missing on the server")
	}
	if rm.existsCalls != 1 {
		t.Errorf("existence probes = %d, want the answer cached", rm.existsCalls)
	}
}

func TestPollReprobesExistenceAfterSend(t *testing.T) {
	ms := newMockStore()
	rm := &mockRemote{exists: false}
	c := newTestController(t, ms, rm, nil, nil)
	ctx := context.Background()
	c.lastSocketMs.Store(c.now().UnixMilli() - 10_000)

	c.pollOnce(ctx)
	if rm.existsCalls != 1 || len(rm.afterCalls) != 0 {
		t.Fatalf("probes = %d, polls = %d, want one cached negative", rm.existsCalls, len(rm.afterCalls))
	}

	// The first outgoing send creates the chat server-side; a confirmed
	// send must drop the cached negative so polling can start.
	rm.exists = true
	c.handleOutboxEvent(bus.Event{
		Kind:    bus.KindOutboxSent,
		Payload: &bus.OutboxResult{ClientGUID: "temp-1", ChatGUID: testChat, ServerGUID: "srv-1"},
	})
	c.pollOnce(ctx)
	if rm.existsCalls != 2 {
		t.Errorf("existence probes = %d, want a re-probe after outbox.sent", rm.existsCalls)
	}
	if len(rm.afterCalls) != 1 {
		t.Errorf("poll calls = %d, want polling to start once the chat exists", len(rm.afterCalls))
	}
}

func TestPollSkipsCarrierChats(t *testing.T) {
	ms := newMockStore()
	ms.localSMS = true
	rm := &mockRemote{exists: true}
	c := newTestController(t, ms, rm, nil, nil)
	c.lastSocketMs.Store(c.now().UnixMilli() - 10_000)

	c.pollOnce(context.Background())
	if len(rm.afterCalls) != 0 || rm.existsCalls != 0 {
		t.Fatal("carrier-backed chats must never poll the server")
	}
}

func TestForegroundCatchUpUsesLargerPage(t *testing.T) {
	ms := newMockStore()
	ms.newestTs = 1_700_000_000_000
	rm := &mockRemote{exists: true}
	c := newTestController(t, ms, rm, nil, nil)

	c.handleForeground(context.Background())
	if len(rm.afterCalls) != 1 {
		t.Fatalf("catch-up calls = %d, want 1", len(rm.afterCalls))
	}
	if rm.afterCalls[0].limit != foregroundPageSize {
		t.Errorf("catch-up page = %d, want %d", rm.afterCalls[0].limit, foregroundPageSize)
	}

	// Catch-up counts as socket activity, so the next poll tick stays quiet.
	c.pollOnce(context.Background())
	if len(rm.afterCalls) != 1 {
		t.Error("poll right after foreground catch-up should be suppressed")
	}
}
