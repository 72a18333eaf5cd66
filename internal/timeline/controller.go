package timeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bluetail-im/bluetail/internal/bus"
	"github.com/bluetail-im/bluetail/internal/store"
)

// Deps are the controller's injected collaborators.
type Deps struct {
	Store    MessageStore
	Remote   RemoteService
	Importer CarrierImporter
	Scroll   ScrollCache
	Bus      *bus.Bus
	// Connected reports push-channel health. Nil means always connected.
	Connected func() bool
	Logger    *zap.Logger
}

// Config describes the conversation a controller serves. ChatGUIDs holds
// every identifier of a merged conversation, primary first. Now and
// Location default to the system clock and local timezone.
type Config struct {
	ChatGUIDs []string
	Now       func() time.Time
	Location  *time.Location
}

// remoteExistence is the cached answer to "does this chat exist on the
// server", resolved lazily by the poll loop.
const (
	existUnknown int32 = iota
	existYes
	existNo
)

// Controller merges the reactive store query, the optimistic overlay and
// background sync into one ordered item list, published latest-wins on
// Updates.
type Controller struct {
	chatGUIDs []string
	primary   string

	store    MessageStore
	remote   RemoteService
	importer CarrierImporter
	scroll   ScrollCache
	bus      *bus.Bus
	conn     func() bool
	logger   *zap.Logger
	now      func() time.Time
	loc      *time.Location

	mu           sync.Mutex
	window       int
	mode         ViewMode
	hasMore      bool
	loadErr      error
	scrollIndex  int
	scrollOffset int
	scrollTimer  *time.Timer

	loading      atomic.Bool
	archiveNew   atomic.Int32
	lastSocketMs atomic.Int64
	remoteExists atomic.Int32
	isLocalSMS   atomic.Bool
	confirmed    atomic.Pointer[map[string]struct{}]

	overlay *overlay
	trans   *transformer

	resub   chan struct{}
	refresh chan struct{}
	updates chan []Item

	// records is the latest confirmed snapshot, owned by the run goroutine.
	records []store.Message

	cancel context.CancelFunc
	done   chan struct{}
}

// NewController builds a controller for one conversation and restores its
// persisted scroll position and query window.
func NewController(cfg Config, deps Deps) (*Controller, error) {
	if len(cfg.ChatGUIDs) == 0 {
		return nil, errors.New("timeline: at least one chat guid required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Controller{
		chatGUIDs: append([]string(nil), cfg.ChatGUIDs...),
		primary:   cfg.ChatGUIDs[0],
		store:     deps.Store,
		remote:    deps.Remote,
		importer:  deps.Importer,
		scroll:    deps.Scroll,
		bus:       deps.Bus,
		conn:      deps.Connected,
		logger:    logger,
		now:       now,
		loc:       loc,
		window:    PageSize,
		mode:      RecentMode{},
		hasMore:   true,
		overlay:   newOverlay(),
		trans:     newTransformer(deps.Store, logger),
		resub:     make(chan struct{}, 1),
		refresh:   make(chan struct{}, 1),
		updates:   make(chan []Item, 1),
		done:      make(chan struct{}),
	}
	empty := map[string]struct{}{}
	c.confirmed.Store(&empty)
	if local, err := deps.Store.IsLocalSMSChat(c.primary); err == nil {
		c.isLocalSMS.Store(local)
	}
	c.restoreScroll()
	return c, nil
}

// restoreScroll applies the persisted scroll checkpoint: the saved query
// window wins when larger, and the window grows to cover the saved index.
func (c *Controller) restoreScroll() {
	if c.scroll == nil {
		return
	}
	state, err := c.scroll.LoadScrollState(c.primary)
	if err != nil {
		c.logger.Warn("scroll restore failed", zap.Error(err), zap.String("chat_guid", c.primary))
		return
	}
	if state == nil {
		return
	}
	c.scrollIndex = state.ScrollIndex
	c.scrollOffset = state.ScrollOffset
	if state.QueryWindow > c.window {
		c.window = state.QueryWindow
	}
	if state.ScrollIndex >= c.window {
		c.window = (state.ScrollIndex/PageSize + 1) * PageSize
	}
}

// Start launches the render, event and poll loops. Bus subscriptions are
// taken before Start returns so events emitted immediately after are not
// lost to the event loop's goroutine startup.
func (c *Controller) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	subs := c.subscribeBus()
	go c.run(ctx)
	go c.eventLoop(ctx, subs)
	go c.pollLoop(ctx)
}

// Close stops all loops and flushes the pending scroll checkpoint.
func (c *Controller) Close() {
	started := c.cancel != nil
	if started {
		c.cancel()
	}
	c.mu.Lock()
	if c.scrollTimer != nil {
		c.scrollTimer.Stop()
		c.scrollTimer = nil
	}
	c.mu.Unlock()
	c.saveScroll()
	if started {
		<-c.done
	}
}

// Updates returns the latest-wins item list channel. A slow consumer only
// ever observes the most recent timeline.
func (c *Controller) Updates() <-chan []Item {
	return c.updates
}

// run owns the store subscription and the render pipeline. Changing the
// window or mode re-subscribes; the replaced channel is simply abandoned,
// so only the newest subscription feeds the timeline.
func (c *Controller) run(ctx context.Context) {
	defer close(c.done)

	var recCh <-chan []store.Message
	var stopObs func()
	subscribe := func() {
		if stopObs != nil {
			stopObs()
		}
		c.mu.Lock()
		mode, window := c.mode, c.window
		c.mu.Unlock()
		switch m := mode.(type) {
		case ArchiveMode:
			start, end := m.Bounds()
			recCh, stopObs = c.store.ObserveWindow(ctx, c.chatGUIDs, start, end)
		default:
			recCh, stopObs = c.store.ObserveRecent(ctx, c.chatGUIDs, window)
		}
	}
	subscribe()
	defer func() {
		if stopObs != nil {
			stopObs()
		}
	}()

	// Stale overlay entries must fall out even when nothing else happens.
	stale := time.NewTicker(overlayStaleness / 3)
	defer stale.Stop()

	for {
		select {
		case recs, ok := <-recCh:
			if !ok {
				recCh = nil
				continue
			}
			c.records = recs
			c.render()
		case <-c.resub:
			subscribe()
		case <-c.refresh:
			c.render()
		case <-stale.C:
			if len(c.overlay.snapshot()) > 0 {
				c.render()
			}
		case <-ctx.Done():
			return
		}
	}
}

// render rebuilds the item list from the confirmed snapshot plus the
// overlay and publishes it.
func (c *Controller) render() {
	models := c.trans.run(c.records)

	confirmed := make(map[string]struct{}, len(models))
	for _, m := range models {
		confirmed[m.GUID] = struct{}{}
	}
	c.confirmed.Store(&confirmed)

	now := c.now()
	c.overlay.prune(confirmed, now)

	merged := models
	if over := c.overlay.snapshot(); len(over) > 0 {
		if _, archive := c.Mode().(ArchiveMode); !archive {
			merged = append(over, models...)
		}
	}

	items := BuildItems(merged, now, c.loc)
	select {
	case c.updates <- items:
	default:
		select {
		case <-c.updates:
		default:
		}
		select {
		case c.updates <- items:
		default:
		}
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// busSubs holds the event loop's bus channels, subscribed in Start.
type busSubs struct {
	sockCh, outCh, attCh, appCh <-chan bus.Event
	unsub                       []func()
}

func (c *Controller) subscribeBus() busSubs {
	var s busSubs
	var u func()
	s.sockCh, u = c.bus.Subscribe("socket.", 64)
	s.unsub = append(s.unsub, u)
	s.outCh, u = c.bus.Subscribe("outbox.", 16)
	s.unsub = append(s.unsub, u)
	s.attCh, u = c.bus.Subscribe("attachment.", 16)
	s.unsub = append(s.unsub, u)
	s.appCh, u = c.bus.Subscribe("app.", 4)
	s.unsub = append(s.unsub, u)
	return s
}

// eventLoop reacts to bus traffic: socket pushes, outbox progress,
// attachment downloads and app lifecycle.
func (c *Controller) eventLoop(ctx context.Context, subs busSubs) {
	defer func() {
		for _, u := range subs.unsub {
			u()
		}
	}()
	sockCh, outCh, attCh, appCh := subs.sockCh, subs.outCh, subs.attCh, subs.appCh

	for {
		select {
		case evt := <-sockCh:
			c.handleSocketEvent(evt)
		case evt := <-outCh:
			c.handleOutboxEvent(evt)
		case evt := <-attCh:
			if done, ok := evt.Payload.(*bus.AttachmentDone); ok && MatchesChat(done.ChatGUID, c.chatGUIDs) {
				signal(c.refresh)
			}
		case evt := <-appCh:
			if evt.Kind == bus.KindAppForegrounded {
				c.handleForeground(ctx)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handleSocketEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindSocketMessageNew, bus.KindSocketMessageUpdated:
		c.lastSocketMs.Store(c.now().UnixMilli())
		in, ok := evt.Payload.(*store.IncomingMessage)
		if !ok || !MatchesChat(in.Message.ChatGUID, c.chatGUIDs) {
			return
		}
		if evt.Kind == bus.KindSocketMessageUpdated {
			return
		}
		c.handleIncoming(in)
	}
}

// handleIncoming shows a live-pushed message immediately. In archive mode
// the message is counted instead of displayed; reactions and our own
// messages never enter the overlay.
func (c *Controller) handleIncoming(in *store.IncomingMessage) {
	if in.Message.FromMe || in.Message.IsReaction() {
		return
	}
	if _, archive := c.Mode().(ArchiveMode); archive {
		c.archiveNew.Add(1)
		return
	}
	if c.isConfirmed(in.Message.GUID) || c.overlay.contains(in.Message.GUID) {
		return
	}
	if c.overlay.insert(displayFromIncoming(in), c.now()) {
		signal(c.refresh)
	}
}

func (c *Controller) handleOutboxEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindOutboxQueued:
		q, ok := evt.Payload.(*bus.OutboxQueued)
		if !ok || !MatchesChat(q.ChatGUID, c.chatGUIDs) {
			return
		}
		c.trackQueued(q)
	case bus.KindOutboxSent, bus.KindOutboxSendFailed:
		res, ok := evt.Payload.(*bus.OutboxResult)
		if !ok {
			return
		}
		if evt.Kind == bus.KindOutboxSent {
			// A successful send proves the chat can exist server-side now
			// even if an earlier probe said otherwise.
			c.remoteExists.CompareAndSwap(existNo, existUnknown)
		}
		if c.overlay.remove(res.ClientGUID) {
			signal(c.refresh)
		}
	}
}

func (c *Controller) trackQueued(q *bus.OutboxQueued) {
	dm := &DisplayMessage{
		GUID:                 q.ClientGUID,
		ChatGUID:             q.ChatGUID,
		Text:                 q.Text,
		Subject:              q.Subject,
		ThreadOriginatorGUID: q.ReplyToGUID,
		FromMe:               true,
		DateCreated:          q.QueuedAt,
		EffectID:             q.EffectID,
	}
	for _, a := range q.Attachments {
		dm.Attachments = append(dm.Attachments, AttachmentView{
			GUID:         a.GUID,
			MimeType:     a.MimeType,
			TransferName: a.TransferName,
			Pending:      true,
		})
	}
	if c.overlay.insert(dm, c.now()) {
		signal(c.refresh)
	}
}

// OutgoingMessage describes a send initiated outside the outbox path.
// Attachments are shown as pending placeholders until the server echo.
type OutgoingMessage struct {
	ClientGUID  string
	Text        string
	Subject     string
	ReplyToGUID string
	EffectID    string
	Attachments []bus.QueuedAttachment
}

// TrackOutgoing inserts an optimistic entry for an externally initiated
// send. Dedup against the store happens on the next render.
func (c *Controller) TrackOutgoing(out OutgoingMessage) {
	c.trackQueued(&bus.OutboxQueued{
		ClientGUID:  out.ClientGUID,
		ChatGUID:    c.primary,
		Text:        out.Text,
		Subject:     out.Subject,
		ReplyToGUID: out.ReplyToGUID,
		EffectID:    out.EffectID,
		Attachments: out.Attachments,
		QueuedAt:    c.now().UnixMilli(),
	})
}

// displayFromIncoming builds the placeholder for a live-pushed message:
// delivered but unread, attachments pending until the download queue runs.
func displayFromIncoming(in *store.IncomingMessage) *DisplayMessage {
	m := &in.Message
	dm := &DisplayMessage{
		GUID:                 m.GUID,
		ChatGUID:             m.ChatGUID,
		Text:                 m.Text,
		Subject:              m.Subject,
		IsSent:               true,
		IsDelivered:          true,
		DateCreated:          m.DateCreated,
		SenderName:           m.Address,
		SenderAddress:        m.Address,
		ThreadOriginatorGUID: m.ThreadOriginatorGUID,
	}
	for _, a := range in.Attachments {
		dm.Attachments = append(dm.Attachments, AttachmentView{
			GUID:         a.GUID,
			MimeType:     a.MimeType,
			TransferName: a.TransferName,
			Pending:      true,
		})
	}
	return dm
}

func (c *Controller) isConfirmed(guid string) bool {
	_, ok := (*c.confirmed.Load())[guid]
	return ok
}

// LoadMore grows the query window by one page and, when the local store
// cannot fill the previous window, fetches older history. Concurrent
// calls coalesce to a single underlying operation. Archive mode ignores
// load-more.
func (c *Controller) LoadMore(ctx context.Context) error {
	if _, archive := c.Mode().(ArchiveMode); archive {
		return nil
	}
	if !c.loading.CompareAndSwap(false, true) {
		c.logger.Debug("load-more already in flight", zap.String("chat_guid", c.primary))
		return nil
	}
	defer c.loading.Store(false)

	total, err := c.store.CountForCursor(c.chatGUIDs)
	if err != nil {
		c.setLoadError(err)
		return err
	}

	c.mu.Lock()
	windowBefore := c.window
	c.window += PageSize
	c.mu.Unlock()
	signal(c.resub)

	// Local store already fills what was on screen: grow the window and
	// let the re-query surface the older rows without touching the network.
	if total >= windowBefore {
		c.setHasMore(true)
		return nil
	}

	if c.isLocalSMS.Load() {
		return c.loadMoreFromCarrier(ctx)
	}
	return c.loadMoreFromServer(ctx)
}

func (c *Controller) loadMoreFromCarrier(ctx context.Context) error {
	if c.importer == nil {
		c.setHasMore(false)
		return nil
	}
	n, err := c.importer.ImportMessages(ctx, c.primary, PageSize)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			c.logger.Info("carrier database unavailable, ending pagination", zap.String("chat_guid", c.primary))
			c.setHasMore(false)
			return nil
		}
		c.setLoadError(err)
		return err
	}
	c.setHasMore(n >= PageSize)
	signal(c.refresh)
	return nil
}

func (c *Controller) loadMoreFromServer(ctx context.Context) error {
	if c.remote == nil {
		c.setHasMore(false)
		return nil
	}
	before, err := c.store.OldestTimestamp(c.chatGUIDs)
	if err != nil {
		c.setLoadError(err)
		return err
	}
	if before == 0 {
		before = c.now().UnixMilli()
	}
	n, err := c.remote.SyncBefore(ctx, c.primary, before, PageSize)
	if err != nil {
		c.setLoadError(err)
		return err
	}
	c.setHasMore(n >= PageSize)
	return nil
}

// RetryLoad clears the load error slot and runs another load-more.
func (c *Controller) RetryLoad(ctx context.Context) error {
	c.ClearLoadError()
	return c.LoadMore(ctx)
}

// ClearLoadError resets the retryable error slot.
func (c *Controller) ClearLoadError() {
	c.mu.Lock()
	c.loadErr = nil
	c.mu.Unlock()
}

func (c *Controller) setLoadError(err error) {
	c.mu.Lock()
	c.loadErr = err
	c.mu.Unlock()
	c.logger.Warn("load-more failed", zap.Error(err), zap.String("chat_guid", c.primary))
}

func (c *Controller) setHasMore(v bool) {
	c.mu.Lock()
	c.hasMore = v
	c.mu.Unlock()
}

// JumpToMessage switches to archive mode centered on the given message.
// Returns false when the message is not in the local store.
func (c *Controller) JumpToMessage(guid string) bool {
	m, err := c.store.MessageByGUID(guid)
	if err != nil {
		c.logger.Warn("jump target lookup failed", zap.Error(err), zap.String("guid", guid))
		return false
	}
	if m == nil {
		return false
	}
	c.mu.Lock()
	c.mode = ArchiveMode{TargetGUID: guid, TargetTs: m.DateCreated, WindowMs: archiveWindowMs}
	c.mu.Unlock()
	c.archiveNew.Store(0)
	c.overlay.clear()
	signal(c.resub)
	return true
}

// ReturnToRecent leaves archive mode. The query window keeps the size it
// had before the jump.
func (c *Controller) ReturnToRecent() {
	c.mu.Lock()
	c.mode = RecentMode{}
	c.mu.Unlock()
	c.archiveNew.Store(0)
	signal(c.resub)
}

// pollLoop is the adaptive fallback for missed pushes. It stays quiet
// while the socket is healthy and only queries the server for chats that
// exist there.
func (c *Controller) pollLoop(ctx context.Context) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.pollOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) pollOnce(ctx context.Context) {
	if c.isLocalSMS.Load() || c.remote == nil {
		return
	}
	last := c.lastSocketMs.Load()
	if last > 0 && c.now().UnixMilli()-last < socketSilence.Milliseconds() {
		return
	}
	if c.conn != nil && !c.conn() {
		return
	}
	if !c.chatExistsRemotely(ctx) {
		return
	}
	after, err := c.store.NewestTimestamp(c.chatGUIDs)
	if err != nil {
		c.logger.Debug("poll skipped", zap.Error(err))
		return
	}
	if _, err := c.remote.SyncAfter(ctx, c.primary, after, pollPageSize); err != nil {
		c.logger.Debug("adaptive poll failed", zap.Error(err), zap.String("chat_guid", c.primary))
	}
}

// chatExistsRemotely caches the server's answer so steady-state polling
// costs one query per tick at most.
func (c *Controller) chatExistsRemotely(ctx context.Context) bool {
	switch c.remoteExists.Load() {
	case existYes:
		return true
	case existNo:
		return false
	}
	exists, err := c.remote.ChatExists(ctx, c.primary)
	if err != nil {
		c.logger.Debug("chat existence probe failed", zap.Error(err), zap.String("chat_guid", c.primary))
		return false
	}
	if exists {
		c.remoteExists.Store(existYes)
	} else {
		c.remoteExists.Store(existNo)
	}
	return exists
}

// handleForeground catches up after the app was backgrounded, with a
// larger page than the steady-state poll. Failures degrade silently.
func (c *Controller) handleForeground(ctx context.Context) {
	c.lastSocketMs.Store(c.now().UnixMilli())
	if c.isLocalSMS.Load() || c.remote == nil {
		return
	}
	after, err := c.store.NewestTimestamp(c.chatGUIDs)
	if err != nil {
		return
	}
	if _, err := c.remote.SyncAfter(ctx, c.primary, after, foregroundPageSize); err != nil {
		c.logger.Debug("foreground catch-up failed", zap.Error(err), zap.String("chat_guid", c.primary))
	}
}

// RecordScrollPosition notes the viewport anchor. Writes are debounced so
// fast scrolling costs one store write per second at most.
func (c *Controller) RecordScrollPosition(index, offset int) {
	c.mu.Lock()
	c.scrollIndex = index
	c.scrollOffset = offset
	if c.scrollTimer == nil {
		c.scrollTimer = time.AfterFunc(scrollSaveDebounce, func() {
			c.mu.Lock()
			c.scrollTimer = nil
			c.mu.Unlock()
			c.saveScroll()
		})
	}
	c.mu.Unlock()
}

func (c *Controller) saveScroll() {
	if c.scroll == nil {
		return
	}
	c.mu.Lock()
	state := &store.ScrollState{
		ChatGUID:     c.primary,
		ScrollIndex:  c.scrollIndex,
		ScrollOffset: c.scrollOffset,
		QueryWindow:  c.window,
		UpdatedAt:    c.now().UnixMilli(),
	}
	c.mu.Unlock()
	if err := c.scroll.SaveScrollState(state); err != nil {
		c.logger.Warn("scroll checkpoint failed", zap.Error(err), zap.String("chat_guid", c.primary))
	}
}

// Window returns the current query window size.
func (c *Controller) Window() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// Mode returns the current view mode.
func (c *Controller) Mode() ViewMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// HasMore reports whether older history is believed to exist.
func (c *Controller) HasMore() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasMore
}

// LoadError returns the retryable load error, or nil.
func (c *Controller) LoadError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadErr
}

// NewSinceArchive counts live messages that arrived while in archive mode.
func (c *Controller) NewSinceArchive() int {
	return int(c.archiveNew.Load())
}
