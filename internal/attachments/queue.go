package attachments

import (
	"container/heap"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/bluetail-im/bluetail/internal/bus"
	"github.com/bluetail-im/bluetail/internal/store"
)

// Downloader fetches attachment bytes from the server.
type Downloader interface {
	DownloadAttachment(ctx context.Context, attachmentGUID string, w io.Writer) error
}

// Request identifies one attachment to download. Higher Priority downloads
// first; the UI bumps priority for attachments scrolled into view.
type Request struct {
	AttachmentGUID string
	MessageGUID    string
	ChatGUID       string
	TransferName   string
	Priority       int
}

// Queue is a prioritized attachment download queue. Completions are
// published as attachment.downloaded events, which the timeline controller
// uses to re-render the owning message.
type Queue struct {
	db         *store.DB
	downloader Downloader
	bus        *bus.Bus
	logger     *zap.Logger
	dir        string

	mu       sync.Mutex
	pending  requestHeap
	enqueued map[string]struct{}
	wake     chan struct{}
	cancel   context.CancelFunc
}

// NewQueue creates a download queue writing files under dir.
func NewQueue(db *store.DB, d Downloader, b *bus.Bus, dir string, logger *zap.Logger) *Queue {
	return &Queue{
		db:         db,
		downloader: d,
		bus:        b,
		logger:     logger,
		dir:        dir,
		enqueued:   make(map[string]struct{}),
		wake:       make(chan struct{}, 1),
	}
}

// Enqueue schedules a download. Re-enqueueing a pending guid only raises
// its priority, never duplicates work.
func (q *Queue) Enqueue(req Request) {
	q.mu.Lock()
	if _, dup := q.enqueued[req.AttachmentGUID]; dup {
		for i := range q.pending {
			if q.pending[i].AttachmentGUID == req.AttachmentGUID && req.Priority > q.pending[i].Priority {
				q.pending[i].Priority = req.Priority
				heap.Fix(&q.pending, i)
				break
			}
		}
		q.mu.Unlock()
		return
	}
	q.enqueued[req.AttachmentGUID] = struct{}{}
	heap.Push(&q.pending, req)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Start launches the download worker.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	go q.loop(ctx)
}

// Stop stops the worker.
func (q *Queue) Stop() {
	if q.cancel != nil {
		q.cancel()
	}
}

func (q *Queue) loop(ctx context.Context) {
	for {
		req, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			}
		}
		if ctx.Err() != nil {
			return
		}
		q.download(ctx, req)
	}
}

func (q *Queue) pop() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return Request{}, false
	}
	req := heap.Pop(&q.pending).(Request)
	delete(q.enqueued, req.AttachmentGUID)
	return req, true
}

func (q *Queue) download(ctx context.Context, req Request) {
	name := req.TransferName
	if name == "" {
		name = req.AttachmentGUID
	}
	path := filepath.Join(q.dir, req.AttachmentGUID+"-"+filepath.Base(name))

	if err := os.MkdirAll(q.dir, 0700); err != nil {
		q.logger.Error("failed to create attachment dir", zap.Error(err))
		return
	}
	f, err := os.Create(path)
	if err != nil {
		q.logger.Error("failed to create attachment file", zap.Error(err), zap.String("path", path))
		return
	}

	err = q.downloader.DownloadAttachment(ctx, req.AttachmentGUID, f)
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		_ = q.db.MarkAttachmentFailed(req.AttachmentGUID)
		q.logger.Warn("attachment download failed", zap.Error(err), zap.String("guid", req.AttachmentGUID))
		return
	}

	if err := q.db.MarkAttachmentDownloaded(req.AttachmentGUID, path); err != nil {
		q.logger.Error("failed to record downloaded attachment", zap.Error(err), zap.String("guid", req.AttachmentGUID))
		return
	}

	q.bus.Emit(bus.KindAttachmentDownloaded, &bus.AttachmentDone{
		AttachmentGUID: req.AttachmentGUID,
		MessageGUID:    req.MessageGUID,
		ChatGUID:       req.ChatGUID,
		LocalPath:      path,
	})
}

// requestHeap is a max-heap on Priority.
type requestHeap []Request

func (h requestHeap) Len() int            { return len(h) }
func (h requestHeap) Less(i, j int) bool  { return h[i].Priority > h[j].Priority }
func (h requestHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *requestHeap) Push(x any)         { *h = append(*h, x.(Request)) }
func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
