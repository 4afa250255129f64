package durable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/holoboard/pkg/replica"
)

// Document is the part of a replica the durable mirror needs.
type Document interface {
	Save() []byte
	MergeSaved(raw []byte) error
	OnTransaction(fn func(replica.TxEvent)) (cancel func())
}

const DefaultPersistInterval = 5 * time.Second

// Binding mirrors one document into the store under one room id until Unbind is called.
type Binding struct {
	store  *Store
	doc    Document
	roomID string
	logger *slog.Logger

	dirty   chan struct{}
	cancel  context.CancelFunc
	unsub   func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.Mutex
	unbound bool
}

// Bind loads any state previously saved for the room into doc and then mirrors every subsequent change to the
// store in the background. It must be called before the document is connected to the network so that offline edits
// are part of the replica before any remote delta is merged.
func (s *Store) Bind(ctx context.Context, doc Document, roomID string, interval time.Duration) (*Binding, error) {
	if roomID == "" {
		return nil, errors.New("room id is required to bind durable state")
	}
	if interval <= 0 {
		interval = DefaultPersistInterval
	}
	logger := slog.With("room", roomID)

	raw, err := s.Load(ctx, roomID)
	switch {
	case errors.Is(err, ErrNotFound):
		logger.Info("no local state for room")
	case err != nil:
		logger.Error("failed to load local state, starting empty", "err", err)
	default:
		if err := doc.MergeSaved(raw); err != nil {
			logger.Error("failed to merge local state, starting empty", "err", err)
		} else {
			logger.Info("restored local state", "bytes", len(raw))
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	b := &Binding{
		store:  s,
		doc:    doc,
		roomID: roomID,
		logger: logger,
		dirty:  make(chan struct{}, 1),
		cancel: cancel,
	}
	b.unsub = doc.OnTransaction(func(replica.TxEvent) { b.markDirty() })

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.run(loopCtx, interval)
	}()
	return b, nil
}

func (b *Binding) RoomID() string {
	return b.roomID
}

func (b *Binding) markDirty() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unbound {
		return
	}
	select {
	case b.dirty <- struct{}{}:
	default:
	}
}

func (b *Binding) run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-b.dirty:
			b.persist(ctx)
		case <-t.C:
			b.persist(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// persist writes the current document. Failures are logged and otherwise ignored.
func (b *Binding) persist(ctx context.Context) {
	if err := b.Flush(ctx); err != nil {
		b.logger.Error("failed to persist local state", "err", err)
	}
}

// Flush synchronously writes the current document to the store.
func (b *Binding) Flush(ctx context.Context) error {
	changed, err := b.store.Save(ctx, b.roomID, b.doc.Save())
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	if changed {
		b.logger.Debug("persisted local state")
	}
	return nil
}

// Unbind stops mirroring and writes a final copy. It is safe to call more than once.
func (b *Binding) Unbind() {
	b.once.Do(func() {
		b.mu.Lock()
		b.unbound = true
		b.mu.Unlock()
		b.unsub()
		b.cancel()
		b.wg.Wait()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		b.persist(ctx)
		b.logger.Info("unbound local state")
	})
}
