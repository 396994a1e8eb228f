package store

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/evermail/mailstore/metrics"
	"github.com/evermail/mailstore/mlog"
)

// DeletedMessage is the metadata of a message about to be removed, gathered
// while the rows still exist so hooks can act on it (e.g. export for
// retention) before it is gone.
type DeletedMessage struct {
	MessageID string
	MailboxID int64
	Path      Path
	Owner     string
	UID       UID
	ModSeq    ModSeq
	Flags     FlagSet
	Size      int64
	Blob      BlobRef
}

// PreDeletionHook is notified before messages are physically removed. Hooks
// observe, they cannot veto: an error or panic in a hook is logged and
// counted, the deletion proceeds.
type PreDeletionHook interface {
	// Name identifies the hook in logs and metrics.
	Name() string
	// MessagesWillBeDeleted is called with the metadata of messages that are
	// about to be removed, before any row or blob is touched.
	MessagesWillBeDeleted(ctx context.Context, deleted []DeletedMessage) error
}

// AddPreDeletionHook registers a hook on this store. Hooks run sequentially,
// in registration order, for every deletion that removes messages.
func (s *Store) AddPreDeletionHook(h PreDeletionHook) {
	s.hookMutex.Lock()
	defer s.hookMutex.Unlock()
	s.hooks = append(s.hooks, h)
}

// runPreDeletionHooks notifies all registered hooks about an upcoming
// deletion. Runs before the transaction that removes the rows. Never returns
// an error: hook failure must not fail the delete.
func (s *Store) runPreDeletionHooks(ctx context.Context, log *mlog.Log, deleted []DeletedMessage) {
	if len(deleted) == 0 {
		return
	}
	s.hookMutex.Lock()
	hooks := make([]PreDeletionHook, len(s.hooks))
	copy(hooks, s.hooks)
	s.hookMutex.Unlock()
	if len(hooks) == 0 {
		return
	}

	// One at a time: hooks may touch shared resources and their order is part
	// of the contract.
	var group errgroup.Group
	group.SetLimit(1)
	for _, h := range hooks {
		h := h
		group.Go(func() error {
			start := time.Now()
			result := "ok"
			defer func() {
				if x := recover(); x != nil {
					result = "panic"
					metrics.PanicInc(metrics.Hooks)
					log.Error("pre-deletion hook panicked", mlog.Field("hook", h.Name()), mlog.Field("panic", fmt.Sprintf("%v", x)))
					debug.PrintStack()
				}
				metrics.HookObserve(h.Name(), result, time.Since(start).Seconds())
			}()
			if err := h.MessagesWillBeDeleted(ctx, deleted); err != nil {
				result = "error"
				log.Errorx("pre-deletion hook failed", err, mlog.Field("hook", h.Name()), mlog.Field("messages", len(deleted)))
			}
			return nil
		})
	}
	// Errors are swallowed in the goroutines, Wait only synchronizes.
	_ = group.Wait()
}
