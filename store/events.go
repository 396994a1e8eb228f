package store

import (
	"sync"
	"sync/atomic"

	"github.com/evermail/mailstore/metrics"
)

// Change is a mutation committed to the database, distributed to all
// registered listeners after the transaction that made it returned
// successfully. Listeners never see a change that was rolled back.
type Change interface {
	changeType() string
}

// ChangeAddUID is the addition of a message to a mailbox.
type ChangeAddUID struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	MessageID string
	Flags     FlagSet
}

// ChangeRemoveUIDs is the removal of messages from a mailbox.
type ChangeRemoveUIDs struct {
	MailboxID  int64
	UIDs       []UID
	ModSeq     ModSeq
	MessageIDs []string
}

// ChangeFlags is an update of flags/keywords on one message.
type ChangeFlags struct {
	MailboxID int64
	UID       UID
	ModSeq    ModSeq
	MessageID string
	Flags     FlagSet
}

// ChangeAddMailbox is a newly created mailbox, including those created as
// missing ancestors.
type ChangeAddMailbox struct {
	Mailbox Mailbox
}

// ChangeRenameMailbox is one mailbox changing path, sent for each mailbox of
// a renamed subtree, parent first.
type ChangeRenameMailbox struct {
	MailboxID int64
	OldPath   Path
	NewPath   Path
}

// ChangeRemoveMailbox is a deleted mailbox.
type ChangeRemoveMailbox struct {
	MailboxID int64
	Path      Path
}

// ChangeACL is an access control change on a mailbox, carrying the entry
// delta rather than the full ACL.
type ChangeACL struct {
	MailboxID int64
	Path      Path
	Diff      ACLDiff
}

// ChangeMove is a message identity entering/leaving mailboxes as one
// operation. Exactly one is sent per SetInMailboxes call that changed
// anything, regardless of how many mailboxes were involved.
type ChangeMove struct {
	MessageID string
	Added     []int64 // Mailbox IDs.
	Removed   []int64
	Kept      []int64
}

// ChangeAnnotation is a mailbox annotation that was set or removed.
type ChangeAnnotation struct {
	MailboxID int64
	Key       string
	Removed   bool
}

// ChangeMailboxCounts is a mailbox whose message counts changed.
type ChangeMailboxCounts struct {
	MailboxID int64
	Path      Path
	MailboxCounts
}

func (ChangeAddUID) changeType() string        { return "adduid" }
func (ChangeRemoveUIDs) changeType() string    { return "removeuids" }
func (ChangeFlags) changeType() string         { return "flags" }
func (ChangeAddMailbox) changeType() string    { return "addmailbox" }
func (ChangeRenameMailbox) changeType() string { return "renamemailbox" }
func (ChangeRemoveMailbox) changeType() string { return "removemailbox" }
func (ChangeACL) changeType() string           { return "acl" }
func (ChangeMove) changeType() string          { return "move" }
func (ChangeAnnotation) changeType() string    { return "annotation" }
func (ChangeMailboxCounts) changeType() string { return "mailboxcounts" }

// mailboxOf returns the mailbox a change applies to, or 0 for changes that
// are not scoped to a single mailbox.
func mailboxOf(ch Change) int64 {
	switch c := ch.(type) {
	case ChangeAddUID:
		return c.MailboxID
	case ChangeRemoveUIDs:
		return c.MailboxID
	case ChangeFlags:
		return c.MailboxID
	case ChangeAddMailbox:
		return c.Mailbox.ID
	case ChangeRenameMailbox:
		return c.MailboxID
	case ChangeRemoveMailbox:
		return c.MailboxID
	case ChangeACL:
		return c.MailboxID
	case ChangeAnnotation:
		return c.MailboxID
	case ChangeMailboxCounts:
		return c.MailboxID
	}
	return 0
}

var (
	register   = make(chan *Comm)
	unregister = make(chan *Comm)
	broadcast  = make(chan changeReq)
)

type changeReq struct {
	store   *Store
	comm    *Comm // Can be nil, when not originating from a comm.
	changes []Change
	done    chan struct{}
}

func switchboard(stopc, donec chan struct{}) {
	regs := map[*Store]map[*Comm]struct{}{}

	for {
		select {
		case c := <-register:
			if _, ok := regs[c.store]; !ok {
				regs[c.store] = map[*Comm]struct{}{}
			}
			regs[c.store][c] = struct{}{}

		case c := <-unregister:
			delete(regs[c.store], c)
			if len(regs[c.store]) == 0 {
				delete(regs, c.store)
			}

		case chReq := <-broadcast:
			for _, ch := range chReq.changes {
				metrics.BroadcastInc(ch.changeType())
			}
			for c := range regs[chReq.store] {
				// Do not send the broadcaster back their own changes. chReq.comm is
				// nil if not originating from a comm, so won't match in that case.
				if c == chReq.comm {
					continue
				}
				c.deliver(chReq.changes)
			}
			chReq.done <- struct{}{}

		case <-stopc:
			donec <- struct{}{}
			return
		}
	}
}

var switchboardBusy atomic.Bool

// Switchboard distributes changes committed through a Store to the sessions
// that registered a Comm on it. See Comm and Change. Only one switchboard
// may be active.
func Switchboard() (stop func()) {
	if !switchboardBusy.CompareAndSwap(false, true) {
		panic("switchboard already busy")
	}

	stopc := make(chan struct{})
	donec := make(chan struct{})
	go switchboard(stopc, donec)

	return func() {
		stopc <- struct{}{}
		<-donec

		if !switchboardBusy.CompareAndSwap(true, false) {
			panic("switchboard already unregistered?")
		}
	}
}

// BroadcastChanges delivers changes to all Comms registered on this store.
// It blocks until the switchboard has accepted them: when a mutating call
// returns, every registered listener has the changes queued. Must be called
// after the transaction committed, never from inside one.
func (s *Store) BroadcastChanges(changes []Change) {
	if len(changes) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	broadcast <- changeReq{s, nil, changes, done}
	<-done
}

// Comm is a registered listener on a store. Changes are buffered internally
// so broadcasters never block on a slow consumer; the consumer receives on
// Pending and calls Get.
type Comm struct {
	Pending chan struct{} // Receives block until changes come in, e.g. for idling sessions.

	store      *Store
	mailboxIDs map[int64]bool // If non-nil, only changes for these mailboxes (plus unscoped ones) are kept.

	sync.Mutex
	changes []Change
}

// RegisterComm starts receiving changes made through the store. If
// mailboxIDs is non-empty, changes scoped to other mailboxes are filtered
// out before delivery. Unregister must be called.
func RegisterComm(s *Store, mailboxIDs ...int64) *Comm {
	c := &Comm{
		Pending: make(chan struct{}, 1), // Buffered so the switchboard can do a non-blocking send.
		store:   s,
	}
	if len(mailboxIDs) > 0 {
		c.mailboxIDs = map[int64]bool{}
		for _, id := range mailboxIDs {
			c.mailboxIDs[id] = true
		}
	}
	register <- c
	return c
}

// Unregister stops this Comm. Pending changes are dropped.
func (c *Comm) Unregister() {
	unregister <- c
}

// Broadcast delivers changes to all other Comms registered on the same
// store, not including c itself.
func (c *Comm) Broadcast(ch []Change) {
	if len(ch) == 0 {
		return
	}
	done := make(chan struct{}, 1)
	broadcast <- changeReq{c.store, c, ch, done}
	<-done
}

func (c *Comm) deliver(changes []Change) {
	if c.mailboxIDs != nil {
		var keep []Change
		for _, ch := range changes {
			if id := mailboxOf(ch); id == 0 || c.mailboxIDs[id] {
				keep = append(keep, ch)
			}
		}
		changes = keep
	}
	if len(changes) == 0 {
		return
	}
	c.Lock()
	c.changes = append(c.changes, changes...)
	c.Unlock()
	select {
	case c.Pending <- struct{}{}:
	default:
	}
}

// Get retrieves all pending changes. If no changes are pending a nil or
// empty list is returned.
func (c *Comm) Get() []Change {
	c.Lock()
	defer c.Unlock()
	l := c.changes
	c.changes = nil
	return l
}
