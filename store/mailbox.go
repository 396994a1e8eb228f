package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mjl-/bstore"
	"golang.org/x/text/unicode/norm"

	"github.com/evermail/mailstore/mlog"
)

// HierarchyDelimiter separates the segments of a mailbox name, e.g.
// "INBOX.work.reports".
const HierarchyDelimiter = "."

// NamespacePersonal is the namespace for a user's own mailboxes.
const NamespacePersonal = "#private"

// Path is the full hierarchical address of a mailbox. (Namespace, Owner,
// Name) is unique among live mailboxes.
type Path struct {
	Namespace string
	Owner     string
	Name      string
}

func (p Path) String() string {
	return p.Namespace + ":" + p.Owner + ":" + p.Name
}

// Parent returns the path of the parent mailbox, or false for a top-level
// name.
func (p Path) Parent() (Path, bool) {
	i := strings.LastIndex(p.Name, HierarchyDelimiter)
	if i < 0 {
		return Path{}, false
	}
	return Path{p.Namespace, p.Owner, p.Name[:i]}, true
}

// Ancestors returns the paths of all ancestors, top-level first, not
// including p itself.
func (p Path) Ancestors() []Path {
	var l []Path
	elems := strings.Split(p.Name, HierarchyDelimiter)
	name := ""
	for _, e := range elems[:len(elems)-1] {
		if name != "" {
			name += HierarchyDelimiter
		}
		name += e
		l = append(l, Path{p.Namespace, p.Owner, name})
	}
	return l
}

// IsAncestorOf returns whether o lives somewhere below p in the hierarchy.
func (p Path) IsAncestorOf(o Path) bool {
	return p.Namespace == o.Namespace && p.Owner == o.Owner && strings.HasPrefix(o.Name, p.Name+HierarchyDelimiter)
}

func (p Path) validate() error {
	if norm.NFC.String(p.Name) != p.Name {
		return fmt.Errorf("mailbox name not normalized")
	}
	if p.Namespace == "" {
		return fmt.Errorf("empty namespace")
	}
	for _, e := range strings.Split(p.Name, HierarchyDelimiter) {
		if e == "" {
			return fmt.Errorf("empty mailbox name segment")
		}
	}
	return nil
}

// SpecialUse hints. The mailbox holds these types of messages.
type SpecialUse struct {
	Archive bool
	Draft   bool
	Junk    bool
	Sent    bool
	Trash   bool
}

// MailboxCounts tracks the message counts and total size for a mailbox,
// updated with every mutation so status queries don't scan messages.
type MailboxCounts struct {
	Total   int64
	Deleted int64 // Messages with \Deleted flag.
	Unread  int64 // Messages without \Seen flag.
	Size    int64
}

func (mc *MailboxCounts) Add(n MailboxCounts) {
	mc.Total += n.Total
	mc.Deleted += n.Deleted
	mc.Unread += n.Unread
	mc.Size += n.Size
}

func (mc *MailboxCounts) Sub(n MailboxCounts) {
	mc.Total -= n.Total
	mc.Deleted -= n.Deleted
	mc.Unread -= n.Unread
	mc.Size -= n.Size
}

// Mailbox is a collection of messages, e.g. Inbox or Sent.
type Mailbox struct {
	ID int64

	// Live paths are unique; the index makes concurrent create/rename of the
	// same path fail in one of the transactions.
	Namespace string `bstore:"nonzero,unique Namespace+Owner+Name"`
	Owner     string
	// Dot separated for hierarchy, e.g. "Inbox.lists".
	Name string `bstore:"nonzero"`

	// Assigned at creation, never changed for the life of the mailbox. If it
	// ever changes, all UIDs cached by clients are invalid.
	UIDValidity uint32

	// UID assigned to the next message. Strictly increasing, UIDs are never
	// reused, also not after deletion.
	UIDNext UID `bstore:"nonzero"`

	// Highest assigned modification sequence for this mailbox. Zero means no
	// message metadata was ever changed, reported to clients as 1.
	ModSeq ModSeq

	SpecialUse

	// Keywords as used in messages in this mailbox. Storing a non-system
	// keyword for a message automatically adds it to this list. Only "atoms",
	// stored in lower case.
	Keywords []string

	ACL []ACLEntry

	MailboxCounts
}

// Path returns the full hierarchical address of the mailbox.
func (mb Mailbox) Path() Path {
	return Path{mb.Namespace, mb.Owner, mb.Name}
}

// LastUID is the highest assigned UID, the first-valid value 1 if no message
// was ever stored.
func (mb Mailbox) LastUID() UID {
	if mb.UIDNext <= 1 {
		return 1
	}
	return mb.UIDNext - 1
}

// HighestModSeq is the mailbox's modification sequence high-water mark, the
// first-valid value 1 if no message was ever changed.
func (mb Mailbox) HighestModSeq() ModSeq {
	return mb.ModSeq.Client()
}

// QuotaRoot returns the unit this mailbox's occupancy counts against.
// Mailboxes of one owner in one namespace share a root: a message moved
// between them does not change usage.
func (mb Mailbox) QuotaRoot() QuotaRoot {
	return QuotaRoot(mb.Namespace + "&" + mb.Owner)
}

// CreateMailbox creates the mailbox at path p, including any missing ancestor
// mailboxes, owner-granted full rights. One ChangeAddMailbox per created
// mailbox is broadcast before returning. If a live mailbox already occupies
// p, ErrMailboxExists is returned.
func (s *Store) CreateMailbox(ctx context.Context, log *mlog.Log, p Path) (Mailbox, error) {
	if err := p.validate(); err != nil {
		return Mailbox{}, err
	}

	var mb Mailbox
	var changes []Change
	s.Lock()
	defer s.Unlock()
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		if x, err := s.MailboxFind(tx, p); err != nil {
			return err
		} else if x != nil {
			return fmt.Errorf("%w: %s", ErrMailboxExists, p)
		}

		for _, ap := range append(p.Ancestors(), p) {
			x, err := s.MailboxFind(tx, ap)
			if err != nil {
				return err
			}
			if x != nil {
				continue
			}
			xmb, err := s.mailboxInsert(tx, ap)
			if err != nil {
				return err
			}
			changes = append(changes, ChangeAddMailbox{Mailbox: xmb})
			mb = xmb
		}
		return nil
	})
	if err != nil {
		return Mailbox{}, err
	}
	log.Debug("mailbox created", mlog.Field("path", p.String()))
	s.BroadcastChanges(changes)
	return mb, nil
}

func (s *Store) mailboxInsert(tx *bstore.Tx, p Path) (Mailbox, error) {
	uidval, err := s.nextUIDValidity(tx)
	if err != nil {
		return Mailbox{}, fmt.Errorf("next uid validity: %v", err)
	}
	mb := Mailbox{
		Namespace:   p.Namespace,
		Owner:       p.Owner,
		Name:        p.Name,
		UIDValidity: uidval,
		UIDNext:     1,
	}
	if p.Owner != "" {
		mb.ACL = []ACLEntry{{Name: p.Owner, Rights: RightsAll}}
	}
	if err := tx.Insert(&mb); err != nil {
		if errors.Is(err, bstore.ErrUnique) {
			return Mailbox{}, fmt.Errorf("%w: %s", ErrMailboxExists, p)
		}
		return Mailbox{}, fmt.Errorf("creating mailbox: %w", err)
	}
	if err := syncMailboxAccess(tx, mb.ID, nil, mb.ACL); err != nil {
		return Mailbox{}, err
	}
	return mb, nil
}

// RenameMailbox renames the mailbox at src to dst, along with all its
// descendants, preserving their suffix below src. The subtree is serialized
// against other renames of the same source path. One ChangeRenameMailbox per
// renamed mailbox is broadcast, parent first. UIDValidity is unchanged, UIDs
// stay valid across a rename.
func (s *Store) RenameMailbox(ctx context.Context, log *mlog.Log, src, dst Path) error {
	if err := dst.validate(); err != nil {
		return err
	}
	if src == dst {
		return fmt.Errorf("cannot rename mailbox to itself")
	}
	if src.IsAncestorOf(dst) {
		return fmt.Errorf("cannot rename mailbox under itself")
	}

	srcLock := s.pathLock(src.String())
	srcLock.Lock()
	defer srcLock.Unlock()

	var changes []Change
	s.Lock()
	defer s.Unlock()
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := s.MailboxFind(tx, src)
		if err != nil {
			return err
		}
		if mb == nil {
			return fmt.Errorf("%w: %s", ErrMailboxAbsent, src)
		}
		if x, err := s.MailboxFind(tx, dst); err != nil {
			return err
		} else if x != nil {
			return fmt.Errorf("%w: %s", ErrMailboxExists, dst)
		}

		q := bstore.QueryTx[Mailbox](tx)
		q.FilterNonzero(Mailbox{Namespace: src.Namespace})
		q.FilterEqual("Owner", src.Owner)
		q.FilterFn(func(xmb Mailbox) bool {
			return strings.HasPrefix(xmb.Name, src.Name+HierarchyDelimiter)
		})
		q.SortAsc("Name")
		descendants, err := q.List()
		if err != nil {
			return fmt.Errorf("list descendants: %v", err)
		}

		rename := func(xmb *Mailbox, to Path) error {
			op := xmb.Path()
			xmb.Namespace = to.Namespace
			xmb.Owner = to.Owner
			xmb.Name = to.Name
			if err := tx.Update(xmb); err != nil {
				if errors.Is(err, bstore.ErrUnique) {
					return fmt.Errorf("%w: %s", ErrMailboxExists, to)
				}
				return fmt.Errorf("renaming mailbox: %w", err)
			}
			changes = append(changes, ChangeRenameMailbox{MailboxID: xmb.ID, OldPath: op, NewPath: to})
			return nil
		}

		if err := rename(mb, dst); err != nil {
			return err
		}
		for i := range descendants {
			suffix := strings.TrimPrefix(descendants[i].Name, src.Name)
			to := Path{dst.Namespace, dst.Owner, dst.Name + suffix}
			if err := rename(&descendants[i], to); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Debug("mailbox renamed", mlog.Field("src", src.String()), mlog.Field("dst", dst.String()))
	s.BroadcastChanges(changes)
	return nil
}

// DeleteMailbox removes the mailbox and all messages it contains.
// Pre-deletion hooks run for the contained messages, with their metadata
// still available, before anything is removed. Message identities referenced
// from other mailboxes stay; identities that were only present here remain as
// unreferenced identity rows until deleted by identity.
func (s *Store) DeleteMailbox(ctx context.Context, log *mlog.Log, ses Session, mailboxID int64) error {
	s.Lock()
	defer s.Unlock()

	mb := Mailbox{ID: mailboxID}
	if err := s.DB.Get(ctx, &mb); err == bstore.ErrAbsent {
		return fmt.Errorf("%w: %d", ErrMailboxAbsent, mailboxID)
	} else if err != nil {
		return fmt.Errorf("get mailbox: %w", err)
	}
	if err := s.requireRights(ses, mb, Rights{DeleteMailbox: true}); err != nil {
		return err
	}

	// Gather metadata while it is still available, hooks may need it.
	var deleted []DeletedMessage
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		var err error
		deleted, err = s.gatherDeleted(tx, mb, nil)
		return err
	})
	if err != nil {
		return err
	}

	s.runPreDeletionHooks(ctx, log, deleted)

	var changes []Change
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		// Mailbox may have gained messages between gathering and now; this
		// transaction is the commit point, re-list the rows to remove.
		qmsg := bstore.QueryTx[MailboxMessage](tx)
		qmsg.FilterNonzero(MailboxMessage{MailboxID: mb.ID})
		qmsg.SortAsc("UID")
		msgs, err := qmsg.List()
		if err != nil {
			return fmt.Errorf("list mailbox messages: %v", err)
		}
		if _, err := bstore.QueryTx[MailboxMessage](tx).FilterNonzero(MailboxMessage{MailboxID: mb.ID}).Delete(); err != nil {
			return fmt.Errorf("deleting mailbox messages: %w", err)
		}
		if _, err := bstore.QueryTx[Annotation](tx).FilterNonzero(Annotation{MailboxID: mb.ID}).Delete(); err != nil {
			return fmt.Errorf("deleting annotations: %w", err)
		}
		if _, err := bstore.QueryTx[MailboxAccess](tx).FilterNonzero(MailboxAccess{MailboxID: mb.ID}).Delete(); err != nil {
			return fmt.Errorf("deleting access index: %w", err)
		}
		if err := tx.Delete(&Mailbox{ID: mb.ID}); err != nil {
			return fmt.Errorf("deleting mailbox: %w", err)
		}

		if len(msgs) > 0 {
			uids := make([]UID, len(msgs))
			msgids := make([]string, len(msgs))
			for i, m := range msgs {
				uids[i] = m.UID
				msgids[i] = m.MessageID
			}
			changes = append(changes, ChangeRemoveUIDs{MailboxID: mb.ID, UIDs: uids, ModSeq: mb.ModSeq, MessageIDs: msgids})
		}
		changes = append(changes, ChangeRemoveMailbox{MailboxID: mb.ID, Path: mb.Path()})
		return nil
	})
	if err != nil {
		return err
	}
	log.Debug("mailbox deleted", mlog.Field("path", mb.Path().String()))
	s.BroadcastChanges(changes)
	return nil
}

// MailboxFind finds a mailbox by path, returning a nil mailbox and nil error
// if the mailbox does not exist.
func (s *Store) MailboxFind(tx *bstore.Tx, p Path) (*Mailbox, error) {
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterNonzero(Mailbox{Namespace: p.Namespace})
	q.FilterEqual("Owner", p.Owner)
	q.FilterEqual("Name", p.Name)
	mb, err := q.Get()
	if err == bstore.ErrAbsent {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up mailbox: %w", err)
	}
	return &mb, nil
}

// MailboxByID returns the mailbox, or ErrMailboxAbsent.
func (s *Store) MailboxByID(tx *bstore.Tx, id int64) (Mailbox, error) {
	mb := Mailbox{ID: id}
	if err := tx.Get(&mb); err == bstore.ErrAbsent {
		return Mailbox{}, fmt.Errorf("%w: %d", ErrMailboxAbsent, id)
	} else if err != nil {
		return Mailbox{}, fmt.Errorf("get mailbox: %w", err)
	}
	return mb, nil
}

// MailboxExists checks if a live mailbox occupies path p.
func (s *Store) MailboxExists(tx *bstore.Tx, p Path) (bool, error) {
	mb, err := s.MailboxFind(tx, p)
	return mb != nil, err
}

// HasChildren returns whether the mailbox has any descendant mailbox.
func (s *Store) HasChildren(tx *bstore.Tx, mb Mailbox) (bool, error) {
	q := bstore.QueryTx[Mailbox](tx)
	q.FilterNonzero(Mailbox{Namespace: mb.Namespace})
	q.FilterEqual("Owner", mb.Owner)
	q.FilterFn(func(x Mailbox) bool {
		return strings.HasPrefix(x.Name, mb.Name+HierarchyDelimiter)
	})
	return q.Exists()
}

// Mailboxes returns all mailboxes of one owner in one namespace, sorted by
// name.
func (s *Store) Mailboxes(ctx context.Context, namespace, owner string) ([]Mailbox, error) {
	var l []Mailbox
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Mailbox](tx)
		q.FilterNonzero(Mailbox{Namespace: namespace})
		q.FilterEqual("Owner", owner)
		q.SortAsc("Name")
		var err error
		l, err = q.List()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes: %v", err)
	}
	return l, nil
}

// MailboxesWithPrefix returns the mailbox at p (if any) and all its
// descendants, sorted by name.
func (s *Store) MailboxesWithPrefix(ctx context.Context, p Path) ([]Mailbox, error) {
	var l []Mailbox
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		q := bstore.QueryTx[Mailbox](tx)
		q.FilterNonzero(Mailbox{Namespace: p.Namespace})
		q.FilterEqual("Owner", p.Owner)
		q.FilterFn(func(x Mailbox) bool {
			return x.Name == p.Name || strings.HasPrefix(x.Name, p.Name+HierarchyDelimiter)
		})
		q.SortAsc("Name")
		var err error
		l, err = q.List()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("listing mailboxes with prefix: %v", err)
	}
	return l, nil
}
