package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/mjl-/bstore"

	"github.com/evermail/mailstore/message"
	"github.com/evermail/mailstore/mlog"
)

// Message is a message identity: content and parsed properties, immutable
// once written. The same identity can be present in multiple mailboxes at
// once, each presence being a MailboxMessage row referencing it.
type Message struct {
	// Random UUID, assigned at first append and carried along on copy/move,
	// also across owners.
	ID string

	Size    int64 `bstore:"nonzero"`
	Blob    BlobRef
	SavedAt time.Time

	message.Properties
}

// MailboxMessage is the presence of a message identity in one mailbox, with
// the per-mailbox metadata: UID, modification sequence, flags and keywords.
type MailboxMessage struct {
	ID        int64
	MailboxID int64 `bstore:"nonzero,unique MailboxID+UID,ref Mailbox"`
	UID       UID   `bstore:"nonzero"`
	MessageID string `bstore:"nonzero,index"`

	// Sequence of the last metadata change, 0 if never changed since append.
	ModSeq ModSeq

	Flags
	// Other flags, only "atoms", lower case.
	Keywords []string

	SavedAt time.Time
}

// FlagSet returns the system flags and keywords as one value.
func (mm MailboxMessage) FlagSet() FlagSet {
	return FlagSet{mm.Flags, mm.Keywords}
}

func (mm *MailboxMessage) setFlagSet(fs FlagSet) {
	mm.Flags = fs.Flags
	mm.Keywords = fs.Keywords
}

// counts returns the contribution of this message to its mailbox's counts.
func (mm MailboxMessage) counts(size int64) MailboxCounts {
	mc := MailboxCounts{Total: 1, Size: size}
	if mm.Deleted {
		mc.Deleted = 1
	}
	if !mm.Seen {
		mc.Unread = 1
	}
	return mc
}

// UIDRange is a contiguous inclusive range of UIDs.
type UIDRange struct {
	First, Last UID
}

// UIDRangeAll covers every assignable UID.
func UIDRangeAll() UIDRange { return UIDRange{1, ^UID(0)} }

// UIDRangeOne covers a single UID.
func UIDRangeOne(uid UID) UIDRange { return UIDRange{uid, uid} }

// UIDRangeFrom covers uid and everything after it.
func UIDRangeFrom(uid UID) UIDRange { return UIDRange{uid, ^UID(0)} }

func (r UIDRange) Contains(uid UID) bool {
	return uid >= r.First && uid <= r.Last
}

// Append stores new message content in the mailbox. The content is parsed
// for structural properties, a fresh identity with a random ID is created,
// and a UID and modification sequence are assigned. Requires the Insert
// right and is subject to the configured maximum message size and the quota
// of the mailbox's root. A ChangeAddUID and ChangeMailboxCounts are
// broadcast.
func (s *Store) Append(ctx context.Context, log *mlog.Log, ses Session, mailboxID int64, r io.Reader, flags FlagSet) (MailboxMessage, error) {
	ref, size, err := s.Blobs.Save(log, r)
	if err != nil {
		return MailboxMessage{}, fmt.Errorf("storing content: %w", err)
	}
	removeBlob := func() {
		err := s.Blobs.Remove(log, ref)
		log.Check(err, "removing blob after failed append")
	}
	if s.Limits.MaxMessageSize > 0 && size > s.Limits.MaxMessageSize {
		removeBlob()
		return MailboxMessage{}, fmt.Errorf("message too large: %d bytes, max %d", size, s.Limits.MaxMessageSize)
	}

	br, err := s.Blobs.Open(ref)
	if err != nil {
		removeBlob()
		return MailboxMessage{}, fmt.Errorf("reading back content: %w", err)
	}
	props, err := message.Parse(br)
	xerr := br.Close()
	log.Check(xerr, "closing blob reader after parse")
	if err != nil {
		removeBlob()
		return MailboxMessage{}, fmt.Errorf("parsing message: %w", err)
	}

	for i, kw := range flags.Keywords {
		if !ValidLowercaseKeyword(kw) {
			removeBlob()
			return MailboxMessage{}, fmt.Errorf("invalid keyword %q at index %d", kw, i)
		}
	}

	m := Message{
		ID:         uuid.New().String(),
		Size:       size,
		Blob:       ref,
		SavedAt:    time.Now(),
		Properties: props,
	}
	var mm MailboxMessage
	var changes []Change

	s.RLock()
	defer s.RUnlock()
	err = s.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := s.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		}
		if err := s.requireRights(ses, mb, Rights{Insert: true}); err != nil {
			return err
		}
		if err := s.checkQuota(ctx, tx, mb.QuotaRoot(), 1, size); err != nil {
			return err
		}

		uid, err := s.nextUID(tx, mb.ID)
		if err != nil {
			return err
		}
		modseq, err := s.nextModSeq(tx, mb.ID)
		if err != nil {
			return err
		}

		if err := tx.Insert(&m); err != nil {
			return fmt.Errorf("storing message identity: %w", err)
		}
		mm = MailboxMessage{
			MailboxID: mb.ID,
			UID:       uid,
			MessageID: m.ID,
			ModSeq:    modseq,
			Flags:     flags.Flags,
			Keywords:  flags.Keywords,
			SavedAt:   m.SavedAt,
		}
		if err := tx.Insert(&mm); err != nil {
			return fmt.Errorf("storing mailbox message: %w", err)
		}

		// Re-fetch, nextUID/nextModSeq updated the row.
		mb, err = s.MailboxByID(tx, mb.ID)
		if err != nil {
			return err
		}
		mb.Keywords, _ = MergeKeywords(mb.Keywords, flags.Keywords)
		mb.Add(mm.counts(size))
		if err := tx.Update(&mb); err != nil {
			return fmt.Errorf("updating mailbox counts: %w", err)
		}

		changes = append(changes,
			ChangeAddUID{MailboxID: mb.ID, UID: uid, ModSeq: modseq, MessageID: m.ID, Flags: mm.FlagSet()},
			ChangeMailboxCounts{MailboxID: mb.ID, Path: mb.Path(), MailboxCounts: mb.MailboxCounts},
		)
		return nil
	})
	if err != nil {
		removeBlob()
		return MailboxMessage{}, err
	}
	log.Debug("message appended", mlog.Field("mailbox", mailboxID), mlog.Field("uid", mm.UID), mlog.Field("size", size))
	s.BroadcastChanges(changes)
	return mm, nil
}

// messageByUID returns the mailbox message at uid in the mailbox.
func messageByUID(tx *bstore.Tx, mailboxID int64, uid UID) (MailboxMessage, error) {
	q := bstore.QueryTx[MailboxMessage](tx)
	q.FilterNonzero(MailboxMessage{MailboxID: mailboxID, UID: uid})
	mm, err := q.Get()
	if err == bstore.ErrAbsent {
		return MailboxMessage{}, fmt.Errorf("%w: uid %d in mailbox %d", ErrMessageAbsent, uid, mailboxID)
	} else if err != nil {
		return MailboxMessage{}, fmt.Errorf("lookup message: %v", err)
	}
	return mm, nil
}

// messagesInRange lists the mailbox messages within the UID range, ascending
// by UID.
func messagesInRange(tx *bstore.Tx, mailboxID int64, r UIDRange) ([]MailboxMessage, error) {
	q := bstore.QueryTx[MailboxMessage](tx)
	q.FilterNonzero(MailboxMessage{MailboxID: mailboxID})
	q.FilterGreaterEqual("UID", r.First)
	if r.Last != ^UID(0) {
		q.FilterLessEqual("UID", r.Last)
	}
	q.SortAsc("UID")
	l, err := q.List()
	if err != nil {
		return nil, fmt.Errorf("listing messages: %v", err)
	}
	return l, nil
}

// Messages returns the mailbox messages within the UID range, ascending by
// UID. Requires the Read right.
func (s *Store) Messages(ctx context.Context, ses Session, mailboxID int64, r UIDRange) ([]MailboxMessage, error) {
	var l []MailboxMessage
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := s.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		}
		if err := s.requireRights(ses, mb, Rights{Read: true}); err != nil {
			return err
		}
		l, err = messagesInRange(tx, mailboxID, r)
		return err
	})
	return l, err
}

// MessageIdentity returns the identity row for a message ID,
// ErrMessageAbsent if unknown.
func (s *Store) MessageIdentity(ctx context.Context, id string) (Message, error) {
	m := Message{ID: id}
	if err := s.DB.Get(ctx, &m); err == bstore.ErrAbsent {
		return Message{}, fmt.Errorf("%w: identity %s", ErrMessageAbsent, id)
	} else if err != nil {
		return Message{}, fmt.Errorf("get message identity: %w", err)
	}
	return m, nil
}

// OpenMessage returns a reader for the content of the message identity.
// Requires the Read right on the mailbox through which the message is
// addressed.
func (s *Store) OpenMessage(ctx context.Context, ses Session, mailboxID int64, uid UID) (io.ReadCloser, error) {
	var m Message
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := s.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		}
		if err := s.requireRights(ses, mb, Rights{Read: true}); err != nil {
			return err
		}
		mm, err := messageByUID(tx, mailboxID, uid)
		if err != nil {
			return err
		}
		m = Message{ID: mm.MessageID}
		if err := tx.Get(&m); err != nil {
			return fmt.Errorf("get message identity: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.Blobs.Open(m.Blob)
}

// refCount returns how many mailboxes contain the message identity.
func refCount(tx *bstore.Tx, messageID string) (int, error) {
	n, err := bstore.QueryTx[MailboxMessage](tx).FilterNonzero(MailboxMessage{MessageID: messageID}).Count()
	if err != nil {
		return 0, fmt.Errorf("counting identity references: %v", err)
	}
	return n, nil
}
