package store

import (
	"context"
	"fmt"

	"github.com/mjl-/bstore"
)

// UID identifies a message's position within one mailbox. Strictly
// increasing in assignment order, never reused, also not after deletion.
type UID uint32

// ModSeq is a per-mailbox modification sequence, bumped whenever message
// metadata changes, for optimistic "what changed since" synchronization.
// ModSeq 0 in the database means "never modified" and is reported to clients
// as 1, because modseq 0 is special in IMAP.
type ModSeq int64

func (ms ModSeq) Client() ModSeq {
	if ms == 0 {
		return 1
	}
	return ms
}

// nextUID reserves and returns the next UID for the mailbox. Must be called
// in a write transaction; the single-writer transaction makes the
// increment-and-read atomic, so concurrent callers receive distinct, strictly
// increasing values.
func (s *Store) nextUID(tx *bstore.Tx, mailboxID int64) (UID, error) {
	uids, err := s.nextUIDs(tx, mailboxID, 1)
	if err != nil {
		return 0, err
	}
	return uids[0], nil
}

// nextUIDs reserves a contiguous block of n UIDs in one step.
func (s *Store) nextUIDs(tx *bstore.Tx, mailboxID int64, n int) ([]UID, error) {
	mb := Mailbox{ID: mailboxID}
	if err := tx.Get(&mb); err == bstore.ErrAbsent {
		return nil, fmt.Errorf("%w: %d", ErrMailboxAbsent, mailboxID)
	} else if err != nil {
		return nil, fmt.Errorf("get mailbox: %w", err)
	}
	uids := make([]UID, n)
	for i := range uids {
		uids[i] = mb.UIDNext + UID(i)
	}
	mb.UIDNext += UID(n)
	if err := tx.Update(&mb); err != nil {
		return nil, fmt.Errorf("updating mailbox nextuid: %w", err)
	}
	return uids, nil
}

// nextModSeq bumps and returns the mailbox's modification sequence. Must be
// called in a write transaction. Callers doing one logical update submission
// touching many messages must call this once and assign the same value to
// every touched message.
func (s *Store) nextModSeq(tx *bstore.Tx, mailboxID int64) (ModSeq, error) {
	mb := Mailbox{ID: mailboxID}
	if err := tx.Get(&mb); err == bstore.ErrAbsent {
		return 0, fmt.Errorf("%w: %d", ErrMailboxAbsent, mailboxID)
	} else if err != nil {
		return 0, fmt.Errorf("get mailbox: %w", err)
	}
	mb.ModSeq++
	if err := tx.Update(&mb); err != nil {
		return 0, fmt.Errorf("updating mailbox modseq: %w", err)
	}
	return mb.ModSeq, nil
}

// NextUID reserves the next UID for the mailbox in its own transaction.
func (s *Store) NextUID(ctx context.Context, mailboxID int64) (UID, error) {
	var uid UID
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		uid, err = s.nextUID(tx, mailboxID)
		return err
	})
	return uid, err
}

// NextUIDs reserves a contiguous block of count UIDs in its own transaction.
func (s *Store) NextUIDs(ctx context.Context, mailboxID int64, count int) ([]UID, error) {
	var uids []UID
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		uids, err = s.nextUIDs(tx, mailboxID, count)
		return err
	})
	return uids, err
}

// NextModSeq bumps and returns the mailbox's modification sequence in its
// own transaction.
func (s *Store) NextModSeq(ctx context.Context, mailboxID int64) (ModSeq, error) {
	var modseq ModSeq
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		var err error
		modseq, err = s.nextModSeq(tx, mailboxID)
		return err
	})
	return modseq, err
}

// LastUID returns the mailbox's highest assigned UID, 1 if no message was
// ever stored. The mailbox must exist.
func (s *Store) LastUID(ctx context.Context, mailboxID int64) (UID, error) {
	var uid UID
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := s.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		}
		uid = mb.LastUID()
		return nil
	})
	return uid, err
}

// HighestModSeq returns the mailbox's modification sequence high-water mark,
// 1 if never modified. The mailbox must exist.
func (s *Store) HighestModSeq(ctx context.Context, mailboxID int64) (ModSeq, error) {
	var modseq ModSeq
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := s.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		}
		modseq = mb.HighestModSeq()
		return nil
	})
	return modseq, err
}
