package store

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/mjl-/bstore"

	"github.com/evermail/mailstore/mlog"
)

// Annotation is a named piece of metadata on a mailbox, e.g.
// "/private/comment". One value per key per mailbox.
type Annotation struct {
	ID        int64
	MailboxID int64  `bstore:"nonzero,unique MailboxID+Key,ref Mailbox"`
	Key       string `bstore:"nonzero"`
	IsString  bool   // Whether Value is text. If not, it is binary.
	Value     []byte
}

// SetAnnotation stores an annotation on the mailbox, replacing an existing
// value under the same key. An empty value removes the annotation. Limits on
// value size and per-mailbox annotation count come from the store
// configuration. A ChangeAnnotation is broadcast when anything changed.
func (s *Store) SetAnnotation(ctx context.Context, log *mlog.Log, ses Session, mailboxID int64, key string, isString bool, value []byte) error {
	if key == "" || !strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid annotation key %q", key)
	}
	if s.Limits.MaxAnnotationSize > 0 && len(value) > s.Limits.MaxAnnotationSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrAnnotationTooLarge, len(value), s.Limits.MaxAnnotationSize)
	}

	var change Change
	s.RLock()
	defer s.RUnlock()
	err := s.DB.Write(ctx, func(tx *bstore.Tx) error {
		mb, err := s.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		}
		if err := s.requireRights(ses, mb, Rights{Write: true}); err != nil {
			return err
		}

		q := bstore.QueryTx[Annotation](tx)
		q.FilterNonzero(Annotation{MailboxID: mailboxID, Key: key})
		existing, err := q.Get()
		if err != nil && err != bstore.ErrAbsent {
			return fmt.Errorf("lookup annotation: %v", err)
		}

		if len(value) == 0 {
			if err == bstore.ErrAbsent {
				return nil
			}
			if err := tx.Delete(&existing); err != nil {
				return fmt.Errorf("removing annotation: %w", err)
			}
			change = ChangeAnnotation{MailboxID: mailboxID, Key: key, Removed: true}
			return nil
		}

		if err == bstore.ErrAbsent {
			if s.Limits.MaxAnnotations > 0 {
				n, err := bstore.QueryTx[Annotation](tx).FilterNonzero(Annotation{MailboxID: mailboxID}).Count()
				if err != nil {
					return fmt.Errorf("counting annotations: %v", err)
				}
				if n >= s.Limits.MaxAnnotations {
					return fmt.Errorf("%w: %d", ErrTooManyAnnotations, n)
				}
			}
			a := Annotation{MailboxID: mailboxID, Key: key, IsString: isString, Value: value}
			if err := tx.Insert(&a); err != nil {
				return fmt.Errorf("storing annotation: %w", err)
			}
		} else {
			if existing.IsString == isString && bytes.Equal(existing.Value, value) {
				// Unchanged, no new row version and no event.
				return nil
			}
			existing.IsString = isString
			existing.Value = value
			if err := tx.Update(&existing); err != nil {
				return fmt.Errorf("updating annotation: %w", err)
			}
		}
		change = ChangeAnnotation{MailboxID: mailboxID, Key: key}
		return nil
	})
	if err != nil {
		return err
	}
	if change != nil {
		s.BroadcastChanges([]Change{change})
	}
	return nil
}

// Annotations returns all annotations of the mailbox, or with prefix
// non-empty only those whose key starts with it.
func (s *Store) Annotations(ctx context.Context, ses Session, mailboxID int64, prefix string) ([]Annotation, error) {
	var l []Annotation
	err := s.DB.Read(ctx, func(tx *bstore.Tx) error {
		mb, err := s.MailboxByID(tx, mailboxID)
		if err != nil {
			return err
		}
		if err := s.requireRights(ses, mb, Rights{Read: true}); err != nil {
			return err
		}
		q := bstore.QueryTx[Annotation](tx)
		q.FilterNonzero(Annotation{MailboxID: mailboxID})
		if prefix != "" {
			q.FilterFn(func(a Annotation) bool { return strings.HasPrefix(a.Key, prefix) })
		}
		q.SortAsc("Key")
		l, err = q.List()
		if err != nil {
			return fmt.Errorf("listing annotations: %v", err)
		}
		return nil
	})
	return l, err
}
