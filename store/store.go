/*
Package store implements storage for mailboxes and their messages, and
broadcasts updates (e.g. appends, flag changes, renames) to interested
listeners.

Layout of storage for a store:

	<Dir>/index.db
	<Dir>/blob/<xx>/<ref>

Index.db holds tables for mailboxes, messages, per-mailbox message rows,
annotations and the principal access index. Message content is kept in the
blob directory, each message in its own file, referenced from the message
metadata, and is never interpreted by this package.

All mutating operations follow the same discipline: the change is committed in
one database transaction, then broadcast to registered listeners, and the
broadcast completes before the operation returns. Listeners that re-read after
a notification are guaranteed to see the committed state.
*/
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mjl-/bstore"

	"github.com/evermail/mailstore/config"
	"github.com/evermail/mailstore/mlog"
)

var xlog = mlog.New("store")

var (
	ErrMailboxAbsent    = errors.New("no such mailbox")
	ErrMailboxExists    = errors.New("mailbox already exists")
	ErrMessageAbsent    = errors.New("no such message")
	ErrAttachmentAbsent = errors.New("no such attachment")

	// ErrConcurrentDeletion indicates the owning mailbox of a message vanished
	// between reading and writing. Retryable, see retryConcurrent.
	ErrConcurrentDeletion = errors.New("mailbox deleted concurrently")

	ErrUnsupportedRight = errors.New("unsupported right")
	ErrDifferentDomain  = errors.New("acl entry crosses administrative domain boundary")

	ErrAnnotationTooLarge = errors.New("annotation value too large")
	ErrTooManyAnnotations = errors.New("too many annotations for mailbox")
)

// PermissionError is returned when the acting principal misses a right needed
// for an operation.
type PermissionError struct {
	Principal string
	MailboxID int64
	Missing   string // Rights string representation, e.g. "i".
}

func (e PermissionError) Error() string {
	return fmt.Sprintf("principal %q missing right %q on mailbox %d", e.Principal, e.Missing, e.MailboxID)
}

// Session identifies the acting principal for the duration of a logical
// session. It is constructed once and passed explicitly into operations,
// never stored globally.
type Session struct {
	Principal string   // E.g. "alice@example.com".
	Groups    []string // Group memberships, matched against group ACL entries.
	Admin     bool     // Administrators bypass rights checks.
}

// NextUIDValidity is a singleton record in the database with the next
// UIDValidity to use for the next mailbox.
type NextUIDValidity struct {
	ID   int // Just a single record with ID 1.
	Next uint32
}

// Types stored in the database.
var DBTypes = []any{NextUIDValidity{}, Mailbox{}, Message{}, MailboxMessage{}, Annotation{}, MailboxAccess{}}

// Store gives access to the mailboxes and messages in one storage directory.
type Store struct {
	Dir    string     // Directory with the database and blob files.
	DBPath string     // Path to index.db.
	DB     *bstore.DB // Open database connection.
	Limits config.Limits
	Blobs  BlobStore   // Message content storage. Defaults to a file store under Dir.
	Quota  QuotaSource // Optional. Nil means no ceilings are enforced.

	// Write lock must be held for mailbox tree modifications (create, rename,
	// delete). Read lock for message-level operations. Changes must be broadcast
	// before releasing the lock to ensure proper UID ordering at listeners.
	sync.RWMutex

	hooks     []PreDeletionHook
	hookMutex sync.Mutex

	pathLocks struct {
		sync.Mutex
		names map[string]*sync.Mutex
	}

	nused int // Reference count, while >0 this store is alive and shared.
}

// InitialUIDValidity returns the UIDValidity used for seeding a new store.
// It can be replaced during tests with a predictable value.
var InitialUIDValidity = func() uint32 {
	return uint32(time.Now().Unix() >> 1) // 2-second resolution gets us far enough beyond 2038.
}

var openStores = struct {
	dirs map[string]*Store
	sync.Mutex
}{
	dirs: map[string]*Store{},
}

// Open opens the store in dir, creating it if missing. A single shared Store
// exists per directory; Close must be called as many times as Open.
func Open(ctx context.Context, dir string, limits config.Limits) (*Store, error) {
	openStores.Lock()
	defer openStores.Unlock()
	if s, ok := openStores.dirs[dir]; ok {
		s.nused++
		return s, nil
	}

	s, err := openStore(ctx, dir, limits)
	if err != nil {
		return nil, err
	}
	s.nused++
	openStores.dirs[dir] = s
	return s, nil
}

func openStore(ctx context.Context, dir string, limits config.Limits) (s *Store, rerr error) {
	dbpath := filepath.Join(dir, "index.db")

	isNew := false
	if _, err := os.Stat(dbpath); err != nil && os.IsNotExist(err) {
		isNew = true
		os.MkdirAll(dir, 0770)
	}

	db, err := bstore.Open(ctx, dbpath, &bstore.Options{Timeout: 5 * time.Second, Perm: 0660}, DBTypes...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if rerr != nil {
			db.Close()
			if isNew {
				os.Remove(dbpath)
			}
		}
	}()

	if isNew {
		err := db.Write(ctx, func(tx *bstore.Tx) error {
			return tx.Insert(&NextUIDValidity{1, InitialUIDValidity()})
		})
		if err != nil {
			return nil, fmt.Errorf("initializing store: %v", err)
		}
	}

	s = &Store{
		Dir:    dir,
		DBPath: dbpath,
		DB:     db,
		Limits: limits,
		Blobs:  &FileBlobStore{Dir: filepath.Join(dir, "blob")},
	}
	s.pathLocks.names = map[string]*sync.Mutex{}
	return s, nil
}

// Close reduces the reference count, and closes the database connection when
// it was the last user.
func (s *Store) Close() error {
	openStores.Lock()
	defer openStores.Unlock()
	s.nused--
	if s.nused == 0 {
		err := s.DB.Close()
		s.DB = nil
		delete(openStores.dirs, s.Dir)
		return err
	}
	return nil
}

// WithWLock runs fn with the store write lock held. Needed for mailbox tree
// modification.
func (s *Store) WithWLock(fn func()) {
	s.Lock()
	defer s.Unlock()
	fn()
}

// WithRLock runs fn with the store read lock held. Needed for message-level
// operations.
func (s *Store) WithRLock(fn func()) {
	s.RLock()
	defer s.RUnlock()
	fn()
}

// pathLock returns a mutex scoped to name, for serializing operations on one
// mailbox subtree (e.g. renames of the same source path) without serializing
// unrelated mailboxes.
func (s *Store) pathLock(name string) *sync.Mutex {
	s.pathLocks.Lock()
	defer s.pathLocks.Unlock()
	l, ok := s.pathLocks.names[name]
	if !ok {
		l = &sync.Mutex{}
		s.pathLocks.names[name] = l
	}
	return l
}

// nextUIDValidity returns the next unique uidvalidity for a new mailbox.
func (s *Store) nextUIDValidity(tx *bstore.Tx) (uint32, error) {
	nuv := NextUIDValidity{ID: 1}
	if err := tx.Get(&nuv); err != nil {
		return 0, err
	}
	v := nuv.Next
	nuv.Next++
	if err := tx.Update(&nuv); err != nil {
		return 0, err
	}
	return v, nil
}

// retryConcurrent runs fn up to attempts times, retrying only when fn returns
// an error matching ErrConcurrentDeletion. Other errors and success return
// immediately.
func retryConcurrent(attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !errors.Is(err, ErrConcurrentDeletion) {
			return err
		}
	}
	return err
}
