package blob

import (
	"encoding/json"
	"fmt"
)

// ErrorKind enumerates the blob index's domain error taxonomy, matching
// the tagged BlobError enum the client agent parses out of HTTP error
// bodies.
type ErrorKind int

const (
	// ErrAlreadyExists is returned by CreateAndLock when a key has
	// already been written (or is currently locked) elsewhere.
	ErrAlreadyExists ErrorKind = iota
	// ErrCreateNotLocked is returned by CreateUnlock when the named file
	// has no outstanding write lease (including one the cleaner has
	// reclaimed), and by KeepAliveLock when the file does not exist.
	ErrCreateNotLocked
	// ErrDuplicateKeys is returned when a single CreateAndLock request
	// names the same key more than once.
	ErrDuplicateKeys
	// ErrDoesNotExist is returned by Lookup for an unknown key.
	ErrDoesNotExist
	// ErrNotWritten is returned by Lookup for a key whose write lease
	// expired, or was never completed, before create_unlock.
	ErrNotWritten
	// ErrWrongNode is returned when create_unlock is called by a node
	// other than the one holding the lease.
	ErrWrongNode
	// ErrLockExpired is returned by keep_alive_lock when the file has no
	// open lease, e.g. because the cleaner has already reclaimed it.
	ErrLockExpired
	// ErrProhibitedKey is returned when a key collides with a reserved
	// name (currently only the file-pool hash key).
	ErrProhibitedKey
)

// Error is the blob index's domain error type. Key is populated for
// ErrAlreadyExists so callers can tell which key of a batch collided.
type Error struct {
	Kind ErrorKind
	Key  string
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrAlreadyExists:
		return fmt.Sprintf("key already exists: %s", e.Key)
	case ErrCreateNotLocked:
		return "file is not currently locked for writing"
	case ErrDuplicateKeys:
		return "request contains duplicate keys"
	case ErrDoesNotExist:
		return "key does not exist"
	case ErrNotWritten:
		return "blob is not written"
	case ErrWrongNode:
		return "lock is held by a different node"
	case ErrLockExpired:
		return "lock has expired"
	case ErrProhibitedKey:
		return "key is prohibited"
	default:
		return "unknown blob error"
	}
}

var kindNames = map[ErrorKind]string{
	ErrAlreadyExists:   "AlreadyExists",
	ErrCreateNotLocked: "CreateNotLocked",
	ErrDuplicateKeys:   "DuplicateKeys",
	ErrDoesNotExist:    "DoesNotExist",
	ErrNotWritten:      "NotWritten",
	ErrWrongNode:       "WrongNode",
	ErrLockExpired:     "LockExpired",
	ErrProhibitedKey:   "ProhibitedKey",
}

// MarshalJSON serializes the error as a tagged variant — a bare string
// for plain kinds, {"AlreadyExists":"<key>"} for the one kind carrying
// a payload — so clients dispatch on the tag instead of parsing prose.
func (e *Error) MarshalJSON() ([]byte, error) {
	name, ok := kindNames[e.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown blob error kind %d", e.Kind)
	}
	if e.Kind == ErrAlreadyExists {
		return json.Marshal(map[string]string{name: e.Key})
	}
	return json.Marshal(name)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		for kind, name := range kindNames {
			if name == s && kind != ErrAlreadyExists {
				e.Kind = kind
				e.Key = ""
				return nil
			}
		}
		return fmt.Errorf("unknown blob error %q", s)
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if key, ok := m["AlreadyExists"]; ok && len(m) == 1 {
		e.Kind = ErrAlreadyExists
		e.Key = key
		return nil
	}
	return fmt.Errorf("unrecognized blob error %s", data)
}

func newError(kind ErrorKind) error {
	return &Error{Kind: kind}
}

func newAlreadyExists(key string) error {
	return &Error{Kind: ErrAlreadyExists, Key: key}
}

// AsError reports whether err is a *Error, returning it if so.
func AsError(err error) (*Error, bool) {
	e, ok := err.(*Error)
	return e, ok
}
