package locks

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/clock"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/storage"
	"github.com/roostlabs/roost/pkg/types"
)

// Error marks lock validation failures: a lock already held, a missing or
// mismatched token. The RPC layer maps it to an INVALID_REQUEST response.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func errorf(format string, args ...interface{}) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Manager implements advisory job locks with opaque tokens. Locks gate
// mutating operations the client declared as locked; they do not block
// readers or the scheduler itself.
type Manager struct {
	storage *storage.Storage
	clock   clock.Clock
	logger  zerolog.Logger
}

// NewManager creates a lock manager over the storage facade.
func NewManager(st *storage.Storage, clk clock.Clock) *Manager {
	return &Manager{
		storage: st,
		clock:   clk,
		logger:  log.WithComponent("locks"),
	}
}

// AcquireLock creates a lock for the key and returns its token. Fails with
// Error if any lock already exists for the key.
func (m *Manager) AcquireLock(key types.LockKey, user string) (*types.Lock, error) {
	var acquired *types.Lock
	err := m.storage.Write(func(sp storage.MutableStoreProvider) error {
		if existing := sp.Locks().FetchLock(key); existing != nil {
			return errorf("job %s is locked by %s", key.Job, existing.User)
		}
		acquired = &types.Lock{
			Key:         key,
			Token:       uuid.New().String(),
			User:        user,
			TimestampMs: m.clock.Now().UnixMilli(),
		}
		sp.MutableLocks().SaveLock(acquired)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Str("job", key.Job.String()).Str("user", user).Msg("Lock acquired")
	return acquired, nil
}

// ReleaseLock removes the lock iff the token matches the currently held one.
func (m *Manager) ReleaseLock(lock *types.Lock) error {
	return m.storage.Write(func(sp storage.MutableStoreProvider) error {
		existing := sp.Locks().FetchLock(lock.Key)
		if existing == nil {
			return errorf("job %s is not locked", lock.Key.Job)
		}
		if existing.Token != lock.Token {
			return errorf("lock token mismatch for job %s", lock.Key.Job)
		}
		sp.MutableLocks().RemoveLock(lock.Key)
		return nil
	})
}

// ValidateIfLocked fails when a lock exists for the key and the supplied
// token does not match it. A nil heldToken asserts the caller holds no lock.
// If no lock exists the validation always succeeds.
func (m *Manager) ValidateIfLocked(sp storage.StoreProvider, key types.LockKey, heldToken *types.Lock) error {
	existing := sp.Locks().FetchLock(key)
	if existing == nil {
		return nil
	}
	if heldToken == nil {
		return errorf("job %s is locked by %s and no lock token was provided", key.Job, existing.User)
	}
	if heldToken.Token != existing.Token {
		return errorf("lock token is stale or invalid for job %s", key.Job)
	}
	return nil
}
