package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrTooManyLocks = errors.New("too many conversations locked")

// TurnLocker coordinates turns on the same conversation. The returned unlock
// function must be called exactly once.
type TurnLocker interface {
	Lock(ctx context.Context, conversationID uuid.UUID) (func(), error)
}

// NopLocker lets concurrent turns on one conversation interleave.
type NopLocker struct{}

func (NopLocker) Lock(context.Context, uuid.UUID) (func(), error) {
	return func() {}, nil
}

type keyedLock struct {
	sem     chan struct{}
	waiters int
}

// KeyedLocker allows one active turn per conversation within this process.
// Entries are dropped once nobody holds or waits on them, and at most maxKeys
// conversations may be locked or waited on at once.
type KeyedLocker struct {
	edit    sync.Mutex
	locks   map[uuid.UUID]*keyedLock
	maxKeys int
}

func NewKeyedLocker(maxKeys int) *KeyedLocker {
	return &KeyedLocker{
		locks:   make(map[uuid.UUID]*keyedLock),
		maxKeys: maxKeys,
	}
}

func (m *KeyedLocker) Lock(ctx context.Context, conversationID uuid.UUID) (func(), error) {
	m.edit.Lock()
	lock, ok := m.locks[conversationID]
	if !ok {
		if len(m.locks) >= m.maxKeys {
			m.edit.Unlock()
			return nil, fmt.Errorf("%w: max size %d reached", ErrTooManyLocks, m.maxKeys)
		}
		lock = &keyedLock{sem: make(chan struct{}, 1)}
		m.locks[conversationID] = lock
	}
	lock.waiters++
	m.edit.Unlock()

	select {
	case lock.sem <- struct{}{}:
	case <-ctx.Done():
		m.release(conversationID, lock)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lock.sem
			m.release(conversationID, lock)
		})
	}, nil
}

func (m *KeyedLocker) release(conversationID uuid.UUID, lock *keyedLock) {
	m.edit.Lock()
	defer m.edit.Unlock()

	lock.waiters--
	if lock.waiters == 0 {
		delete(m.locks, conversationID)
	}
}

func (m *KeyedLocker) size() int {
	m.edit.Lock()
	defer m.edit.Unlock()
	return len(m.locks)
}
