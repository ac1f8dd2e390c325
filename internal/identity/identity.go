// Package identity keeps the anonymous analytics identity of a tracking
// session: a device id generated once and persisted, plus an optional user
// id overlay.
package identity

import (
	"context"
	"errors"
	"log"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DevicePrefix is prepended to every synthesized device id.
const DevicePrefix = "device_"

// Store reads and writes identity through a Storage. It never returns
// storage errors: when the backend fails the Store keeps an in-memory id for
// the rest of its life.
type Store struct {
	storage Storage
	logger  *log.Logger

	mu         sync.Mutex
	deviceID   string
	userID     string
	userLoaded bool
}

// NewStore returns a Store over storage. A nil storage behaves like a
// backend that is always unavailable.
func NewStore(storage Storage, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{storage: storage, logger: logger}
}

// NewDeviceID synthesizes "device_" followed by a base36 random token.
func NewDeviceID() string {
	u, err := uuid.NewRandom()
	if err != nil {
		return DevicePrefix + strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return DevicePrefix + new(big.Int).SetBytes(u[:]).Text(36)
}

// GetOrCreateDeviceID returns the persisted device id, creating and storing
// one when absent.
func (s *Store) GetOrCreateDeviceID(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.deviceID != "" {
		return s.deviceID
	}

	if s.storage == nil {
		s.deviceID = NewDeviceID()
		return s.deviceID
	}

	stored, err := s.storage.Get(ctx, KeyDeviceID)
	switch {
	case err == nil && stored != "":
		s.deviceID = stored
		return s.deviceID
	case err != nil && !errors.Is(err, ErrNotFound):
		s.logger.Printf("identity: storage unavailable, using in-memory device id: %v", err)
		s.deviceID = NewDeviceID()
		return s.deviceID
	}

	s.deviceID = NewDeviceID()
	if err := s.storage.Set(ctx, KeyDeviceID, s.deviceID); err != nil {
		s.logger.Printf("identity: persist device id failed, keeping it in memory: %v", err)
	}
	return s.deviceID
}

// SetUserID overlays a user id on the device identity. An empty id clears it.
func (s *Store) SetUserID(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userID = id
	s.userLoaded = true
	if s.storage == nil {
		return
	}

	var err error
	if id == "" {
		err = s.storage.Delete(ctx, KeyUserID)
	} else {
		err = s.storage.Set(ctx, KeyUserID, id)
	}
	if err != nil {
		s.logger.Printf("identity: persist user id failed: %v", err)
	}
}

// UserID returns the identified user, or "" when none is set.
func (s *Store) UserID(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.userLoaded || s.storage == nil {
		return s.userID
	}

	id, err := s.storage.Get(ctx, KeyUserID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		s.logger.Printf("identity: read user id failed: %v", err)
		return ""
	}
	s.userID = id
	s.userLoaded = true
	return s.userID
}

// DistinctID is the id events are attributed to: the device id, falling
// back to the user id.
func (s *Store) DistinctID(ctx context.Context) string {
	if id := s.GetOrCreateDeviceID(ctx); id != "" {
		return id
	}
	return s.UserID(ctx)
}

// Reset forgets the device and user ids. The next GetOrCreateDeviceID call
// synthesizes a new device id.
func (s *Store) Reset(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deviceID = ""
	s.userID = ""
	s.userLoaded = false
	if s.storage == nil {
		return
	}
	for _, key := range []string{KeyDeviceID, KeyUserID} {
		if err := s.storage.Delete(ctx, key); err != nil {
			s.logger.Printf("identity: reset %s failed: %v", key, err)
		}
	}
}
