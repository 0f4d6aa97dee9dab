package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/edgegate/authd/internal/bus"
	"github.com/edgegate/authd/internal/shared"
)

// Authority RPC operation labels.
const (
	opGetByID     = "getbyid"
	opGetByEmail  = "getbyemail"
	opAddUser     = "adduser"
	opUpdateUser  = "updateuser"
	opDeleteUser  = "deleteuser"
	opGetAllUsers = "getallusers"
)

// Fanout event labels on the broadcast channel.
const (
	EventUpdateUser = "updateuser"
	EventDeleteUser = "deleteuser"
)

// Purger delivers the fire-and-forget compliance purge notification emitted
// when a user is deleted. It expects no reply and is independent of cache
// convergence.
type Purger interface {
	EnqueuePurge(ctx context.Context, id uuid.UUID) error
}

// Service is the user cache and sync layer. It serves reads from a local
// in-process cache when possible, delegates misses and all writes to the
// remote authority over the transport, and converges with peer instances by
// applying fanout events. The cache is disposable: dropping it costs latency,
// never correctness.
type Service struct {
	transport bus.Transport
	purger    Purger
	logger    *slog.Logger

	// cache holds User values keyed by uuid.UUID. Individual-record
	// granularity is all the protection required; sync.Map gives that
	// without a cache-wide lock.
	cache sync.Map

	syncGroup singleflight.Group
	syncMu    sync.Mutex
	synced    bool
	settle    time.Duration
}

// NewService constructs the cache and sync layer. settle is the delay applied
// after a bulk fetch before the sync is marked complete, giving in-flight
// fanout deliveries a window to land.
func NewService(transport bus.Transport, purger Purger, logger *slog.Logger, settle time.Duration) *Service {
	if settle <= 0 {
		settle = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{transport: transport, purger: purger, logger: logger, settle: settle}
}

// GetByID returns the user with the given id, from cache when present,
// otherwise from the authority. The fetched record is cached.
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	if u, ok := s.lookup(id); ok {
		return u, nil
	}
	reply, err := s.request(ctx, opGetByID, id)
	if err != nil {
		return nil, err
	}
	if emptyReply(reply) {
		return nil, shared.ErrNotFound
	}
	u, err := decodeUser(opGetByID, reply)
	if err != nil {
		return nil, err
	}
	s.cache.Store(u.ID, *u)
	return u, nil
}

// GetByEmail behaves like GetByID with an email key.
func (s *Service) GetByEmail(ctx context.Context, email string) (*User, error) {
	email = NormalizeEmail(email)
	if u, ok := s.lookupByEmail(email); ok {
		return u, nil
	}
	reply, err := s.request(ctx, opGetByEmail, email)
	if err != nil {
		return nil, err
	}
	if emptyReply(reply) {
		return nil, shared.ErrNotFound
	}
	u, err := decodeUser(opGetByEmail, reply)
	if err != nil {
		return nil, err
	}
	s.cache.Store(u.ID, *u)
	return u, nil
}

// AddUser registers the candidate with the authority and caches the canonical
// stored record. The local duplicate-email check is a best-effort fast path
// only: it cannot see users absent from the cache or concurrent registrations
// on other instances. The authority's uniqueness check is the real guarantee,
// signalled by an empty reply.
func (s *Service) AddUser(ctx context.Context, candidate *User) (*User, error) {
	if _, ok := s.lookupByEmail(NormalizeEmail(candidate.Email)); ok {
		return nil, shared.ErrEmailTaken
	}
	reply, err := s.request(ctx, opAddUser, candidate)
	if err != nil {
		return nil, err
	}
	if emptyReply(reply) {
		return nil, shared.ErrEmailTaken
	}
	u, err := decodeUser(opAddUser, reply)
	if err != nil {
		return nil, err
	}
	s.cache.Store(u.ID, *u)
	return u, nil
}

// UpdateUser sends the full record to the authority and broadcasts the
// canonical result on the fanout channel. The local cache is deliberately not
// written here: the self-delivered fanout event is the single apply path for
// updates, whether they originate here or on a peer.
func (s *Service) UpdateUser(ctx context.Context, record *User) (*User, error) {
	reply, err := s.request(ctx, opUpdateUser, record)
	if err != nil {
		return nil, err
	}
	if emptyReply(reply) {
		return nil, fmt.Errorf("directory: updateuser confirmed without canonical record: %w", shared.ErrContractViolation)
	}
	u, err := decodeUser(opUpdateUser, reply)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("directory: marshal updateuser event: %w", err)
	}
	if err := s.transport.Broadcast(ctx, EventUpdateUser, raw); err != nil {
		// The authoritative write succeeded; a lost broadcast only delays
		// convergence until the next fetch or bulk sync.
		s.logger.Warn("broadcast updateuser", slog.String("user_id", u.ID.String()), slog.Any("error", err))
	}
	return u, nil
}

// DeleteUser removes the user at the authority, then locally, then tells the
// peers, then emits the compliance purge notification.
func (s *Service) DeleteUser(ctx context.Context, id uuid.UUID) error {
	reply, err := s.request(ctx, opDeleteUser, id)
	if err != nil {
		return err
	}
	if emptyReply(reply) {
		return shared.ErrNotFound
	}
	s.cache.Delete(id)

	raw, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("directory: marshal deleteuser event: %w", err)
	}
	if err := s.transport.Broadcast(ctx, EventDeleteUser, raw); err != nil {
		s.logger.Warn("broadcast deleteuser", slog.String("user_id", id.String()), slog.Any("error", err))
	}
	if s.purger != nil {
		if err := s.purger.EnqueuePurge(ctx, id); err != nil {
			s.logger.Warn("enqueue compliance purge", slog.String("user_id", id.String()), slog.Any("error", err))
		}
	}
	return nil
}

// Users returns the full user set. It guarantees one completed bulk sync
// first, triggering it when none is running or complete.
func (s *Service) Users(ctx context.Context) ([]User, error) {
	if err := s.ensureSynced(ctx); err != nil {
		return nil, err
	}
	return s.snapshot(nil), nil
}

// UsersWithRole returns users whose whole role bitmask equals one of the
// given values. It forces the same bulk sync as Users even though only a
// subset is requested; a known inefficiency, kept until the authority grows
// a selective query.
func (s *Service) UsersWithRole(ctx context.Context, roles ...Role) ([]User, error) {
	if err := s.ensureSynced(ctx); err != nil {
		return nil, err
	}
	return s.snapshot(func(u *User) bool {
		for _, r := range roles {
			if u.Roles == r {
				return true
			}
		}
		return false
	}), nil
}

// ApplyEvent applies a remote-originated fanout event to the cache. Updates
// upsert, deletes are idempotent. Unknown events are logged and dropped.
func (s *Service) ApplyEvent(event string, body []byte) {
	switch event {
	case EventUpdateUser:
		var u User
		if err := json.Unmarshal(body, &u); err != nil || u.ID == uuid.Nil {
			s.logger.Warn("drop malformed updateuser event", slog.Any("error", err))
			return
		}
		s.cache.Store(u.ID, u)
	case EventDeleteUser:
		var id uuid.UUID
		if err := json.Unmarshal(body, &id); err != nil {
			s.logger.Warn("drop malformed deleteuser event", slog.Any("error", err))
			return
		}
		s.cache.Delete(id)
	default:
		s.logger.Warn("unhandled fanout event", slog.String("event", event))
	}
}

// ensureSynced runs the single-flight bulk fetch. Concurrent callers share
// one getallusers RPC; a failed flight clears itself so a later call retries.
func (s *Service) ensureSynced(ctx context.Context) error {
	if s.isSynced() {
		return nil
	}
	_, err, _ := s.syncGroup.Do(opGetAllUsers, func() (interface{}, error) {
		if s.isSynced() {
			return nil, nil
		}
		reply, err := s.request(ctx, opGetAllUsers, nil)
		if err != nil {
			return nil, err
		}
		var users []User
		if err := json.Unmarshal(reply, &users); err != nil {
			return nil, fmt.Errorf("directory: decode getallusers reply: %w", shared.ErrBadReply)
		}
		// Insert-if-absent: entries already cached may be newer than the
		// snapshot and must not be clobbered.
		for i := range users {
			s.cache.LoadOrStore(users[i].ID, users[i])
		}
		// Let fanout deliveries racing the snapshot land before trusting it.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.settle):
		}
		s.syncMu.Lock()
		s.synced = true
		s.syncMu.Unlock()
		return nil, nil
	})
	return err
}

func (s *Service) isSynced() bool {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.synced
}

func (s *Service) request(ctx context.Context, op string, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("directory: marshal %s payload: %w", op, err)
		}
	}
	return s.transport.Request(ctx, op, body)
}

func (s *Service) lookup(id uuid.UUID) (*User, bool) {
	v, ok := s.cache.Load(id)
	if !ok {
		return nil, false
	}
	u := v.(User)
	return &u, true
}

func (s *Service) lookupByEmail(normalized string) (*User, bool) {
	var found *User
	s.cache.Range(func(_, v interface{}) bool {
		u := v.(User)
		if NormalizeEmail(u.Email) == normalized {
			found = &u
			return false
		}
		return true
	})
	return found, found != nil
}

func (s *Service) snapshot(keep func(*User) bool) []User {
	var users []User
	s.cache.Range(func(_, v interface{}) bool {
		u := v.(User)
		if keep == nil || keep(&u) {
			users = append(users, u)
		}
		return true
	})
	sort.Slice(users, func(i, j int) bool {
		return bytes.Compare(users[i].ID[:], users[j].ID[:]) < 0
	})
	return users
}

func decodeUser(op string, reply []byte) (*User, error) {
	var u User
	if err := json.Unmarshal(reply, &u); err != nil {
		return nil, fmt.Errorf("directory: decode %s reply: %w", op, shared.ErrBadReply)
	}
	return &u, nil
}

func emptyReply(reply []byte) bool {
	trimmed := bytes.TrimSpace(reply)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
