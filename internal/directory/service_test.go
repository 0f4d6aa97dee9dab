package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/authd/internal/shared"
)

// fakeTransport loops broadcasts back to every subscribed handler
// synchronously, standing in for the bus's self-delivering fanout.
type fakeTransport struct {
	mu          sync.Mutex
	calls       map[string]int
	reply       func(op string, payload []byte) ([]byte, error)
	subscribers []func(event string, body []byte)
	trace       []string
}

func newFakeTransport(reply func(op string, payload []byte) ([]byte, error)) *fakeTransport {
	return &fakeTransport{calls: make(map[string]int), reply: reply}
}

func (f *fakeTransport) Request(ctx context.Context, op string, payload []byte) ([]byte, error) {
	f.mu.Lock()
	f.calls[op]++
	reply := f.reply
	f.mu.Unlock()
	return reply(op, payload)
}

func (f *fakeTransport) Broadcast(ctx context.Context, event string, payload []byte) error {
	f.mu.Lock()
	f.trace = append(f.trace, "broadcast:"+event)
	subs := append([]func(string, []byte){}, f.subscribers...)
	f.mu.Unlock()
	for _, h := range subs {
		h(event, payload)
	}
	return nil
}

func (f *fakeTransport) subscribe(h func(event string, body []byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribers = append(f.subscribers, h)
}

func (f *fakeTransport) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeTransport) mark(entry string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trace = append(f.trace, entry)
}

func (f *fakeTransport) traceCopy() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.trace...)
}

type tracePurger struct {
	transport *fakeTransport
	count     int
}

func (p *tracePurger) EnqueuePurge(ctx context.Context, id uuid.UUID) error {
	p.transport.mark("purge")
	p.count++
	return nil
}

func testUser(email string) User {
	return User{
		ID:           uuid.New(),
		Username:     "tester",
		Email:        email,
		PasswordHash: "$2a$10$fakehashfakehashfakehash",
		PhoneNumber:  "+15550100",
		Roles:        RoleUser,
		Acknowledged: true,
	}
}

func replyWith(u User) func(op string, payload []byte) ([]byte, error) {
	return func(op string, payload []byte) ([]byte, error) {
		raw, _ := json.Marshal(u)
		return raw, nil
	}
}

func TestGetByIDCachesRemoteRecord(t *testing.T) {
	u := testUser("cache@test.local")
	transport := newFakeTransport(replyWith(u))
	svc := NewService(transport, nil, nil, time.Millisecond)

	got, err := svc.GetByID(context.Background(), u.ID)
	require.NoError(t, err)
	require.Equal(t, u.Email, got.Email)
	require.Equal(t, 1, transport.count("getbyid"))

	// Cache hit: no further RPC.
	_, err = svc.GetByID(context.Background(), u.ID)
	require.NoError(t, err)
	require.Equal(t, 1, transport.count("getbyid"))
}

func TestGetByIDNotFoundDoesNotTouchCache(t *testing.T) {
	transport := newFakeTransport(func(op string, payload []byte) ([]byte, error) {
		return nil, nil
	})
	svc := NewService(transport, nil, nil, time.Millisecond)

	id := uuid.New()
	_, err := svc.GetByID(context.Background(), id)
	require.ErrorIs(t, err, shared.ErrNotFound)

	// Nothing cached, so the next call asks the authority again.
	_, err = svc.GetByID(context.Background(), id)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Equal(t, 2, transport.count("getbyid"))
}

func TestGetByEmailTimeoutIsNotNotFound(t *testing.T) {
	transport := newFakeTransport(func(op string, payload []byte) ([]byte, error) {
		return nil, fmt.Errorf("bus: %s: %w", op, shared.ErrRemoteTimeout)
	})
	svc := NewService(transport, nil, nil, time.Millisecond)

	_, err := svc.GetByEmail(context.Background(), "gone@test.local")
	require.ErrorIs(t, err, shared.ErrRemoteTimeout)
	require.NotErrorIs(t, err, shared.ErrNotFound)
}

func TestGetByEmailMalformedReply(t *testing.T) {
	transport := newFakeTransport(func(op string, payload []byte) ([]byte, error) {
		return []byte("{not json"), nil
	})
	svc := NewService(transport, nil, nil, time.Millisecond)

	_, err := svc.GetByEmail(context.Background(), "who@test.local")
	require.ErrorIs(t, err, shared.ErrBadReply)
	require.NotErrorIs(t, err, shared.ErrNotFound)
}

func TestAddUserCachePreCheckShortCircuits(t *testing.T) {
	existing := testUser("taken@test.local")
	transport := newFakeTransport(replyWith(existing))
	svc := NewService(transport, nil, nil, time.Millisecond)

	// Warm the cache with the existing user.
	_, err := svc.GetByID(context.Background(), existing.ID)
	require.NoError(t, err)

	candidate := testUser("Taken@Test.local")
	_, err = svc.AddUser(context.Background(), &candidate)
	require.ErrorIs(t, err, shared.ErrEmailTaken)
	require.Equal(t, 0, transport.count("adduser"))
}

func TestAddUserAuthorityConflict(t *testing.T) {
	transport := newFakeTransport(func(op string, payload []byte) ([]byte, error) {
		return []byte("null"), nil
	})
	svc := NewService(transport, nil, nil, time.Millisecond)

	candidate := testUser("conflict@test.local")
	_, err := svc.AddUser(context.Background(), &candidate)
	require.ErrorIs(t, err, shared.ErrEmailTaken)
	require.Equal(t, 1, transport.count("adduser"))
}

func TestUpdateUserConvergesCachesViaFanout(t *testing.T) {
	u := testUser("converge@test.local")
	canonical := u
	canonical.Username = "renamed"

	transport := newFakeTransport(func(op string, payload []byte) ([]byte, error) {
		raw, _ := json.Marshal(canonical)
		return raw, nil
	})
	local := NewService(transport, nil, nil, time.Millisecond)
	peer := NewService(transport, nil, nil, time.Millisecond)
	transport.subscribe(local.ApplyEvent)
	transport.subscribe(peer.ApplyEvent)

	got, err := local.UpdateUser(context.Background(), &u)
	require.NoError(t, err)
	require.Equal(t, "renamed", got.Username)

	// Both caches hold the canonical record; lookups must not RPC.
	for _, svc := range []*Service{local, peer} {
		cached, err := svc.GetByID(context.Background(), u.ID)
		require.NoError(t, err)
		require.Equal(t, "renamed", cached.Username)
	}
	require.Equal(t, 0, transport.count("getbyid"))
}

func TestUpdateUserMissingCanonicalIsContractViolation(t *testing.T) {
	transport := newFakeTransport(func(op string, payload []byte) ([]byte, error) {
		return nil, nil
	})
	svc := NewService(transport, nil, nil, time.Millisecond)

	u := testUser("broken@test.local")
	_, err := svc.UpdateUser(context.Background(), &u)
	require.ErrorIs(t, err, shared.ErrContractViolation)
}

func TestDeleteUserRemovesBroadcastsAndPurges(t *testing.T) {
	u := testUser("bye@test.local")
	transport := newFakeTransport(replyWith(u))
	purger := &tracePurger{transport: transport}
	svc := NewService(transport, purger, nil, time.Millisecond)
	transport.subscribe(svc.ApplyEvent)

	_, err := svc.GetByID(context.Background(), u.ID)
	require.NoError(t, err)

	transport.reply = func(op string, payload []byte) ([]byte, error) {
		return []byte("true"), nil
	}
	require.NoError(t, svc.DeleteUser(context.Background(), u.ID))
	require.Equal(t, 1, purger.count)

	trace := transport.traceCopy()
	require.Equal(t, []string{"broadcast:deleteuser", "purge"}, trace)

	// Cache entry is gone: the next lookup goes remote.
	transport.reply = func(op string, payload []byte) ([]byte, error) {
		return nil, nil
	}
	_, err = svc.GetByID(context.Background(), u.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDeleteUserUnknownID(t *testing.T) {
	transport := newFakeTransport(func(op string, payload []byte) ([]byte, error) {
		return nil, nil
	})
	svc := NewService(transport, nil, nil, time.Millisecond)

	err := svc.DeleteUser(context.Background(), uuid.New())
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestApplyDeleteEventIsIdempotent(t *testing.T) {
	u := testUser("twice@test.local")
	transport := newFakeTransport(replyWith(u))
	svc := NewService(transport, nil, nil, time.Millisecond)

	_, err := svc.GetByID(context.Background(), u.ID)
	require.NoError(t, err)

	raw, _ := json.Marshal(u.ID)
	svc.ApplyEvent(EventDeleteUser, raw)
	svc.ApplyEvent(EventDeleteUser, raw)

	if _, ok := svc.lookup(u.ID); ok {
		t.Fatalf("expected %s to be evicted", u.ID)
	}
}

func TestBulkSyncIsSingleFlight(t *testing.T) {
	users := []User{testUser("a@test.local"), testUser("b@test.local")}
	transport := newFakeTransport(func(op string, payload []byte) ([]byte, error) {
		time.Sleep(20 * time.Millisecond)
		raw, _ := json.Marshal(users)
		return raw, nil
	})
	svc := NewService(transport, nil, nil, time.Millisecond)

	const callers = 8
	var wg sync.WaitGroup
	results := make([][]User, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.Users(context.Background())
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, transport.count("getallusers"))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Len(t, results[i], 2)
	}

	// Sync is complete: later calls stay local.
	_, err := svc.Users(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, transport.count("getallusers"))
}

func TestBulkSyncFailureAllowsRetry(t *testing.T) {
	var fail = true
	users := []User{testUser("retry@test.local")}
	transport := newFakeTransport(func(op string, payload []byte) ([]byte, error) {
		if fail {
			return nil, fmt.Errorf("bus: %s: %w", op, shared.ErrRemoteTimeout)
		}
		raw, _ := json.Marshal(users)
		return raw, nil
	})
	svc := NewService(transport, nil, nil, time.Millisecond)

	_, err := svc.Users(context.Background())
	require.ErrorIs(t, err, shared.ErrRemoteTimeout)

	fail = false
	got, err := svc.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 2, transport.count("getallusers"))
}

func TestBulkSyncDoesNotClobberCachedRecords(t *testing.T) {
	u := testUser("fresh@test.local")
	stale := u
	stale.Username = "stale"

	transport := newFakeTransport(func(op string, payload []byte) ([]byte, error) {
		raw, _ := json.Marshal([]User{stale})
		return raw, nil
	})
	svc := NewService(transport, nil, nil, time.Millisecond)

	// A fanout update landed before the snapshot.
	raw, _ := json.Marshal(u)
	svc.ApplyEvent(EventUpdateUser, raw)

	got, err := svc.Users(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "tester", got[0].Username)
}

func TestUsersWithRoleMatchesWholeBitmask(t *testing.T) {
	plain := testUser("plain@test.local")
	admin := testUser("admin@test.local")
	admin.Roles = RoleAdmin
	both := testUser("both@test.local")
	both.Roles = RoleUser | RoleAdmin

	transport := newFakeTransport(func(op string, payload []byte) ([]byte, error) {
		raw, _ := json.Marshal([]User{plain, admin, both})
		return raw, nil
	})
	svc := NewService(transport, nil, nil, time.Millisecond)

	admins, err := svc.UsersWithRole(context.Background(), RoleAdmin)
	require.NoError(t, err)
	require.Len(t, admins, 1)
	require.Equal(t, admin.ID, admins[0].ID)

	mixed, err := svc.UsersWithRole(context.Background(), RoleAdmin, RoleUser|RoleAdmin)
	require.NoError(t, err)
	require.Len(t, mixed, 2)
	require.Equal(t, 1, transport.count("getallusers"))
}

func TestApplyEventDropsMalformedPayloads(t *testing.T) {
	transport := newFakeTransport(func(op string, payload []byte) ([]byte, error) {
		return nil, errors.New("unused")
	})
	svc := NewService(transport, nil, nil, time.Millisecond)

	svc.ApplyEvent(EventUpdateUser, []byte("{bad"))
	svc.ApplyEvent(EventDeleteUser, []byte("not-a-uuid"))
	svc.ApplyEvent("mystery", nil)
}
