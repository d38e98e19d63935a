package bridge

import (
	"context"
	"errors"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/al-bashkir/tgbridge/internal/protocol"
	"github.com/al-bashkir/tgbridge/internal/session"
	"github.com/al-bashkir/tgbridge/internal/sessionstore"
	"github.com/al-bashkir/tgbridge/internal/usermeta"
)

const phone = "+15551234567"

type harness struct {
	net      *fakeNetwork
	pool     *session.Pool
	store    *sessionstore.FileStore
	storeDir string
	meta     *usermeta.MemoryStore
	obs      *recordingObserver
	svc      *Service
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		net:      newFakeNetwork(),
		pool:     session.NewPool(session.Options{DisconnectTimeout: time.Second}),
		storeDir: t.TempDir(),
		meta:     usermeta.NewMemoryStore(),
		obs:      &recordingObserver{},
	}
	h.store = sessionstore.NewFileStore(h.storeDir)
	h.svc = New(h.net, h.pool, h.store, h.meta, Options{
		OperationTimeout: time.Second,
		Observer:         h.obs,
	})
	t.Cleanup(func() { h.pool.Close(context.Background()) })
	return h
}

// connect drives userID through a full handshake without two-factor auth.
func (h *harness) connect(t *testing.T, userID string) {
	t.Helper()
	ctx := context.Background()

	res, err := h.svc.StartHandshake(ctx, userID, phone)
	require.NoError(t, err)
	require.True(t, res.CodeSent)

	state, err := h.svc.SubmitCode(ctx, userID, validCode)
	require.NoError(t, err)
	require.Equal(t, session.StateConnected, state)
}

func (h *harness) persistedCount(t *testing.T) int {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(h.storeDir, "*.session"))
	require.NoError(t, err)
	return len(matches)
}

// assertInvariant checks that every open connection is owned by a record.
func (h *harness) assertInvariant(t *testing.T) {
	t.Helper()
	assert.Equal(t, h.pool.Count(), h.net.open(), "pool size must equal open connections")
}

type recordingObserver struct {
	mu       sync.Mutex
	steps    []string
	restores []string
}

func (o *recordingObserver) HandshakeStep(step, outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.steps = append(o.steps, step+":"+outcome)
}

func (o *recordingObserver) Restore(outcome string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.restores = append(o.restores, outcome)
}

func TestHandshakeWrongThenRightCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.svc.StartHandshake(ctx, "u1", phone)
	require.NoError(t, err)
	assert.True(t, res.CodeSent)

	state, err := h.svc.SubmitCode(ctx, "u1", "000000")
	require.ErrorIs(t, err, ErrInvalidCode)
	assert.Equal(t, session.StateCodeSent, state)

	info, ok := h.pool.Info("u1")
	require.True(t, ok)
	assert.Equal(t, session.StateCodeSent, info.State)

	state, err = h.svc.SubmitCode(ctx, "u1", validCode)
	require.NoError(t, err)
	assert.Equal(t, session.StateConnected, state)

	persisted, err := h.store.Read(ctx, "u1")
	require.NoError(t, err)
	assert.NotEmpty(t, persisted)
	h.assertInvariant(t)

	md, err := h.meta.Load(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, md.Verified)
	assert.Equal(t, phone, md.PhoneNumber)
	assert.False(t, md.ConnectedAt.IsZero())

	assert.Equal(t, []string{"start:code_sent", "code:invalid", "code:connected"}, h.obs.steps)
}

func TestSubmitCodeTwiceAfterSuccess(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "u1")

	_, err := h.svc.SubmitCode(ctx, "u1", validCode)
	require.ErrorIs(t, err, ErrNoPendingHandshake)
	assert.Equal(t, 1, h.persistedCount(t))
	h.assertInvariant(t)
}

func TestSubmitCodeConcurrentSameUser(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StartHandshake(ctx, "u1", phone)
	require.NoError(t, err)

	const callers = 8
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := range callers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.SubmitCode(ctx, "u1", validCode)
		}(i)
	}
	wg.Wait()

	var ok, pending int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrNoPendingHandshake):
			pending++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, callers-1, pending)
	h.assertInvariant(t)
}

func TestSubmitCodeWithoutHandshake(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.SubmitCode(context.Background(), "nobody", validCode)
	require.ErrorIs(t, err, ErrNoPendingHandshake)
}

func TestSubmitEmptyCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StartHandshake(ctx, "u1", phone)
	require.NoError(t, err)

	state, err := h.svc.SubmitCode(ctx, "u1", "  ")
	require.ErrorIs(t, err, ErrInvalidCode)
	assert.Equal(t, session.StateCodeSent, state)
}

func TestTwoFactorBranch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.net.set(func(n *fakeNetwork) { n.passwords[phone] = "hunter2" })

	_, err := h.svc.StartHandshake(ctx, "u1", phone)
	require.NoError(t, err)

	state, err := h.svc.SubmitCode(ctx, "u1", validCode)
	require.NoError(t, err)
	assert.Equal(t, session.StatePasswordRequired, state)

	rec, ok := h.pool.Get("u1")
	require.True(t, ok)
	assert.Empty(t, rec.PendingCodeHash)
	assert.True(t, rec.TwoFactorPending)

	md, err := h.meta.Load(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, md.TwoFactorEnabled)

	// the code step is over
	_, err = h.svc.SubmitCode(ctx, "u1", validCode)
	require.ErrorIs(t, err, ErrNoPendingHandshake)

	state, err = h.svc.SubmitPassword(ctx, "u1", "wrong")
	require.ErrorIs(t, err, ErrInvalidPassword)
	assert.Equal(t, session.StatePasswordRequired, state)
	assert.True(t, rec.TwoFactorPending)
	assert.Equal(t, 0, h.persistedCount(t))

	state, err = h.svc.SubmitPassword(ctx, "u1", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, session.StateConnected, state)
	assert.False(t, rec.TwoFactorPending)
	assert.Equal(t, 1, h.persistedCount(t))
	h.assertInvariant(t)

	_, err = h.svc.SubmitPassword(ctx, "u1", "hunter2")
	require.ErrorIs(t, err, ErrNo2FAPending)
}

func TestSubmitPasswordOutOfSequence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.SubmitPassword(ctx, "u1", "pw")
	require.ErrorIs(t, err, ErrNo2FAPending)

	_, err = h.svc.StartHandshake(ctx, "u1", phone)
	require.NoError(t, err)
	_, err = h.svc.SubmitPassword(ctx, "u1", "pw")
	require.ErrorIs(t, err, ErrNo2FAPending)
}

func TestStartHandshakeRequiresPhone(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.StartHandshake(context.Background(), "u1", "   ")
	require.ErrorIs(t, err, ErrPhoneRequired)
	assert.Equal(t, 0, h.pool.Count())
}

func TestStartHandshakeReplacesExistingRecord(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StartHandshake(ctx, "u1", phone)
	require.NoError(t, err)
	_, err = h.svc.StartHandshake(ctx, "u1", "+15557654321")
	require.NoError(t, err)

	assert.Equal(t, 1, h.pool.Count())
	h.assertInvariant(t)

	info, ok := h.pool.Info("u1")
	require.True(t, ok)
	assert.Equal(t, "+15557654321", info.PhoneNumber)
}

func TestStartHandshakeFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(n *fakeNetwork)
	}{
		{"connect error", func(n *fakeNetwork) { n.connectErr = errors.New("dial tcp: refused") }},
		{"send code error", func(n *fakeNetwork) { n.sendCodeErr = errors.New("PHONE_NUMBER_INVALID") }},
		{"connect timeout", func(n *fakeNetwork) { n.blockConnect = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.svc.opTimeout = 50 * time.Millisecond
			h.net.set(tt.setup)

			_, err := h.svc.StartHandshake(context.Background(), "u1", phone)
			require.ErrorIs(t, err, ErrHandshakeFailed)
			assert.Equal(t, 0, h.pool.Count())
			h.assertInvariant(t)
		})
	}
}

func TestConnectionLostDuringSubmitCode(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StartHandshake(ctx, "u1", phone)
	require.NoError(t, err)

	h.net.set(func(n *fakeNetwork) { n.signInErr = protocol.ErrConnectionClosed })
	_, err = h.svc.SubmitCode(ctx, "u1", validCode)
	require.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, 0, h.pool.Count())
	h.assertInvariant(t)

	_, err = h.svc.SubmitCode(ctx, "u1", validCode)
	require.ErrorIs(t, err, ErrNoPendingHandshake)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "u1")

	require.NoError(t, h.svc.Disconnect(ctx, "u1"))
	require.NoError(t, h.svc.Disconnect(ctx, "u1"))

	assert.Equal(t, 0, h.pool.Count())
	assert.Equal(t, 0, h.persistedCount(t))
	h.assertInvariant(t)

	_, err := h.meta.Load(ctx, "u1")
	require.ErrorIs(t, err, usermeta.ErrNotFound)

	_, err = h.svc.ListConversations(ctx, "u1")
	require.ErrorIs(t, err, ErrNotConnected)
	_, err = h.svc.GetConversation(ctx, "u1", 42)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRestoreRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.net.set(func(n *fakeNetwork) {
		n.dialogs = []protocol.Entity{{ID: 42, Kind: protocol.KindUser, Title: "Alice"}}
	})
	h.connect(t, "u1")

	// what the reaper does
	require.True(t, h.pool.Remove(ctx, "u1"))
	h.assertInvariant(t)

	convs, err := h.svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Alice", convs[0].Title)

	assert.Equal(t, 1, h.pool.Count())
	info, ok := h.pool.Info("u1")
	require.True(t, ok)
	assert.Equal(t, session.StateConnected, info.State)
	h.assertInvariant(t)
	assert.Equal(t, []string{"restored"}, h.obs.restores)
}

// pooledClient returns the fake client currently owned by userID's record.
func (h *harness) pooledClient(t *testing.T, userID string) *fakeClient {
	t.Helper()
	rec, ok := h.pool.Get(userID)
	require.True(t, ok)
	c, ok := rec.Client.(*fakeClient)
	require.True(t, ok)
	return c
}

func TestDeadConnectionIsRestoredWithinTheCall(t *testing.T) {
	tests := []struct {
		name   string
		kill   bool   // connection already dead before the call
		dropOn string // connection dies during this read
		read   func(ctx context.Context, svc *Service) error
	}{
		{
			name: "dead before listing",
			kill: true,
			read: func(ctx context.Context, svc *Service) error {
				convs, err := svc.ListConversations(ctx, "u1")
				if err == nil && len(convs) != 2 {
					return errors.New("unexpected listing")
				}
				return err
			},
		},
		{
			name:   "dies while listing dialogs",
			dropOn: "list",
			read: func(ctx context.Context, svc *Service) error {
				_, err := svc.ListConversations(ctx, "u1")
				return err
			},
		},
		{
			name:   "dies while fetching group participants of a listing",
			dropOn: "participants",
			read: func(ctx context.Context, svc *Service) error {
				convs, err := svc.ListConversations(ctx, "u1")
				if err == nil && len(convs[1].Participants) != 2 {
					return errors.New("participants missing after restore")
				}
				return err
			},
		},
		{
			name:   "dies while resolving a conversation",
			dropOn: "entity",
			read: func(ctx context.Context, svc *Service) error {
				_, err := svc.GetConversation(ctx, "u1", -10)
				return err
			},
		},
		{
			name:   "dies while listing participants",
			dropOn: "participants",
			read: func(ctx context.Context, svc *Service) error {
				ps, err := svc.ListParticipants(ctx, "u1", -10, 0)
				if err == nil && len(ps) != 2 {
					return errors.New("unexpected participants")
				}
				return err
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			h.net.set(func(n *fakeNetwork) {
				n.dialogs = []protocol.Entity{
					{ID: 42, Kind: protocol.KindUser, Title: "Alice"},
					{ID: -10, Kind: protocol.KindGroup, Title: "Team"},
				}
				n.participants[-10] = []protocol.Participant{{ID: 1}, {ID: 2}}
			})
			h.connect(t, "u1")

			old := h.pooledClient(t, "u1")
			if tt.kill {
				old.drop()
			}
			h.net.set(func(n *fakeNetwork) { n.dropOn = tt.dropOn })

			require.NoError(t, tt.read(ctx, h.svc))

			assert.Equal(t, 1, h.pool.Count())
			assert.NotSame(t, old, h.pooledClient(t, "u1"), "dead client must be replaced")
			assert.False(t, old.Alive())
			assert.Equal(t, 1, h.persistedCount(t))
			assert.Equal(t, []string{"restored"}, h.obs.restores)
			h.assertInvariant(t)
		})
	}
}

func TestDeadConnectionWithExpiredSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "u1")

	h.pooledClient(t, "u1").drop()
	h.net.set(func(n *fakeNetwork) { clear(n.valid) })

	_, err := h.svc.ListConversations(ctx, "u1")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, h.pool.Count())
	assert.Equal(t, 0, h.persistedCount(t))
	h.assertInvariant(t)
}

func TestRestoreExpiredSessionIsDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "u1")
	h.pool.Remove(ctx, "u1")

	h.net.set(func(n *fakeNetwork) { clear(n.valid) })

	_, err := h.svc.ListConversations(ctx, "u1")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, h.persistedCount(t))
	assert.Equal(t, 0, h.pool.Count())
	h.assertInvariant(t)

	_, err = h.meta.Load(ctx, "u1")
	require.ErrorIs(t, err, usermeta.ErrNotFound)
}

func TestRestoreConnectFailureKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "u1")
	h.pool.Remove(ctx, "u1")

	h.net.set(func(n *fakeNetwork) { n.connectErr = errors.New("network unreachable") })

	_, err := h.svc.ListConversations(ctx, "u1")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 1, h.persistedCount(t))
	h.assertInvariant(t)

	h.net.set(func(n *fakeNetwork) { n.connectErr = nil })
	_, err = h.svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
}

func TestReadDuringHandshakeIsNotConnected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.StartHandshake(ctx, "u1", phone)
	require.NoError(t, err)

	_, err = h.svc.ListConversations(ctx, "u1")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 1, h.pool.Count())
}

func TestReaperZeroThresholdLeavesPersistedSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "u1")
	h.connect(t, "u2")
	_, err := h.svc.StartHandshake(ctx, "u3", phone)
	require.NoError(t, err)

	before, err := h.store.Read(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, 3, h.pool.Reap(ctx, 0))
	assert.Equal(t, 0, h.pool.Count())
	assert.Equal(t, 0, h.net.open())

	after, err := h.store.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, 2, h.persistedCount(t))
}

func TestListConversations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	last := &protocol.Message{ID: 7, Text: "hi", Date: time.Unix(1700000000, 0)}
	h.net.set(func(n *fakeNetwork) {
		n.dialogs = []protocol.Entity{
			{ID: 1, Kind: protocol.KindUser, Title: "Alice", UnreadCount: 2, LastMessage: last},
			{ID: -10, Kind: protocol.KindGroup, Title: "Team"},
			{ID: -11, Kind: protocol.KindGroup, Title: "Broken"},
			{ID: -1000000000012, Kind: protocol.KindChannel, Title: "News"},
		}
		n.participants[-10] = []protocol.Participant{{ID: 1, FirstName: "Alice"}, {ID: 2, FirstName: "Bob"}}
		n.participantsErr[-11] = errors.New("CHAT_ADMIN_REQUIRED")
	})
	h.connect(t, "u1")

	convs, err := h.svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, convs, 4)

	assert.Equal(t, protocol.KindUser, convs[0].Type)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.Equal(t, last, convs[0].LastMessage)
	assert.Nil(t, convs[0].Participants)

	assert.Len(t, convs[1].Participants, 2)
	assert.Nil(t, convs[2].Participants, "failed participant fetch is omitted")
	assert.Equal(t, protocol.KindChannel, convs[3].Type)
	assert.Nil(t, convs[3].Participants)
}

func TestListConversationsRequestFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.connect(t, "u1")

	h.net.set(func(n *fakeNetwork) { n.listErr = errors.New("FLOOD_WAIT_30") })
	_, err := h.svc.ListConversations(ctx, "u1")
	require.ErrorIs(t, err, ErrRequestFailed)
	assert.Equal(t, 1, h.pool.Count())

	h.net.set(func(n *fakeNetwork) { n.listErr = protocol.ErrConnectionClosed })
	_, err = h.svc.ListConversations(ctx, "u1")
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, 0, h.pool.Count())
	h.assertInvariant(t)

	h.net.set(func(n *fakeNetwork) { n.listErr = nil })
	_, err = h.svc.ListConversations(ctx, "u1")
	require.NoError(t, err)
}

func TestGetConversation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	created := time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC)
	h.net.set(func(n *fakeNetwork) {
		n.dialogs = []protocol.Entity{
			{ID: -10, Kind: protocol.KindGroup, Title: "Team", About: "team chat", CreatedAt: created, ParticipantCount: 2},
		}
		n.participants[-10] = []protocol.Participant{{ID: 1}, {ID: 2}}
	})
	h.connect(t, "u1")

	got, err := h.svc.GetConversation(ctx, "u1", -10)
	require.NoError(t, err)
	assert.Equal(t, "Team", got.Title)
	assert.Equal(t, "team chat", got.About)
	require.NotNil(t, got.CreatedAt)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.Len(t, got.Participants, 2)

	_, err = h.svc.GetConversation(ctx, "u1", 999)
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestListParticipants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.net.set(func(n *fakeNetwork) {
		n.dialogs = []protocol.Entity{
			{ID: 1, Kind: protocol.KindUser, Title: "Alice"},
			{ID: -10, Kind: protocol.KindGroup, Title: "Team"},
		}
		n.participants[-10] = []protocol.Participant{{ID: 1}, {ID: 2}, {ID: 3}}
	})
	h.connect(t, "u1")

	ps, err := h.svc.ListParticipants(ctx, "u1", -10, 2)
	require.NoError(t, err)
	assert.Len(t, ps, 2)

	ps, err = h.svc.ListParticipants(ctx, "u1", 1, 0)
	require.NoError(t, err)
	assert.NotNil(t, ps)
	assert.Empty(t, ps)

	_, err = h.svc.ListParticipants(ctx, "u1", 404, 0)
	require.ErrorIs(t, err, ErrConversationNotFound)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	st, err := h.svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusDisconnected, st.State)

	_, err = h.svc.StartHandshake(ctx, "u1", phone)
	require.NoError(t, err)
	st, err = h.svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, string(session.StateCodeSent), st.State)
	assert.False(t, st.Connected)
	assert.Equal(t, phone, st.PhoneNumber)

	_, err = h.svc.SubmitCode(ctx, "u1", validCode)
	require.NoError(t, err)
	st, err = h.svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, st.Connected)
	require.NotNil(t, st.Metadata)
	assert.True(t, st.Metadata.Verified)

	h.pool.Remove(ctx, "u1")
	st, err = h.svc.Status(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, StatusRestorable, st.State)
	assert.Equal(t, 0, h.pool.Count(), "status never restores")
}

func TestDisabledAdapter(t *testing.T) {
	pool := session.NewPool(session.Options{})
	svc := New(protocol.DisabledFactory{}, pool, sessionstore.NewFileStore(t.TempDir()), nil, Options{})
	ctx := context.Background()

	assert.False(t, svc.Available())

	_, err := svc.StartHandshake(ctx, "u1", phone)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
	_, err = svc.SubmitCode(ctx, "u1", validCode)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
	_, err = svc.SubmitPassword(ctx, "u1", "pw")
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
	assert.ErrorIs(t, svc.Disconnect(ctx, "u1"), ErrAdapterUnavailable)
	_, err = svc.ListConversations(ctx, "u1")
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
	_, err = svc.GetConversation(ctx, "u1", 1)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
	_, err = svc.ListParticipants(ctx, "u1", 1, 0)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
	_, err = svc.Status(ctx, "u1")
	assert.ErrorIs(t, err, ErrAdapterUnavailable)

	assert.Equal(t, 0, pool.Count())
}

func TestClassifyUnavailable(t *testing.T) {
	err := classify(ErrHandshakeFailed, protocol.ErrUnavailable)
	assert.ErrorIs(t, err, ErrAdapterUnavailable)
	assert.NotErrorIs(t, err, ErrHandshakeFailed)

	err = classify(ErrInvalidCode, errCodeInvalid)
	assert.ErrorIs(t, err, ErrInvalidCode)
	assert.NotErrorIs(t, err, errCodeInvalid, "adapter errors are detail only")
	assert.Contains(t, err.Error(), "PHONE_CODE_INVALID")
}

func TestRandomizedOperationsKeepPoolAndConnectionsInSync(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.net.set(func(n *fakeNetwork) {
		n.passwords["+15550000002"] = "pw"
		n.dialogs = []protocol.Entity{{ID: 1, Kind: protocol.KindUser, Title: "Alice"}}
	})

	users := []string{"u0", "u1", "u2"}
	phones := []string{"+15550000000", "+15550000001", "+15550000002"}
	rng := rand.New(rand.NewPCG(1, 2))

	for step := range 500 {
		i := rng.IntN(len(users))
		user := users[i]

		switch rng.IntN(9) {
		case 0:
			_, _ = h.svc.StartHandshake(ctx, user, phones[i])
		case 1:
			_, _ = h.svc.SubmitCode(ctx, user, validCode)
		case 2:
			_, _ = h.svc.SubmitCode(ctx, user, "000000")
		case 3:
			_, _ = h.svc.SubmitPassword(ctx, user, "pw")
		case 4:
			_ = h.svc.Disconnect(ctx, user)
		case 5:
			_, _ = h.svc.ListConversations(ctx, user)
		case 6:
			h.pool.Remove(ctx, user)
		case 7:
			h.pool.Reap(ctx, 0)
		case 8:
			h.net.set(func(n *fakeNetwork) { clear(n.valid) })
		}

		require.Equal(t, h.pool.Count(), h.net.open(), "step %d", step)
	}
}
