package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/al-bashkir/tgbridge/internal/protocol"
)

const (
	validCode = "123456"
	codeHash  = "hash-abc"
)

var errCodeInvalid = errors.New("PHONE_CODE_INVALID")

// fakeNetwork is a scripted messaging network. It counts successful connects
// and the disconnects of connected clients so tests can check that every
// open connection belongs to exactly one pool record.
type fakeNetwork struct {
	mu sync.Mutex

	unavailable  bool
	connectErr   error
	blockConnect bool
	sendCodeErr  error
	signInErr    error
	listErr      error

	// passwords maps phone numbers with two-factor auth to their password
	passwords map[string]string
	// valid holds serialized sessions the network still accepts
	valid map[string]bool

	dialogs         []protocol.Entity
	participants    map[int64][]protocol.Participant
	participantsErr map[int64]error

	// dropOn names the next read ("list", "entity" or "participants") during
	// which the serving connection dies. It fires once.
	dropOn string

	connects    int
	disconnects int
	serialized  int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		passwords:       make(map[string]string),
		valid:           make(map[string]bool),
		participants:    make(map[int64][]protocol.Participant),
		participantsErr: make(map[int64]error),
	}
}

func (n *fakeNetwork) NewClient(serialized string) (protocol.Client, error) {
	return &fakeClient{net: n, session: serialized}, nil
}

func (n *fakeNetwork) Available() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.unavailable
}

// open is the number of connections currently open.
func (n *fakeNetwork) open() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.connects - n.disconnects
}

func (n *fakeNetwork) set(fn func(n *fakeNetwork)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	fn(n)
}

type fakeClient struct {
	net *fakeNetwork

	// guarded by net.mu
	connected  bool
	session    string
	authorized bool
	phone      string
}

func (c *fakeClient) Connect(ctx context.Context) error {
	c.net.mu.Lock()
	block, err := c.net.blockConnect, c.net.connectErr
	c.net.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if !c.connected {
		c.connected = true
		c.net.connects++
	}
	return nil
}

func (c *fakeClient) Disconnect(context.Context) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.connected {
		c.connected = false
		c.net.disconnects++
	}
	return nil
}

func (c *fakeClient) Alive() bool {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.connected
}

// drop kills the connection from the network side, as a dead run loop would.
func (c *fakeClient) drop() {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	c.dropLocked()
}

func (c *fakeClient) dropLocked() {
	if c.connected {
		c.connected = false
		c.net.disconnects++
	}
}

// readable reports ErrConnectionClosed for a dead connection or a scripted
// drop during read. The caller holds net.mu.
func (c *fakeClient) readable(read string) error {
	if c.net.dropOn == read {
		c.net.dropOn = ""
		c.dropLocked()
	}
	if !c.connected {
		return protocol.ErrConnectionClosed
	}
	return nil
}

func (c *fakeClient) SendCode(_ context.Context, phone string) (string, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.net.sendCodeErr != nil {
		return "", c.net.sendCodeErr
	}
	c.phone = phone
	return codeHash, nil
}

func (c *fakeClient) SignIn(_ context.Context, phone, code, hash string) (protocol.SignInOutcome, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.net.signInErr != nil {
		return protocol.SignInFailed, c.net.signInErr
	}
	if hash != codeHash || code != validCode {
		return protocol.SignInFailed, errCodeInvalid
	}
	if _, ok := c.net.passwords[phone]; ok {
		return protocol.SignInPasswordNeeded, nil
	}
	c.authorized = true
	return protocol.SignInSuccess, nil
}

func (c *fakeClient) CheckPassword(_ context.Context, password string) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.net.passwords[c.phone] != password {
		return errors.New("PASSWORD_HASH_INVALID")
	}
	c.authorized = true
	return nil
}

func (c *fakeClient) IsAuthorized(context.Context) (bool, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	return c.authorized || c.net.valid[c.session], nil
}

func (c *fakeClient) ListDialogs(_ context.Context, limit int) ([]protocol.Entity, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if err := c.readable("list"); err != nil {
		return nil, err
	}
	if c.net.listErr != nil {
		return nil, c.net.listErr
	}
	out := c.net.dialogs
	if len(out) > limit {
		out = out[:limit]
	}
	return append([]protocol.Entity(nil), out...), nil
}

func (c *fakeClient) GetEntity(_ context.Context, id int64) (protocol.Entity, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if err := c.readable("entity"); err != nil {
		return protocol.Entity{}, err
	}
	for _, e := range c.net.dialogs {
		if e.ID == id {
			return e, nil
		}
	}
	return protocol.Entity{}, protocol.ErrEntityNotFound
}

func (c *fakeClient) GetParticipants(_ context.Context, e protocol.Entity, limit int) ([]protocol.Participant, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if err := c.readable("participants"); err != nil {
		return nil, err
	}
	if err := c.net.participantsErr[e.ID]; err != nil {
		return nil, err
	}
	ps := c.net.participants[e.ID]
	if len(ps) > limit {
		ps = ps[:limit]
	}
	return ps, nil
}

func (c *fakeClient) SerializeSession(context.Context) (string, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if c.session != "" && c.net.valid[c.session] {
		return c.session, nil
	}
	if !c.authorized {
		return "", errors.New("not authorized")
	}
	c.net.serialized++
	c.session = fmt.Sprintf("session-%d", c.net.serialized)
	c.net.valid[c.session] = true
	return c.session, nil
}
