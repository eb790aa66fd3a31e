package mesh

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"shardrun/internal/sched"
)

var (
	ErrNotParticipant = errors.New("shard is not a mesh participant")
	ErrAlreadyJoined  = errors.New("shard already joined the mesh")
	ErrUnknownPeer    = errors.New("unknown mesh peer")
)

type pair struct {
	from, to sched.ShardID
}

type link[T any] struct {
	tx *Sender[T]
	rx *Receiver[T]
}

// Full connects every participant to every other participant with one
// channel per ordered pair. It is built before the shards start running;
// each participant then calls Join from its own shard.
type Full[T any] struct {
	name   string
	shards []sched.ShardID
	links  map[pair]link[T]

	mu     sync.Mutex
	joined map[sched.ShardID]bool
}

// NewFull builds the mesh for the given shards. Duplicate ids are ignored.
func NewFull[T any](name string, shards []sched.ShardID, capacity int) (*Full[T], error) {
	seen := make(map[sched.ShardID]bool, len(shards))
	ids := make([]sched.ShardID, 0, len(shards))
	for _, id := range shards {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	m := &Full[T]{
		name:   name,
		shards: ids,
		links:  make(map[pair]link[T], len(ids)*len(ids)),
		joined: make(map[sched.ShardID]bool, len(ids)),
	}
	for _, from := range ids {
		for _, to := range ids {
			if from == to {
				continue
			}
			tx, rx, err := NewChannel[T](capacity)
			if err != nil {
				return nil, errors.Wrapf(err, "mesh %s", name)
			}
			m.links[pair{from, to}] = link[T]{tx: tx, rx: rx}
		}
	}
	return m, nil
}

// Name returns the mesh name.
func (m *Full[T]) Name() string { return m.name }

// Participants returns the shard ids in the mesh, ascending.
func (m *Full[T]) Participants() []sched.ShardID {
	return append([]sched.ShardID(nil), m.shards...)
}

// Join hands self its endpoints: a sender to every peer and a receiver from
// every peer.
func (m *Full[T]) Join(self sched.ShardID) (*Conn[T], error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := sort.Search(len(m.shards), func(i int) bool { return m.shards[i] >= self })
	if idx == len(m.shards) || m.shards[idx] != self {
		return nil, errors.Wrapf(ErrNotParticipant, "mesh %s: shard %d", m.name, self)
	}
	if m.joined[self] {
		return nil, errors.Wrapf(ErrAlreadyJoined, "mesh %s: shard %d", m.name, self)
	}
	m.joined[self] = true

	c := &Conn[T]{
		self: self,
		tx:   make(map[sched.ShardID]*Sender[T]),
		rx:   make(map[sched.ShardID]*Receiver[T]),
	}
	for _, peer := range m.shards {
		if peer == self {
			continue
		}
		c.peers = append(c.peers, peer)
		c.tx[peer] = m.links[pair{self, peer}].tx
		c.rx[peer] = m.links[pair{peer, self}].rx
	}
	return c, nil
}

// Conn is one participant's view of a Full mesh.
type Conn[T any] struct {
	self  sched.ShardID
	peers []sched.ShardID
	tx    map[sched.ShardID]*Sender[T]
	rx    map[sched.ShardID]*Receiver[T]
}

// Self returns the participant's shard id.
func (c *Conn[T]) Self() sched.ShardID { return c.self }

// Peers returns every other participant, ascending.
func (c *Conn[T]) Peers() []sched.ShardID { return c.peers }

// SenderTo returns the sending half towards peer.
func (c *Conn[T]) SenderTo(peer sched.ShardID) (*Sender[T], error) {
	tx, ok := c.tx[peer]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPeer, "shard %d", peer)
	}
	return tx, nil
}

// ReceiverFrom returns the receiving half from peer.
func (c *Conn[T]) ReceiverFrom(peer sched.ShardID) (*Receiver[T], error) {
	rx, ok := c.rx[peer]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownPeer, "shard %d", peer)
	}
	return rx, nil
}

func (c *Conn[T]) PollSendTo(t *sched.Task, peer sched.ShardID, v T) (bool, error) {
	tx, err := c.SenderTo(peer)
	if err != nil {
		return true, err
	}
	return tx.PollSend(t, v)
}

func (c *Conn[T]) PollRecvFrom(t *sched.Task, peer sched.ShardID) (T, bool, error) {
	rx, err := c.ReceiverFrom(peer)
	if err != nil {
		var zero T
		return zero, true, err
	}
	return rx.PollRecv(t)
}

func (c *Conn[T]) TrySendTo(peer sched.ShardID, v T) error {
	tx, err := c.SenderTo(peer)
	if err != nil {
		return err
	}
	return tx.TrySend(v)
}

// Close closes every half this participant holds.
func (c *Conn[T]) Close() {
	for _, peer := range c.peers {
		c.tx[peer].Close()
		c.rx[peer].Close()
	}
}

// CloseOnExit closes every half when t terminates.
func (c *Conn[T]) CloseOnExit(t *sched.Task) { t.Defer(c.Close) }
