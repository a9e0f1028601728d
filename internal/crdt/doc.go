// Package crdt implements a replicated-growable-array text CRDT.
//
// Every inserted character is a node identified by an (agent, seq) pair and
// anchored to the node it was inserted after. Concurrent inserts under the
// same anchor are ordered by descending id, so replicas converge to the same
// document regardless of delivery order. Deletes are tombstones. The full
// state and incremental updates share one CBOR wire encoding; the state is
// simply an update that inserts every node in document order.
package crdt

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ID identifies one inserted character. The zero ID is the document root.
type ID struct {
	Agent string `cbor:"a"`
	Seq   int    `cbor:"s"`
}

func (id ID) isRoot() bool {
	return id.Agent == "" && id.Seq == 0
}

// after reports whether id orders after other among concurrent siblings.
func (id ID) after(other ID) bool {
	if id.Seq != other.Seq {
		return id.Seq > other.Seq
	}
	return id.Agent > other.Agent
}

type node struct {
	id       ID
	parent   ID
	ch       rune
	deleted  bool
	children []*node
}

// Doc is one replica of the text. Not safe for concurrent use; callers
// serialize access per document.
type Doc struct {
	agent string
	nodes map[ID]*node
	root  *node
	seqs  map[string]int
}

// New creates an empty document that will author ops as the given agent.
func New(agent string) *Doc {
	root := &node{}
	d := &Doc{
		agent: agent,
		nodes: map[ID]*node{{}: root},
		root:  root,
		seqs:  make(map[string]int),
	}
	return d
}

// Load decodes a previously encoded state into a new replica.
func Load(agent string, state []byte) (*Doc, error) {
	d := New(agent)
	if len(state) == 0 {
		return d, nil
	}
	if err := d.ApplyUpdate(state); err != nil {
		return nil, fmt.Errorf("decode crdt state: %w", err)
	}
	return d, nil
}

type wireInsert struct {
	ID     ID    `cbor:"i"`
	Parent ID    `cbor:"p"`
	Ch     int32 `cbor:"c"`
}

type wireUpdate struct {
	Inserts []wireInsert `cbor:"n,omitempty"`
	Deletes []ID         `cbor:"d,omitempty"`
}

// Insert inserts text at the visible rune position pos and returns the
// encoded update describing the operation.
func (d *Doc) Insert(pos int, text string) ([]byte, error) {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}
	if pos < 0 || pos > d.Len() {
		return nil, fmt.Errorf("insert position %d out of range [0,%d]", pos, d.Len())
	}

	parent := d.visibleAt(pos - 1)
	up := wireUpdate{Inserts: make([]wireInsert, 0, len(runes))}
	for _, r := range runes {
		d.seqs[d.agent]++
		id := ID{Agent: d.agent, Seq: d.seqs[d.agent]}
		n := &node{id: id, parent: parent.id, ch: r}
		d.nodes[id] = n
		parent.attach(n)
		up.Inserts = append(up.Inserts, wireInsert{ID: id, Parent: parent.id, Ch: r})
		parent = n
	}
	return cbor.Marshal(up)
}

// Delete tombstones n visible runes starting at pos and returns the encoded
// update.
func (d *Doc) Delete(pos, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	if pos < 0 || pos+n > d.Len() {
		return nil, fmt.Errorf("delete range [%d,%d) out of range [0,%d]", pos, pos+n, d.Len())
	}

	up := wireUpdate{Deletes: make([]ID, 0, n)}
	idx := 0
	d.walk(func(nd *node) bool {
		if nd.deleted {
			return true
		}
		if idx >= pos && idx < pos+n {
			nd.deleted = true
			up.Deletes = append(up.Deletes, nd.id)
		}
		idx++
		return idx < pos+n
	})
	return cbor.Marshal(up)
}

// ApplyUpdate integrates a remote (or replayed) update. Already-known inserts
// and deletes are skipped, so applying an update twice is harmless.
func (d *Doc) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	var up wireUpdate
	if err := cbor.Unmarshal(update, &up); err != nil {
		return fmt.Errorf("decode crdt update: %w", err)
	}

	for _, ins := range up.Inserts {
		if _, known := d.nodes[ins.ID]; known {
			continue
		}
		parent, ok := d.nodes[ins.Parent]
		if !ok {
			return fmt.Errorf("update references unknown parent %s:%d", ins.Parent.Agent, ins.Parent.Seq)
		}
		n := &node{id: ins.ID, parent: ins.Parent, ch: rune(ins.Ch)}
		d.nodes[ins.ID] = n
		parent.attach(n)
		if ins.ID.Seq > d.seqs[ins.ID.Agent] {
			d.seqs[ins.ID.Agent] = ins.ID.Seq
		}
	}
	for _, del := range up.Deletes {
		if n, ok := d.nodes[del]; ok {
			n.deleted = true
		}
	}
	return nil
}

// EncodeState encodes the full document, tombstones included, as one update.
func (d *Doc) EncodeState() ([]byte, error) {
	var up wireUpdate
	d.walk(func(n *node) bool {
		up.Inserts = append(up.Inserts, wireInsert{ID: n.id, Parent: n.parent, Ch: n.ch})
		if n.deleted {
			up.Deletes = append(up.Deletes, n.id)
		}
		return true
	})
	return cbor.Marshal(&up)
}

// Text returns the linear text projection of the document.
func (d *Doc) Text() string {
	runes := make([]rune, 0, len(d.nodes))
	d.walk(func(n *node) bool {
		if !n.deleted {
			runes = append(runes, n.ch)
		}
		return true
	})
	return string(runes)
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	count := 0
	d.walk(func(n *node) bool {
		if !n.deleted {
			count++
		}
		return true
	})
	return count
}

// attach inserts child into the parent's sibling list, keeping siblings in
// descending id order so concurrent inserts converge.
func (p *node) attach(child *node) {
	i := 0
	for i < len(p.children) && p.children[i].id.after(child.id) {
		i++
	}
	p.children = append(p.children, nil)
	copy(p.children[i+1:], p.children[i:])
	p.children[i] = child
}

// walk performs a pre-order traversal of all nodes except the root. The
// visitor returns false to stop early.
func (d *Doc) walk(visit func(*node) bool) {
	var stack []*node
	for i := len(d.root.children) - 1; i >= 0; i-- {
		stack = append(stack, d.root.children[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !visit(n) {
			return
		}
		for i := len(n.children) - 1; i >= 0; i-- {
			stack = append(stack, n.children[i])
		}
	}
}

// visibleAt returns the node at visible position pos, or the root for -1.
// When the node at pos has been reached, traversal stops.
func (d *Doc) visibleAt(pos int) *node {
	if pos < 0 {
		return d.root
	}
	var found *node
	idx := 0
	d.walk(func(n *node) bool {
		if n.deleted {
			return true
		}
		if idx == pos {
			found = n
			return false
		}
		idx++
		return true
	})
	return found
}
