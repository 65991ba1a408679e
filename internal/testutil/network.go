package testutil

import (
	"sync"

	"github.com/HiveNetCode/distributed-mls/pkg/api"
	"github.com/HiveNetCode/distributed-mls/pkg/types"
)

// Handler is the inbound side a simulated Node delivers framed payloads to
// — the shape of delivery.Facade.ReceiveNetworkMessage.
type Handler interface {
	ReceiveNetworkMessage(raw []byte)
}

type msgFrom struct {
	payload []byte
	from    string
}

// Network is an in-memory multi-member transport: no sockets, no framing,
// just channel delivery between Nodes added to the same Network. Styled
// after the teacher's test/network.go Network/Node pair.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Node)}
}

// AddNode registers id with handler h and returns the Node, whose Comm()
// is the api.Comm to construct that member's delivery.Facade with.
func (n *Network) AddNode(id types.MemberID, h Handler) *Node {
	node := &Node{
		id:       id,
		key:      id.String(),
		in:       make(chan msgFrom, 1000),
		shutdown: make(chan struct{}),
		network:  n,
		h:        h,
	}
	n.mu.Lock()
	n.nodes[node.key] = node
	n.mu.Unlock()
	return node
}

// StartServe launches every node's delivery goroutine.
func (n *Network) StartServe() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, node := range n.nodes {
		go node.serve()
	}
}

// Shutdown stops every node's delivery goroutine.
func (n *Network) Shutdown() {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, node := range n.nodes {
		close(node.shutdown)
	}
}

// DeliverAll synchronously drains every node's inbound queue on the calling
// goroutine, repeating until a full pass finds nothing left to deliver (a
// handler run during one node's pass may enqueue work for another). Used by
// deterministic scenario tests in place of StartServe's background
// goroutines, so message delivery interleaves in a fixed, repeatable order.
func (n *Network) DeliverAll() {
	for {
		n.mu.RLock()
		nodes := make([]*Node, 0, len(n.nodes))
		for _, node := range n.nodes {
			nodes = append(nodes, node)
		}
		n.mu.RUnlock()

		progressed := false
		for _, node := range nodes {
		drain:
			for {
				select {
				case m := <-node.in:
					node.h.ReceiveNetworkMessage(m.payload)
					progressed = true
				default:
					break drain
				}
			}
		}
		if !progressed {
			return
		}
	}
}

func (n *Network) deliver(to string, payload []byte) {
	n.mu.RLock()
	node, ok := n.nodes[to]
	n.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case node.in <- msgFrom{payload: payload}:
	default:
	}
}

// Node is one simulated member's transport endpoint.
type Node struct {
	id       types.MemberID
	key      string
	in       chan msgFrom
	shutdown chan struct{}
	network  *Network
	h        Handler
}

func (n *Node) serve() {
	for {
		select {
		case <-n.shutdown:
			return
		case m := <-n.in:
			n.h.ReceiveNetworkMessage(m.payload)
		}
	}
}

// Comm returns this node's api.Comm, routed through the owning Network.
func (n *Node) Comm() api.Comm { return &nodeComm{node: n} }

type nodeComm struct{ node *Node }

func (c *nodeComm) Send(peer types.MemberID, payload []byte) {
	c.node.network.deliver(peer.String(), payload)
}

func (c *nodeComm) SendSample(sample []types.MemberID, payload []byte) {
	for _, id := range sample {
		c.Send(id, payload)
	}
}

func (c *nodeComm) Broadcast(payload []byte) {
	c.node.network.mu.RLock()
	targets := make([]string, 0, len(c.node.network.nodes))
	for key := range c.node.network.nodes {
		if key != c.node.key {
			targets = append(targets, key)
		}
	}
	c.node.network.mu.RUnlock()

	for _, key := range targets {
		c.node.network.deliver(key, payload)
	}
}

var _ api.Comm = (*nodeComm)(nil)
