package simulator

import (
	"math/rand"
	"sync"
)

// A Node is one device in a simulated cluster.
//
// Devices that share a Host talk over fast local links;
// traffic between hosts goes through each host's NIC.
type Node struct {
	// ID is the index of the node in its cluster.
	ID int

	// Host is the index of the machine holding the node.
	Host int
}

// NewCluster creates numHosts*perHost nodes, numbered so
// that the nodes of one host are contiguous.
func NewCluster(numHosts, perHost int) []*Node {
	nodes := make([]*Node, 0, numHosts*perHost)
	for host := 0; host < numHosts; host++ {
		for i := 0; i < perHost; i++ {
			nodes = append(nodes, &Node{ID: len(nodes), Host: host})
		}
	}
	return nodes
}

// Port creates a new Port connected to the Node.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port identifies a point of communication on a Node.
// Data is sent from Ports and received on Ports.
type Port struct {
	// The Node to which the Port is attached.
	Node *Node

	// A stream of *Message objects.
	Incoming *EventStream
}

// Recv receives the next message.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// A Message is a chunk of data sent between nodes over a
// network.
type Message struct {
	Source  *Port
	Dest    *Port
	Message interface{}

	// Size is the number of bytes on the wire.
	Size float64
}

// A Network represents an abstract way of communicating
// between nodes.
type Network interface {
	// Send message objects from one node to another.
	// The message will arrive on the receiving port's
	// incoming EventStream.
	//
	// This is a non-blocking operation.
	//
	// It is preferable to pass multiple messages at once,
	// since some networks re-plan every transfer in flight
	// on each call.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork assigns a random delay in [0, 1) to
// every message, regardless of its size.
type RandomNetwork struct{}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, rand.Float64())
	}
}

// Traffic summarizes the data that went over a network.
type Traffic struct {
	IntraHostBytes    float64
	IntraHostMessages int
	InterHostBytes    float64
	InterHostMessages int
}

// A Meter wraps a Network and accounts for the bytes sent
// within and across hosts.
type Meter struct {
	Network Network

	lock    sync.Mutex
	traffic Traffic
}

// NewMeter creates a Meter around n.
func NewMeter(n Network) *Meter {
	return &Meter{Network: n}
}

// Send records the messages and forwards them.
func (m *Meter) Send(h *Handle, msgs ...*Message) {
	m.lock.Lock()
	for _, msg := range msgs {
		if msg.Source.Node.Host == msg.Dest.Node.Host {
			m.traffic.IntraHostBytes += msg.Size
			m.traffic.IntraHostMessages++
		} else {
			m.traffic.InterHostBytes += msg.Size
			m.traffic.InterHostMessages++
		}
	}
	m.lock.Unlock()
	m.Network.Send(h, msgs...)
}

// Traffic returns the totals recorded so far.
func (m *Meter) Traffic() Traffic {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.traffic
}
