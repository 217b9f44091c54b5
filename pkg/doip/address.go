// Package doip defines the addressing and framing shared by the diagnostic
// transport: the 4-byte logical address header carried by every addressed TCP
// payload and the endpoint key used to demultiplex a shared connection.
package doip

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
)

// Port is the well-known diagnostic port used for TCP sessions and UDP discovery.
const Port = 13400

// AddressHeaderLen is the size of the logical address header at the start of
// every addressed TCP payload.
const AddressHeaderLen = 4

// Logical address layout: low 7 bits node id, next 4 bits bus id.
const (
	nodeBits = 7
	nodeMask = 0x7F
	busMask  = 0x0F

	// MaxNode is the highest node id representable in a logical address.
	MaxNode = nodeMask
	// MaxBus is the highest bus id representable in a logical address.
	MaxBus = busMask
)

// ErrShortHeader is returned when a buffer cannot hold an address header.
var ErrShortHeader = errors.New("buffer shorter than address header")

// NodeID identifies one node on one bus.
type NodeID struct {
	Bus  uint8
	Node uint8
}

func (n NodeID) String() string {
	return fmt.Sprintf("%d.%d", n.Bus, n.Node)
}

// LogicalAddress returns the 16-bit logical address for the node.
func (n NodeID) LogicalAddress() LogicalAddress {
	return LogicalAddress(uint16(n.Bus&busMask)<<nodeBits | uint16(n.Node&nodeMask))
}

// LogicalAddress is an unbiased 16-bit logical address.
type LogicalAddress uint16

// NodeID splits the address into its bus and node ids.
func (a LogicalAddress) NodeID() NodeID {
	return NodeID{
		Bus:  uint8(a>>nodeBits) & busMask,
		Node: uint8(a) & nodeMask,
	}
}

func (a LogicalAddress) String() string {
	return fmt.Sprintf("0x%04X", uint16(a))
}

// AddressHeader is the decoded form of the first four bytes of an addressed payload.
type AddressHeader struct {
	Source LogicalAddress
	Target LogicalAddress
}

// ParseAddressHeader decodes the header at the start of b. Both wire values
// carry a +1 bias which is removed here.
func ParseAddressHeader(b []byte) (AddressHeader, error) {
	if len(b) < AddressHeaderLen {
		return AddressHeader{}, ErrShortHeader
	}
	return AddressHeader{
		Source: LogicalAddress(binary.BigEndian.Uint16(b[0:2]) - 1),
		Target: LogicalAddress(binary.BigEndian.Uint16(b[2:4]) - 1),
	}, nil
}

// AppendAddressHeader appends the biased header for a payload sent from
// source to target.
func AppendAddressHeader(dst []byte, source, target NodeID) []byte {
	dst = binary.BigEndian.AppendUint16(dst, uint16(source.LogicalAddress())+1)
	return binary.BigEndian.AppendUint16(dst, uint16(target.LogicalAddress())+1)
}

// EndpointKey identifies one logical diagnostic session multiplexed on a
// shared connection. Keys order lexicographically over
// (client bus, client node, server bus, server node).
type EndpointKey struct {
	ClientBus  uint8
	ClientNode uint8
	ServerBus  uint8
	ServerNode uint8
}

// NewEndpointKey builds a key from the client (tester) and server (ECU) ids.
func NewEndpointKey(client, server NodeID) EndpointKey {
	return EndpointKey{
		ClientBus:  client.Bus,
		ClientNode: client.Node,
		ServerBus:  server.Bus,
		ServerNode: server.Node,
	}
}

// Client returns the tester side of the key.
func (k EndpointKey) Client() NodeID {
	return NodeID{Bus: k.ClientBus, Node: k.ClientNode}
}

// Server returns the ECU side of the key.
func (k EndpointKey) Server() NodeID {
	return NodeID{Bus: k.ServerBus, Node: k.ServerNode}
}

// Compare returns -1, 0 or +1 ordering k before, equal to or after o.
func (k EndpointKey) Compare(o EndpointKey) int {
	if c := cmp.Compare(k.ClientBus, o.ClientBus); c != 0 {
		return c
	}
	if c := cmp.Compare(k.ClientNode, o.ClientNode); c != 0 {
		return c
	}
	if c := cmp.Compare(k.ServerBus, o.ServerBus); c != 0 {
		return c
	}
	return cmp.Compare(k.ServerNode, o.ServerNode)
}

func (k EndpointKey) String() string {
	return fmt.Sprintf("%s->%s", k.Client(), k.Server())
}

// KeyForInbound derives the endpoint key an inbound payload belongs to. The
// ECU is the source of an inbound payload and the tester is its target.
func KeyForInbound(h AddressHeader) EndpointKey {
	return NewEndpointKey(h.Target.NodeID(), h.Source.NodeID())
}

// Matches reports whether an inbound header is addressed to the session k.
func (k EndpointKey) Matches(h AddressHeader) bool {
	return h.Source.NodeID() == k.Server() && h.Target.NodeID() == k.Client()
}
