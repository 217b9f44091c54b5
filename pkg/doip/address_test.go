package doip

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogicalAddressSplit(t *testing.T) {
	tests := []struct {
		addr LogicalAddress
		want NodeID
	}{
		{0x0000, NodeID{Bus: 0, Node: 0}},
		{0x007F, NodeID{Bus: 0, Node: 127}},
		{0x0080, NodeID{Bus: 1, Node: 0}},
		{0x0182, NodeID{Bus: 3, Node: 2}},
		{0x0780, NodeID{Bus: 15, Node: 0}},
		// Bits above the bus field are ignored.
		{0x0882, NodeID{Bus: 1, Node: 2}},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.addr.NodeID())
		})
	}
}

func TestNodeIDLogicalAddressRoundTrip(t *testing.T) {
	for bus := uint8(0); bus <= MaxBus; bus++ {
		for _, node := range []uint8{0, 1, 64, MaxNode} {
			id := NodeID{Bus: bus, Node: node}
			assert.Equal(t, id, id.LogicalAddress().NodeID())
		}
	}
}

func TestAppendAddressHeader(t *testing.T) {
	// client 1.2 -> server 3.4: source 0x0082+1, target 0x0184+1
	b := AppendAddressHeader(nil, NodeID{Bus: 1, Node: 2}, NodeID{Bus: 3, Node: 4})
	assert.Equal(t, []byte{0x00, 0x83, 0x01, 0x85}, b)

	h, err := ParseAddressHeader(b)
	require.NoError(t, err)
	assert.Equal(t, NodeID{Bus: 1, Node: 2}, h.Source.NodeID())
	assert.Equal(t, NodeID{Bus: 3, Node: 4}, h.Target.NodeID())
}

func TestParseAddressHeader_Short(t *testing.T) {
	_, err := ParseAddressHeader([]byte{0x00, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestParseAddressHeader_RemovesBias(t *testing.T) {
	h, err := ParseAddressHeader([]byte{0x00, 0x01, 0x00, 0x02, 0xAA})
	require.NoError(t, err)
	assert.Equal(t, LogicalAddress(0), h.Source)
	assert.Equal(t, LogicalAddress(1), h.Target)
}

func TestKeyForInbound(t *testing.T) {
	// ECU 3.4 answering tester 1.2
	h, err := ParseAddressHeader(AppendAddressHeader(nil, NodeID{Bus: 3, Node: 4}, NodeID{Bus: 1, Node: 2}))
	require.NoError(t, err)

	key := KeyForInbound(h)
	assert.Equal(t, EndpointKey{ClientBus: 1, ClientNode: 2, ServerBus: 3, ServerNode: 4}, key)
	assert.True(t, key.Matches(h))

	other := EndpointKey{ClientBus: 1, ClientNode: 2, ServerBus: 3, ServerNode: 5}
	assert.False(t, other.Matches(h))
}

func TestEndpointKeyCompare(t *testing.T) {
	a := EndpointKey{1, 2, 3, 4}
	b := EndpointKey{1, 2, 3, 5}
	c := EndpointKey{1, 3, 0, 0}
	d := EndpointKey{2, 0, 0, 0}

	assert.Equal(t, 0, a.Compare(a))
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, -1, b.Compare(c))
	assert.Equal(t, -1, c.Compare(d))

	keys := []EndpointKey{d, b, c, a}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Compare(keys[j]) < 0 })
	assert.Equal(t, []EndpointKey{a, b, c, d}, keys)
}

func TestEndpointKeyString(t *testing.T) {
	k := NewEndpointKey(NodeID{Bus: 1, Node: 2}, NodeID{Bus: 3, Node: 4})
	assert.Equal(t, "1.2->3.4", k.String())
}

func TestLogicalAddressString(t *testing.T) {
	assert.Equal(t, "0x0E80", LogicalAddress(0x0E80).String())
	assert.Equal(t, "0x0000", LogicalAddress(0).String())
}
