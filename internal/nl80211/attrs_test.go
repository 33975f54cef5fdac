package nl80211

import (
	"net"
	"testing"

	"github.com/mdlayher/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/balena-io-experimental/nl80211scan/internal/errors"
)

func encodeAttrs(t *testing.T, fn func(*netlink.AttributeEncoder)) []byte {
	t.Helper()

	ae := netlink.NewAttributeEncoder()
	fn(ae)
	b, err := ae.Encode()
	require.NoError(t, err)
	return b
}

func TestParseAttributes(t *testing.T) {
	b := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Uint32(1, 7)
		ae.String(2, "wlan0")
	})

	table, err := ParseAttributes("test", b)
	require.NoError(t, err)

	assert.Equal(t, 2, table.Len())
	assert.True(t, table.Has(1))
	assert.True(t, table.Has(2))
	assert.False(t, table.Has(3))
}

func TestParseAttributesMasksTypeFlags(t *testing.T) {
	// Container attributes arrive with NLA_F_NESTED set in their type
	// field, exactly as the encoder's Nested helper writes them.
	b := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Nested(5, func(nae *netlink.AttributeEncoder) error {
			nae.Uint32(1, 2412)
			return nil
		})
	})

	table, err := ParseAttributes("test", b)
	require.NoError(t, err)

	// Lookups use the bare attribute id, never the flagged one.
	assert.True(t, table.Has(5))
	assert.False(t, table.Has(5|netlink.Nested))

	nested, err := table.Nested(5)
	require.NoError(t, err)
	freq, err := nested.Uint32(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2412), freq)

	raw, err := netlink.MarshalAttributes([]netlink.Attribute{
		{Type: 3 | netlink.NetByteOrder, Data: []byte{0x00, 0x00, 0x09, 0x6c}},
	})
	require.NoError(t, err)

	table, err = ParseAttributes("test", raw)
	require.NoError(t, err)
	assert.True(t, table.Has(3))
	assert.False(t, table.Has(3|netlink.NetByteOrder))
}

func TestParseAttributesMalformed(t *testing.T) {
	// A lone byte cannot hold a type/length header.
	_, err := ParseAttributes("test", []byte{0x01})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDecode))
}

func TestDuplicateAttributeLastWins(t *testing.T) {
	b := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Uint32(3, 111)
		ae.Uint32(3, 222)
	})

	table, err := ParseAttributes("test", b)
	require.NoError(t, err)

	v, err := table.Uint32(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(222), v)
	assert.Equal(t, 1, table.Len())
}

func TestScalarAccessors(t *testing.T) {
	b := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Uint16(1, 0x1c)
		ae.Uint32(2, 42)
		ae.Uint64(3, 1<<40)
		ae.Int32(4, -5000)
	})

	table, err := ParseAttributes("test", b)
	require.NoError(t, err)

	u16, err := table.Uint16(1)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1c), u16)

	u32, err := table.Uint32(2)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), u32)

	u64, err := table.Uint64(3)
	require.NoError(t, err)
	assert.Equal(t, uint64(1)<<40, u64)

	i32, err := table.Int32(4)
	require.NoError(t, err)
	assert.Equal(t, int32(-5000), i32)
}

func TestScalarWidthMismatch(t *testing.T) {
	b := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Uint16(1, 9)
	})

	table, err := ParseAttributes("get_interface", b)
	require.NoError(t, err)

	_, err = table.Uint32(1)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDecode))
	assert.Contains(t, err.Error(), "attr: 1")
	assert.Contains(t, err.Error(), "get_interface")
}

func TestMissingAttribute(t *testing.T) {
	table, err := ParseAttributes("test", nil)
	require.NoError(t, err)

	_, err = table.Uint32(9)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDecode))

	_, err = table.Bytes(9)
	assert.Error(t, err)

	_, err = table.String(9)
	assert.Error(t, err)

	_, err = table.Nested(9)
	assert.Error(t, err)
}

func TestStringTrimsTerminator(t *testing.T) {
	b := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		// Kernel interface names arrive NUL terminated.
		ae.Bytes(2, []byte("wlan0\x00"))
	})

	table, err := ParseAttributes("test", b)
	require.NoError(t, err)

	s, err := table.String(2)
	require.NoError(t, err)
	assert.Equal(t, "wlan0", s)
}

func TestMAC(t *testing.T) {
	want := net.HardwareAddr{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}

	b := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Bytes(6, want)
		ae.Bytes(7, []byte{0x01, 0x02})
	})

	table, err := ParseAttributes("test", b)
	require.NoError(t, err)

	mac, err := table.MAC(6)
	require.NoError(t, err)
	assert.Equal(t, want, mac)

	_, err = table.MAC(7)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDecode))
}

func TestNested(t *testing.T) {
	b := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Nested(5, func(nae *netlink.AttributeEncoder) error {
			nae.Uint32(1, 2412)
			nae.Nested(2, func(iae *netlink.AttributeEncoder) error {
				iae.Uint16(1, 77)
				return nil
			})
			return nil
		})
	})

	table, err := ParseAttributes("test", b)
	require.NoError(t, err)

	nested, err := table.Nested(5)
	require.NoError(t, err)

	freq, err := nested.Uint32(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(2412), freq)

	inner, err := nested.Nested(2)
	require.NoError(t, err)

	v, err := inner.Uint16(1)
	require.NoError(t, err)
	assert.Equal(t, uint16(77), v)
}
