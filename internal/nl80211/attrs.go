package nl80211

import (
	"net"

	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"

	"github.com/balena-io-experimental/nl80211scan/internal/errors"
)

// AttributeTable holds the decoded attributes of one generic netlink
// message, keyed by attribute id. When an id repeats within a message
// the last occurrence wins; raw netlink TLV streams can in principle
// carry duplicates and the kernel's own parsers keep the final value.
type AttributeTable struct {
	op    string
	attrs map[uint16][]byte
}

// ParseAttributes decodes a 4-byte-aligned netlink attribute stream
// into an AttributeTable. The op name is attached to any decode errors
// produced by the table's accessors.
func ParseAttributes(op string, b []byte) (*AttributeTable, error) {
	decoded, err := netlink.UnmarshalAttributes(b)
	if err != nil {
		return nil, errors.WrapNetlinkError(errors.CodeDecode, "Failed to unmarshal attributes", op, err)
	}

	attrs := make(map[uint16][]byte, len(decoded))
	for _, a := range decoded {
		// Type carries the NLA_F_NESTED and NLA_F_NET_BYTEORDER flag
		// bits on the wire; the table keys on the bare attribute id.
		attrs[a.Type&^(netlink.Nested|netlink.NetByteOrder)] = a.Data
	}

	return &AttributeTable{op: op, attrs: attrs}, nil
}

// Len returns the number of distinct attribute ids in the table.
func (t *AttributeTable) Len() int {
	return len(t.attrs)
}

// Has reports whether the attribute id is present.
func (t *AttributeTable) Has(id uint16) bool {
	_, ok := t.attrs[id]
	return ok
}

// Bytes returns the raw payload of an attribute.
func (t *AttributeTable) Bytes(id uint16) ([]byte, error) {
	b, ok := t.attrs[id]
	if !ok {
		return nil, errors.ErrMissingAttribute(t.op, id)
	}
	return b, nil
}

// scalar returns an attribute payload after checking its byte width.
func (t *AttributeTable) scalar(id uint16, width int) ([]byte, error) {
	b, ok := t.attrs[id]
	if !ok {
		return nil, errors.ErrMissingAttribute(t.op, id)
	}
	if len(b) != width {
		return nil, errors.ErrAttributeWidth(t.op, id, width, len(b))
	}
	return b, nil
}

// Uint16 extracts a 16-bit unsigned attribute.
func (t *AttributeTable) Uint16(id uint16) (uint16, error) {
	b, err := t.scalar(id, 2)
	if err != nil {
		return 0, err
	}
	return nlenc.Uint16(b), nil
}

// Uint32 extracts a 32-bit unsigned attribute.
func (t *AttributeTable) Uint32(id uint16) (uint32, error) {
	b, err := t.scalar(id, 4)
	if err != nil {
		return 0, err
	}
	return nlenc.Uint32(b), nil
}

// Uint64 extracts a 64-bit unsigned attribute.
func (t *AttributeTable) Uint64(id uint16) (uint64, error) {
	b, err := t.scalar(id, 8)
	if err != nil {
		return 0, err
	}
	return nlenc.Uint64(b), nil
}

// Int32 extracts a 32-bit signed attribute.
func (t *AttributeTable) Int32(id uint16) (int32, error) {
	b, err := t.scalar(id, 4)
	if err != nil {
		return 0, err
	}
	return nlenc.Int32(b), nil
}

// String extracts a NUL-terminated string attribute with the trailing
// terminator and any padding stripped.
func (t *AttributeTable) String(id uint16) (string, error) {
	b, ok := t.attrs[id]
	if !ok {
		return "", errors.ErrMissingAttribute(t.op, id)
	}
	return nlenc.String(b), nil
}

// MAC extracts a fixed 6-byte hardware address attribute.
func (t *AttributeTable) MAC(id uint16) (net.HardwareAddr, error) {
	b, err := t.scalar(id, 6)
	if err != nil {
		return nil, err
	}
	mac := make(net.HardwareAddr, 6)
	copy(mac, b)
	return mac, nil
}

// Nested decodes a container attribute into its own AttributeTable.
// The same TLV format applies at every nesting depth.
func (t *AttributeTable) Nested(id uint16) (*AttributeTable, error) {
	b, ok := t.attrs[id]
	if !ok {
		return nil, errors.ErrMissingAttribute(t.op, id)
	}
	nested, err := ParseAttributes(t.op, b)
	if err != nil {
		return nil, err
	}
	return nested, nil
}
