package nl80211

import (
	"bytes"
	"context"
	"net"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/balena-io-experimental/nl80211scan/internal/errors"
)

// InterfaceType is the operating mode of a wireless interface. The
// values copy the ordering of nl80211's interface type constants.
type InterfaceType uint32

const (
	InterfaceTypeUnspecified InterfaceType = iota
	InterfaceTypeAdHoc
	InterfaceTypeStation
	InterfaceTypeAP
	InterfaceTypeAPVLAN
	InterfaceTypeWDS
	InterfaceTypeMonitor
	InterfaceTypeMeshPoint
	InterfaceTypeP2PClient
	InterfaceTypeP2PGO
	InterfaceTypeP2PDevice
	InterfaceTypeOCB
	InterfaceTypeNAN
)

// String returns the name of an InterfaceType.
func (t InterfaceType) String() string {
	switch t {
	case InterfaceTypeUnspecified:
		return "unspecified"
	case InterfaceTypeAdHoc:
		return "ad-hoc"
	case InterfaceTypeStation:
		return "station"
	case InterfaceTypeAP:
		return "access point"
	case InterfaceTypeAPVLAN:
		return "access point VLAN"
	case InterfaceTypeWDS:
		return "wireless distribution"
	case InterfaceTypeMonitor:
		return "monitor"
	case InterfaceTypeMeshPoint:
		return "mesh point"
	case InterfaceTypeP2PClient:
		return "P2P client"
	case InterfaceTypeP2PGO:
		return "P2P group owner"
	case InterfaceTypeP2PDevice:
		return "P2P device"
	case InterfaceTypeOCB:
		return "outside context of BSS"
	case InterfaceTypeNAN:
		return "near-me area network"
	default:
		return "unknown"
	}
}

// Interface is one wireless network interface reported by nl80211.
// The enumeration order of the kernel's dump is preserved; identity is
// defined by hardware address, not by index.
type Interface struct {
	Name         string
	Index        int
	Type         InterfaceType
	Wiphy        uint32
	Wdev         uint64
	HardwareAddr net.HardwareAddr
}

// Equal reports whether two interfaces are the same entity. Two
// records with the same hardware address are considered equal even if
// their indexes differ.
func (ifi *Interface) Equal(other *Interface) bool {
	if ifi == nil || other == nil {
		return ifi == other
	}
	return bytes.Equal(ifi.HardwareAddr, other.HardwareAddr)
}

// decodeInterface builds an Interface from one dump message's
// attribute table. Name, index and hardware address are required.
func decodeInterface(table *AttributeTable) (*Interface, error) {
	name, err := table.String(unix.NL80211_ATTR_IFNAME)
	if err != nil {
		return nil, err
	}

	index, err := table.Uint32(unix.NL80211_ATTR_IFINDEX)
	if err != nil {
		return nil, err
	}

	mac, err := table.MAC(unix.NL80211_ATTR_MAC)
	if err != nil {
		return nil, err
	}

	ifi := &Interface{
		Name:         name,
		Index:        int(index),
		HardwareAddr: mac,
	}

	if typ, err := table.Uint32(unix.NL80211_ATTR_IFTYPE); err == nil {
		ifi.Type = InterfaceType(typ)
	}
	if wiphy, err := table.Uint32(unix.NL80211_ATTR_WIPHY); err == nil {
		ifi.Wiphy = wiphy
	}
	if wdev, err := table.Uint64(unix.NL80211_ATTR_WDEV); err == nil {
		ifi.Wdev = wdev
	}

	return ifi, nil
}

// ListInterfaces asks nl80211 to dump every wireless interface on the
// system. Records that cannot be decoded are skipped.
func (c *Client) ListInterfaces(ctx context.Context) ([]*Interface, error) {
	const op = "get_interface"

	msgs, err := c.dump(ctx, unix.NL80211_CMD_GET_INTERFACE, op, nil)
	if err != nil {
		return nil, err
	}

	ifis := make([]*Interface, 0, len(msgs))
	for _, m := range msgs {
		table, err := ParseAttributes(op, m.Data)
		if err != nil {
			c.logger.Debug("skipping undecodable interface message", "op", op, "error", err)
			continue
		}

		ifi, err := decodeInterface(table)
		if err != nil {
			c.logger.Debug("skipping incomplete interface record", "op", op, "error", err)
			continue
		}

		ifis = append(ifis, ifi)
	}

	return ifis, nil
}

// FindInterface locates a wireless interface by name.
func (c *Client) FindInterface(ctx context.Context, name string) (*Interface, error) {
	ifis, err := c.ListInterfaces(ctx)
	if err != nil {
		return nil, err
	}

	ifi := findByName(ifis, name)
	if ifi == nil {
		return nil, errors.ErrInterfaceNotFound(name)
	}
	return ifi, nil
}

// findByName scans an enumerated interface set for a name match.
func findByName(ifis []*Interface, name string) *Interface {
	for _, ifi := range ifis {
		if ifi.Name == name {
			return ifi
		}
	}
	return nil
}

// encodeIndex writes the interface index attribute used to scope a
// command to one interface.
func (ifi *Interface) encodeIndex(ae *netlink.AttributeEncoder) {
	ae.Uint32(unix.NL80211_ATTR_IFINDEX, uint32(ifi.Index))
}
