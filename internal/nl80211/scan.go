package nl80211

import (
	"context"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"

	"github.com/balena-io-experimental/nl80211scan/internal/errors"
	"github.com/balena-io-experimental/nl80211scan/internal/logging"
)

// ScanState is one step of the scan protocol exchange.
type ScanState uint8

const (
	StateIdle ScanState = iota
	StateTriggering
	StateAwaitingNotification
	StateFetchingResults
	StateDone
	StateFailed
	StateAlreadyScanning
)

// String returns the name of a ScanState.
func (s ScanState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTriggering:
		return "triggering"
	case StateAwaitingNotification:
		return "awaiting notification"
	case StateFetchingResults:
		return "fetching results"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateAlreadyScanning:
		return "already scanning"
	default:
		return "unknown"
	}
}

// ScanResult is the outcome of one scan invocation. Aborted marks the
// kernel-was-busy outcome: the scan was not performed, Stations is
// empty and no error is reported.
type ScanResult struct {
	Interface string    `json:"interface"`
	Stations  []Station `json:"stations"`
	Aborted   bool      `json:"aborted"`
}

// scanOperation tracks one scan invocation through its states. State
// is local to the invocation; the client carries no mutable state
// across scans.
type scanOperation struct {
	client *Client
	ifi    *Interface
	state  ScanState
	logger *logging.Logger
}

func (o *scanOperation) advance(next ScanState) {
	o.logger.DebugNetlink("scan state transition", "scan", "from", o.state.String(), "to", next.String())
	o.state = next
}

func (o *scanOperation) fail(err error) error {
	o.advance(StateFailed)
	return err
}

// Scan runs one full scan on the named interface: resolve the
// interface, subscribe to scan events, trigger the scan, wait for the
// kernel's completion event and fetch the results.
//
// A context deadline bounds the whole exchange; without one, a kernel
// that never emits the completion event would block forever.
//
// If the kernel aborts the scan, typically because another scan is
// already running, the result carries Aborted with no stations and no
// error.
func (c *Client) Scan(ctx context.Context, name string) (*ScanResult, error) {
	op := &scanOperation{
		client: c,
		state:  StateIdle,
		logger: c.logger.WithInterface(name),
	}

	ifi, err := c.FindInterface(ctx, name)
	if err != nil {
		return nil, op.fail(err)
	}
	op.ifi = ifi

	// Event socket for the scan multicast group. The membership must
	// be established before the trigger is sent: the kernel may emit
	// the completion event before a late join finishes, and a missed
	// event leaves the caller waiting for its deadline.
	event, group, err := c.dialEventSocket(ctx)
	if err != nil {
		return nil, op.fail(err)
	}
	defer func() {
		_ = event.LeaveGroup(group)
		_ = event.Close()
	}()

	op.advance(StateTriggering)
	if err := c.triggerScan(ifi); err != nil {
		return nil, op.fail(errors.WrapScanError(errors.CodeScanFailed, "Scan trigger rejected", name, err))
	}

	op.advance(StateAwaitingNotification)
	completed, err := c.awaitScanEvent(ctx, event, ifi)
	if err != nil {
		return nil, op.fail(err)
	}
	if !completed {
		op.advance(StateAlreadyScanning)
		op.logger.InfoScan("scan aborted by kernel, returning empty result", name)
		return &ScanResult{Interface: name, Stations: []Station{}, Aborted: true}, nil
	}

	op.advance(StateFetchingResults)
	stations, err := c.fetchScanResults(ctx, ifi)
	if err != nil {
		return nil, op.fail(err)
	}

	op.advance(StateDone)
	op.logger.InfoScan("scan complete", name, "stations", len(stations))
	return &ScanResult{Interface: name, Stations: stations}, nil
}

// dialEventSocket opens the per-scan event socket and joins the scan
// multicast group, returning the joined group id.
func (c *Client) dialEventSocket(ctx context.Context) (Socket, uint32, error) {
	const op = "join_scan_group"

	event, err := c.dial()
	if err != nil {
		return nil, 0, errors.WrapNetlinkError(errors.CodeSetup, "Failed to open event socket", op, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := event.SetReadDeadline(deadline); err != nil {
			_ = event.Close()
			return nil, 0, errors.WrapNetlinkError(errors.CodeSetup, "Failed to set event deadline", op, err)
		}
	}

	family, err := event.GetFamily(familyName)
	if err != nil {
		_ = event.Close()
		return nil, 0, errors.WrapNetlinkError(errors.CodeSetup, "Failed to resolve nl80211 family", op, err)
	}

	for _, g := range family.Groups {
		if g.Name != scanMulticastGroup {
			continue
		}
		if err := event.JoinGroup(g.ID); err != nil {
			_ = event.Close()
			return nil, 0, errors.WrapNetlinkError(errors.CodeSetup, "Failed to join scan multicast group", op, err)
		}
		return event, g.ID, nil
	}

	_ = event.Close()
	return nil, 0, errors.NewNetlinkError(errors.CodeSetup, "Scan multicast group not advertised", op)
}

// triggerScan sends TRIGGER_SCAN for the interface and consumes the
// kernel's acknowledgement. A negative acknowledgement, for example
// EBUSY while another scan runs, surfaces as a receive error.
func (c *Client) triggerScan(ifi *Interface) error {
	const op = "trigger_scan"

	req, err := c.request(unix.NL80211_CMD_TRIGGER_SCAN, op, func(ae *netlink.AttributeEncoder) {
		ifi.encodeIndex(ae)
		ae.Uint32(unix.NL80211_ATTR_SCAN_FLAGS, unix.NL80211_SCAN_FLAG_AP)
	})
	if err != nil {
		return err
	}

	if _, err := c.c.Send(req, c.familyID, netlink.Request|netlink.Acknowledge); err != nil {
		return errors.WrapNetlinkError(errors.CodeSend, "Failed to send scan trigger", op, err)
	}

	if _, _, err := c.c.Receive(); err != nil {
		return errors.WrapNetlinkError(errors.CodeReceive, "Scan trigger not acknowledged", op, err)
	}

	return nil
}

// awaitScanEvent blocks on the event socket until the kernel reports
// the scan's fate for this interface. It returns true for completed
// results, false for an aborted scan. Unrelated multicast traffic is
// ignored.
func (c *Client) awaitScanEvent(ctx context.Context, event Socket, ifi *Interface) (bool, error) {
	const op = "await_scan_event"

	for {
		if err := ctx.Err(); err != nil {
			return false, errors.WrapNetlinkError(errors.CodeCanceled, "Scan wait canceled", op, err)
		}

		msgs, _, err := event.Receive()
		if err != nil {
			return false, errors.WrapNetlinkError(errors.CodeReceive, "Failed to receive scan event", op, err)
		}

		for _, m := range msgs {
			switch m.Header.Command {
			case unix.NL80211_CMD_SCAN_ABORTED:
				if c.eventMatchesInterface(m.Data, ifi) {
					return false, nil
				}
			case unix.NL80211_CMD_NEW_SCAN_RESULTS:
				if c.eventMatchesInterface(m.Data, ifi) {
					return true, nil
				}
			}
		}
	}
}

// eventMatchesInterface checks whether a scan event belongs to the
// target interface. Events without a decodable index are accepted;
// only a decoded, mismatching index filters the event out.
func (c *Client) eventMatchesInterface(data []byte, ifi *Interface) bool {
	table, err := ParseAttributes("scan_event", data)
	if err != nil {
		return true
	}
	index, err := table.Uint32(unix.NL80211_ATTR_IFINDEX)
	if err != nil {
		return true
	}
	return int(index) == ifi.Index
}

// fetchScanResults dumps the scan results for the interface and
// decodes each message. Undecodable records are skipped, not fatal.
func (c *Client) fetchScanResults(ctx context.Context, ifi *Interface) ([]Station, error) {
	const op = "get_scan"

	msgs, err := c.dump(ctx, unix.NL80211_CMD_GET_SCAN, op, ifi.encodeIndex)
	if err != nil {
		return nil, err
	}

	stations := make([]Station, 0, len(msgs))
	for _, m := range msgs {
		table, err := ParseAttributes(op, m.Data)
		if err != nil {
			c.logger.Debug("skipping undecodable scan message", "op", op, "error", err)
			continue
		}

		station, ok := decodeStation(table)
		if !ok {
			continue
		}
		stations = append(stations, station)
	}

	return stations, nil
}
