package nl80211

import (
	"math"
	"net"
	"unicode/utf8"

	"golang.org/x/sys/unix"
)

// ieSSID is the information element id that carries the network name.
const ieSSID = 0

// Signal band used to normalize dBm readings into a quality score.
// Readings outside the band saturate at 0 or 100.
const (
	signalFloorDBM   = -100.0
	signalCeilingDBM = -40.0
)

// Station is one observed network from a scan: the decoded SSID and a
// normalized signal quality. SSID is always valid non-empty UTF-8.
type Station struct {
	SSID      string           `json:"ssid"`
	BSSID     net.HardwareAddr `json:"bssid,omitempty"`
	Frequency uint32           `json:"frequency,omitempty"`
	SignalMBM int32            `json:"signal_mbm"`
	Quality   uint8            `json:"quality"`
}

// QualityFromSignal converts a signal strength in hundredths of a dBm
// into a 0-100 quality score. The reading is clamped into the
// [-100, -40] dBm band and rescaled linearly, so the mapping is
// monotonically non-decreasing and -40 dBm or better is 100 while
// -100 dBm or worse is 0.
func QualityFromSignal(mbm int32) uint8 {
	dbm := float64(mbm) / 100.0

	if dbm < signalFloorDBM {
		dbm = signalFloorDBM
	}
	if dbm > signalCeilingDBM {
		dbm = signalCeilingDBM
	}

	quality := math.Round(100.0 - 100.0*math.Abs(dbm-signalCeilingDBM)/(signalCeilingDBM-signalFloorDBM))

	if quality < 0 {
		quality = 0
	}
	if quality > 100 {
		quality = 100
	}

	return uint8(quality)
}

// ssidFromIEs walks an information-element TLV blob and returns the
// payload of the first SSID element. The walk reads a 1-byte element
// id, a 1-byte length and that many data bytes, and stops cleanly
// when the cursor is exhausted or a declared length overruns the
// remaining buffer.
func ssidFromIEs(b []byte) ([]byte, bool) {
	var i int
	for len(b[i:]) >= 2 {
		id := b[i]
		length := int(b[i+1])
		i += 2

		if length > len(b[i:]) {
			// Truncated element; treat the rest as garbage.
			return nil, false
		}

		if id == ieSSID {
			return b[i : i+length], true
		}
		i += length
	}

	return nil, false
}

// decodeStation parses one GET_SCAN dump message into a Station.
// A record without a nested BSS group, a signal reading, an
// information-elements blob or a decodable non-empty UTF-8 SSID is
// dropped rather than reported.
func decodeStation(table *AttributeTable) (Station, bool) {
	bss, err := table.Nested(unix.NL80211_ATTR_BSS)
	if err != nil {
		return Station{}, false
	}

	signal, err := bss.Int32(unix.NL80211_BSS_SIGNAL_MBM)
	if err != nil {
		return Station{}, false
	}

	ies, err := bss.Bytes(unix.NL80211_BSS_INFORMATION_ELEMENTS)
	if err != nil {
		return Station{}, false
	}

	ssid, ok := ssidFromIEs(ies)
	if !ok || len(ssid) == 0 || !utf8.Valid(ssid) {
		return Station{}, false
	}

	station := Station{
		SSID:      string(ssid),
		SignalMBM: signal,
		Quality:   QualityFromSignal(signal),
	}

	if bssid, err := bss.MAC(unix.NL80211_BSS_BSSID); err == nil {
		station.BSSID = bssid
	}
	if freq, err := bss.Uint32(unix.NL80211_BSS_FREQUENCY); err == nil {
		station.Frequency = freq
	}

	return station, true
}
