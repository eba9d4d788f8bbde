// Package atr decodes and validates the smart-card Answer-To-Reset byte
// stream under ISO/IEC 7816-3 and the EMV Level 1 Contact Interface
// Specification.
package atr

import (
	"errors"
	"fmt"

	"github.com/derskythe/emv-utils/pkg/bits"
)

// ConventionIndicator is the initial character TS, selecting how bits are
// read off the line.
type ConventionIndicator byte

const (
	DirectConvention  ConventionIndicator = 0x3B
	InverseConvention ConventionIndicator = 0x3F
)

// Protocol identifies a card/terminal transmission protocol as announced by
// a TDi byte. T=15 is not a transmission protocol; it only ever appears to
// carry global interface bytes (TA2/TB2) for a specific-mode card.
type Protocol int

const (
	ProtocolT0  Protocol = 0
	ProtocolT1  Protocol = 1
	ProtocolT15 Protocol = 15
)

// ErrorDetectionCode identifies the T=1 block error detection scheme named
// by the low bit of TC3.
type ErrorDetectionCode int

const (
	ErrorDetectionLRC ErrorDetectionCode = 0
	ErrorDetectionCRC ErrorDetectionCode = 1
)

// MinSize and MaxSize bound the total ATR byte count per ISO/IEC 7816-3.
const (
	MinSize = 2
	MaxSize = 33
)

// ErrInvalidATR is wrapped by every parse or validation failure, ISO or EMV
// layer alike; both are card-side faults a caller should treat the same way
// (session-terminating), per the EMV Level 1 Contact Interface rules this
// decoder enforces on top of the raw ISO 7816-3 structure.
var ErrInvalidATR = errors.New("invalid ATR")

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, ErrInvalidATR)...)
}

// optionalByte models a TAi/TBi/TCi/TDi interface byte that may or may not
// be present in a given ATR, without resorting to a nullable pointer into
// the raw buffer.
type optionalByte struct {
	Value   byte
	Present bool
}

func present(v byte) optionalByte { return optionalByte{Value: v, Present: true} }

// GlobalParams carries the interface parameters negotiated by TA1/TB1/TC1/
// TD1/TA2/TB2, defaulted per ISO/IEC 7816-3 section 8.1 until overridden by
// whichever of those bytes is actually present.
type GlobalParams struct {
	Fi   int     // Clock rate conversion factor
	Di   int     // Baud rate adjustment factor
	Fmax float64 // Maximum supported clock frequency, in MHz

	VppConnected bool // Whether Vpp is wired to contact C6 (deprecated since ISO 7816-3:2006)
	VppCourse    int  // Coarse Vpp from TB1, in mV
	Vpp          int  // Effective Vpp after any TB2 override, in mV
	Ipp          int  // Maximum Vpp current, in mA

	N  int // Extra guard time parameter from TC1 (0xFF is protocol-specific)
	GT int // Guard time, in ETU

	Protocol Protocol // Preferred protocol, from TD1

	SpecificMode          bool // TA2 present: specific mode rather than negotiable
	SpecificModeProtocol  Protocol
	ETUImplicit           bool // TA2: ETU duration implicitly known to the reader
	SpecificModeMayChange bool // TA2: mode may change on a subsequent (warm) reset
}

// ProtocolT1Params carries the parameters specific to protocol T=1, derived
// from TA3/TB3/TC3 when T=1 is the active protocol.
type ProtocolT1Params struct {
	IFSI byte // Information Field Size for the ICC, raw TA3 value
	CWI  byte // Character Waiting time Integer, low nibble of TB3
	BWI  byte // Block Waiting time Integer, high nibble of TB3
	CWT  int  // Character Waiting Time = 2^CWI + 11, in ETU
	BWT  int  // Block Waiting Time = 2^BWI * 960 + 11, in ETU

	ErrorDetectionCode ErrorDetectionCode
}

// StatusIndicator is the optional 3-byte card life cycle / status trailer
// carried in COMPACT-TLV historical bytes (category indicator T1 = 0x00).
type StatusIndicator struct {
	LCS byte // Life Cycle Status
	SW1 byte
	SW2 byte
}

// Info is the fully decoded and validated ATR.
type Info struct {
	Raw []byte

	TS ConventionIndicator
	T0 byte

	// TA, TB, TC, TD are indexed 1..4 (index 0 is unused) mirroring the
	// ISO 7816-3 Ti naming; each entry reports whether that interface byte
	// was present in this ATR.
	TA, TB, TC, TD [5]optionalByte

	HistoricalCategory byte // T1, the category indicator of the historical bytes
	Historical         []byte
	StatusIndicator    *StatusIndicator

	TCK optionalByte

	Global  GlobalParams
	ProtoT1 ProtocolT1Params
}

// Parse decodes raw into an Info, applying both the ISO/IEC 7816-3
// structural rules and the additional EMV Level 1 Contact Interface
// validation layered on top of them. Any failure, structural or EMV-layer,
// wraps ErrInvalidATR: the distinction does not change how a caller should
// react (the card is rejected either way).
func Parse(raw []byte) (*Info, error) {
	info, err := parseISO(raw)
	if err != nil {
		return nil, err
	}
	if err := validateEMV(info); err != nil {
		return nil, err
	}
	return info, nil
}

func parseISO(raw []byte) (*Info, error) {
	if len(raw) < MinSize || len(raw) > MaxSize {
		return nil, invalid("ATR length %d outside [%d, %d]", len(raw), MinSize, MaxSize)
	}

	info := &Info{Raw: append([]byte(nil), raw...)}
	populateDefaults(info)

	info.TS = ConventionIndicator(raw[0])
	if info.TS != DirectConvention && info.TS != InverseConvention {
		return nil, invalid("unknown convention indicator TS=0x%02X", raw[0])
	}

	info.T0 = raw[1]
	kCount := int(raw[1] & 0x0F)

	idx := 1
	tckMandatory := false

	for i := 1; i <= 4; i++ {
		if idx >= len(raw) {
			return nil, invalid("truncated ATR while reading Y%d", i)
		}
		yi := raw[idx]
		idx++

		if bits.IsSet(yi, 5) { // TAi present
			if idx >= len(raw) {
				return nil, invalid("truncated ATR while reading TA%d", i)
			}
			b := raw[idx]
			idx++
			info.TA[i] = present(b)
			switch i {
			case 1:
				parseTA1(b, info)
			case 2:
				parseTA2(b, info)
			}
		}
		if bits.IsSet(yi, 6) { // TBi present
			if idx >= len(raw) {
				return nil, invalid("truncated ATR while reading TB%d", i)
			}
			b := raw[idx]
			idx++
			info.TB[i] = present(b)
			switch i {
			case 1:
				if err := parseTB1(b, info); err != nil {
					return nil, err
				}
			case 2:
				if err := parseTB2(b, info); err != nil {
					return nil, err
				}
			}
		}
		if bits.IsSet(yi, 7) { // TCi present
			if idx >= len(raw) {
				return nil, invalid("truncated ATR while reading TC%d", i)
			}
			b := raw[idx]
			idx++
			info.TC[i] = present(b)
			if i == 1 {
				parseTC1(b, info)
			}
		}
		if bits.IsSet(yi, 8) { // TDi present
			if idx >= len(raw) {
				return nil, invalid("truncated ATR while reading TD%d", i)
			}
			b := raw[idx]
			info.TD[i] = present(b)
			if i == 1 {
				if err := parseTD1(b, info); err != nil {
					return nil, err
				}
			}

			protocol := Protocol(b & 0x0F)
			if protocol != ProtocolT0 && protocol != ProtocolT15 {
				tckMandatory = true
			}
		} else {
			break
		}
	}

	if idx+kCount > len(raw) {
		return nil, invalid("insufficient bytes for %d historical bytes", kCount)
	}

	if kCount > 0 {
		info.HistoricalCategory = raw[idx]
		idx++
		payloadStart := idx
		switch info.HistoricalCategory {
		case 0x00:
			if kCount-1 < 3 {
				return nil, invalid("COMPACT-TLV historical bytes too short for status indicator")
			}
			idx += kCount - 1 - 3
			info.StatusIndicator = &StatusIndicator{
				LCS: raw[idx],
				SW1: raw[idx+1],
				SW2: raw[idx+2],
			}
			idx += 3
		default:
			idx += kCount - 1
		}
		info.Historical = append([]byte(nil), raw[payloadStart:idx]...)
	}

	if tckMandatory {
		if idx >= len(raw) {
			return nil, invalid("TCK required but missing")
		}
		tck := raw[idx]
		idx++
		info.TCK = present(tck)

		var verify byte
		for i := 1; i < idx; i++ {
			verify ^= raw[i]
		}
		if verify != 0 {
			return nil, invalid("TCK checksum mismatch")
		}
	}

	return info, nil
}

func populateDefaults(info *Info) {
	// ISO/IEC 7816-3 default parameters: Fmax=5MHz, Fi/Di=372/1, Ipp=50mA,
	// Vpp=5V, GT=12 ETU, preferred protocol T=0.
	parseTA1(0x11, info)
	_ = parseTB1(0x25, info)
	parseTC1(0x00, info)
	_ = parseTD1(0x00, info)
}

func parseTA1(ta1 byte, info *Info) {
	di := ta1 & 0x0F
	fi := ta1 & 0xF0

	switch di {
	case 0x01:
		info.Global.Di = 1
	case 0x02:
		info.Global.Di = 2
	case 0x03:
		info.Global.Di = 4
	case 0x04:
		info.Global.Di = 8
	case 0x05:
		info.Global.Di = 16
	case 0x06:
		info.Global.Di = 32
	case 0x07:
		info.Global.Di = 64
	case 0x08:
		info.Global.Di = 12
	case 0x09:
		info.Global.Di = 20
	}

	switch fi {
	case 0x00:
		info.Global.Fi, info.Global.Fmax = 372, 4
	case 0x10:
		info.Global.Fi, info.Global.Fmax = 372, 5
	case 0x20:
		info.Global.Fi, info.Global.Fmax = 558, 6
	case 0x30:
		info.Global.Fi, info.Global.Fmax = 744, 8
	case 0x40:
		info.Global.Fi, info.Global.Fmax = 1116, 12
	case 0x50:
		info.Global.Fi, info.Global.Fmax = 1488, 16
	case 0x60:
		info.Global.Fi, info.Global.Fmax = 1860, 20
	case 0x90:
		info.Global.Fi, info.Global.Fmax = 512, 5
	case 0xA0:
		info.Global.Fi, info.Global.Fmax = 768, 7.5
	case 0xB0:
		info.Global.Fi, info.Global.Fmax = 1024, 10
	case 0xC0:
		info.Global.Fi, info.Global.Fmax = 1536, 15
	case 0xD0:
		info.Global.Fi, info.Global.Fmax = 2048, 20
	}
}

func parseTB1(tb1 byte, info *Info) error {
	if tb1 == 0x00 {
		info.Global.VppConnected = false
		return nil
	}
	info.Global.VppConnected = true

	pi1 := tb1 & 0x1F
	ii := tb1 & 0x60

	if pi1 < 5 || pi1 > 25 {
		return invalid("TB1 PI1=%d out of range [5, 25]", pi1)
	}
	info.Global.VppCourse = int(pi1) * 1000
	info.Global.Vpp = info.Global.VppCourse

	switch ii {
	case 0x00:
		info.Global.Ipp = 25
	case 0x20:
		info.Global.Ipp = 50
	case 0x40:
		info.Global.Ipp = 100
	default:
		return invalid("TB1 II=0x%02X invalid", ii)
	}
	return nil
}

func parseTC1(tc1 byte, info *Info) {
	info.Global.N = int(tc1)
	if tc1 != 0xFF {
		// GT = 12 ETU + N x 1 ETU for T=15 absent; simplified from
		// GT = 12 ETU + F/D x N/f using 1 ETU = F/D x 1/f.
		info.Global.GT = 12 + int(tc1)
	}
	// N=0xFF is protocol-specific; GT is finalised once TD1 is known.
}

func parseTD1(td1 byte, info *Info) error {
	t := Protocol(td1 & 0x0F)
	if t != ProtocolT0 && t != ProtocolT1 {
		return invalid("TD1 announces unsupported protocol T=%d", t)
	}
	info.Global.Protocol = t

	if info.Global.N == 0xFF {
		if t == ProtocolT0 {
			info.Global.GT = 12
		}
		if t == ProtocolT1 {
			info.Global.GT = 11
		}
	}
	return nil
}

func parseTA2(ta2 byte, info *Info) {
	info.Global.SpecificMode = true
	info.Global.SpecificModeProtocol = Protocol(ta2 & 0x0F)
	info.Global.ETUImplicit = ta2&0x10 != 0
	info.Global.SpecificModeMayChange = ta2&0x80 != 0
}

func parseTB2(tb2 byte, info *Info) error {
	if !info.Global.VppConnected {
		return invalid("TB2 present but TB1 does not connect Vpp")
	}
	if tb2 < 50 || tb2 > 250 {
		return invalid("TB2 PI2=%d out of range [50, 250]", tb2)
	}
	info.Global.Vpp = int(tb2) * 100
	return nil
}

// validateEMV applies the EMV Level 1 Contact Interface rules layered on
// top of the bare ISO/IEC 7816-3 structure already checked by parseISO.
func validateEMV(info *Info) error {
	td1Protocol := info.Global.Protocol
	var td2Protocol Protocol
	td2Present := info.TD[2].Present
	if td2Present {
		td2Protocol = Protocol(info.TD[2].Value & 0x0F)
	}

	if info.TA[1].Present {
		ta1 := info.TA[1].Value
		if info.TA[2].Present && info.TA[2].Value&0x10 == 0 { // specific mode
			if ta1 < 0x11 || ta1 > 0x13 {
				return invalid("TA2 indicates specific mode but TA1=0x%02X is invalid", ta1)
			}
		}
		if !info.TA[2].Present { // negotiable mode
			if ta1&0xF0 == 0 {
				return invalid("negotiable mode requires TA1 fmax nibble != 0")
			}
			if ta1&0x0F < 3 {
				return invalid("negotiable mode requires TA1 Di nibble >= 3")
			}
		}
	}

	if info.TC[1].Present {
		tc1 := info.TC[1].Value
		if tc1 != 0x00 && tc1 != 0xFF {
			return invalid("TC1=0x%02X must be 0x00 or 0xFF", tc1)
		}
	}

	if info.TA[2].Present {
		taProtocol := Protocol(info.TA[2].Value & 0x0F)
		if taProtocol != td1Protocol {
			return invalid("TA2 protocol T=%d differs from TD1 protocol T=%d", taProtocol, td1Protocol)
		}
		if info.TA[2].Value&0x10 != 0 {
			return invalid("TA2 must not indicate implicit mode")
		}
	}

	if info.TC[2].Present {
		if td1Protocol != ProtocolT0 {
			return invalid("TC2 is only allowed for protocol T=0")
		}
		if info.TC[2].Value != 0x0A {
			return invalid("TC2=0x%02X must be 0x0A for T=0", info.TC[2].Value)
		}
	}

	if td2Present {
		if td1Protocol == ProtocolT0 && td2Protocol != ProtocolT15 {
			return invalid("TD2 must announce T=15 when TD1 announces T=0")
		}
		if td1Protocol == ProtocolT1 && td2Protocol != ProtocolT1 {
			return invalid("TD2 must announce T=1 when TD1 announces T=1")
		}
	} else if td1Protocol == ProtocolT1 {
		return invalid("TD2 is required when TD1 announces T=1")
	}

	if td2Present && td2Protocol == ProtocolT1 {
		if info.TA[3].Present && info.TA[3].Value < 0x10 {
			return invalid("TA3=0x%02X must be >= 0x10 for T=1", info.TA[3].Value)
		}

		if !info.TB[3].Present {
			return invalid("TB3 is required for T=1")
		}
		tb3 := info.TB[3].Value
		bwi := bits.GetRange(tb3, 8, 5)
		cwi := bits.GetRange(tb3, 4, 1)
		if bwi > 4 {
			return invalid("TB3 BWI=%d must be <= 4 for T=1", bwi)
		}
		if cwi > 5 {
			return invalid("TB3 CWI=%d must be <= 5 for T=1", cwi)
		}

		n := info.Global.N
		effectiveN := n
		if n == 0xFF {
			effectiveN = -1
		}
		effectiveCWI := cwi
		if n == 0 {
			effectiveCWI = 1
		}
		if (1 << effectiveCWI) < effectiveN+1 {
			return invalid("2^CWI=%d < N+1=%d for T=1", 1<<effectiveCWI, effectiveN+1)
		}

		if info.TC[3].Present && info.TC[3].Value != 0x00 {
			return invalid("TC3=0x%02X must be 0x00 for T=1", info.TC[3].Value)
		}

		populateProtocolT1Params(info, cwi, bwi)
	}

	return nil
}

func populateProtocolT1Params(info *Info, cwi, bwi byte) {
	info.ProtoT1.CWI = cwi
	info.ProtoT1.BWI = bwi
	info.ProtoT1.CWT = (1 << cwi) + 11
	info.ProtoT1.BWT = (1<<bwi)*960 + 11

	if info.TA[3].Present {
		info.ProtoT1.IFSI = info.TA[3].Value
	}

	info.ProtoT1.ErrorDetectionCode = ErrorDetectionLRC
	if info.TC[3].Present && info.TC[3].Value&0x01 != 0 {
		info.ProtoT1.ErrorDetectionCode = ErrorDetectionCRC
	}
}
