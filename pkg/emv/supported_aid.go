package emv

import (
	"bytes"
	"fmt"
)

// ApplicationSelectionIndicator distinguishes how a terminal-configured AID
// is matched against an AID offered by the card.
type ApplicationSelectionIndicator int

const (
	// ASIExact requires the card AID to equal the terminal AID byte for byte.
	ASIExact ApplicationSelectionIndicator = iota
	// ASIPartial requires the terminal AID to be a byte-prefix of the card AID,
	// allowing the terminal entry to match several card applications sharing
	// a registered-application-provider prefix.
	ASIPartial
)

const (
	minAIDLen = 5
	maxAIDLen = 16
)

// SupportedAID is a single entry of the terminal's configured AID list
// (field 9F06), populated once at terminal configuration and read-only for
// the lifetime of a Session.
type SupportedAID struct {
	AID []byte
	ASI ApplicationSelectionIndicator
}

// NewSupportedAID validates and constructs a SupportedAID entry.
func NewSupportedAID(aid []byte, asi ApplicationSelectionIndicator) (SupportedAID, error) {
	if len(aid) < minAIDLen || len(aid) > maxAIDLen {
		return SupportedAID{}, fmt.Errorf("AID length %d outside [%d, %d]", len(aid), minAIDLen, maxAIDLen)
	}
	return SupportedAID{AID: append([]byte(nil), aid...), ASI: asi}, nil
}

// Matches reports whether cardAID satisfies this entry's selection rule.
func (s SupportedAID) Matches(cardAID []byte) bool {
	switch s.ASI {
	case ASIExact:
		return bytes.Equal(s.AID, cardAID)
	case ASIPartial:
		return len(cardAID) >= len(s.AID) && bytes.Equal(s.AID, cardAID[:len(s.AID)])
	default:
		return false
	}
}
