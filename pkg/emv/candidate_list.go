package emv

import (
	"fmt"
	"sort"

	"github.com/derskythe/emv-utils/pkg/bits"
)

// ApplicationEntry describes one payment application discovered on the card
// during candidate-list construction (via PSE or the AID-list probe), ready
// for presentation to the cardholder or automatic selection.
type ApplicationEntry struct {
	AID                  []byte
	Label                string
	PreferredName        string
	Priority             byte // 0 means "no priority"; otherwise 1-15.
	ConfirmationRequired bool
}

// DisplayName returns the preferred name when the card supplied one,
// falling back to the plain application label.
func (a ApplicationEntry) DisplayName() string {
	if a.PreferredName != "" {
		return a.PreferredName
	}
	return a.Label
}

// ParsePriorityIndicator splits a raw application priority indicator byte
// (tag 87) into its priority value and confirmation-required flag.
func ParsePriorityIndicator(raw byte) (priority byte, confirmationRequired bool) {
	return bits.GetRange(raw, 4, 1), bits.IsSet(raw, 8)
}

// CandidateList is the ordered sequence of application entries discovered
// for a card. It exclusively owns its entries until one is extracted via
// Remove, at which point ownership transfers to the caller.
type CandidateList struct {
	entries []ApplicationEntry
}

// Add appends a newly discovered application entry, preserving discovery
// order as the stable tiebreaker used by Sort.
func (c *CandidateList) Add(entry ApplicationEntry) {
	c.entries = append(c.entries, entry)
}

// Len reports the number of remaining candidates.
func (c *CandidateList) Len() int { return len(c.entries) }

// IsEmpty reports whether no candidates remain.
func (c *CandidateList) IsEmpty() bool { return len(c.entries) == 0 }

// Entries returns the current candidates in their present order. The
// returned slice must not be mutated by the caller.
func (c *CandidateList) Entries() []ApplicationEntry { return c.entries }

// priorityRank maps a priority byte to a sort key where 0 ("no priority")
// sorts after every numbered priority 1-15.
func priorityRank(priority byte) int {
	if priority == 0 {
		return 16
	}
	return int(priority)
}

// Sort orders entries so that priorities 1-15 come first in ascending
// order, followed by priority-0 entries, with discovery order preserved as
// the tiebreaker within each group.
func (c *CandidateList) Sort() {
	sort.SliceStable(c.entries, func(i, j int) bool {
		return priorityRank(c.entries[i].Priority) < priorityRank(c.entries[j].Priority)
	})
}

// SelectionRequired reports whether the cardholder must be asked to choose,
// per EMV 4.4 Book 1, 12.4: more than one candidate, or the single
// candidate's confirmation-required bit is set.
func (c *CandidateList) SelectionRequired() bool {
	if len(c.entries) > 1 {
		return true
	}
	if len(c.entries) == 1 {
		return c.entries[0].ConfirmationRequired
	}
	return false
}

// Remove extracts and returns the entry at index, transferring ownership to
// the caller. The remaining entries keep their relative order.
func (c *CandidateList) Remove(index int) (ApplicationEntry, error) {
	if index < 0 || index >= len(c.entries) {
		return ApplicationEntry{}, fmt.Errorf("candidate index %d out of range [0, %d)", index, len(c.entries))
	}
	entry := c.entries[index]
	c.entries = append(c.entries[:index], c.entries[index+1:]...)
	return entry, nil
}
