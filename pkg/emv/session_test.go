package emv

import (
	"errors"
	"testing"

	emvutils "github.com/derskythe/emv-utils"
	"github.com/derskythe/emv-utils/pkg/iso7816"
	"github.com/derskythe/emv-utils/pkg/tlv"
	"github.com/stretchr/testify/require"
)

func newTestSession(t *testing.T, card iso7816.Transmitter, supported []SupportedAID) *Session {
	t.Helper()
	client := iso7816.NewClient(card)
	return NewSession(client, testClass(t), WithSupportedAIDs(supported))
}

// Scenario 1: PSE select fails with 6A81 on the very first command of the
// session. Outcome: CardBlocked.
func TestSession_Scenario1_PSEBlockedOnFirstCommand(t *testing.T) {
	card := &scriptedCard{responses: [][]byte{
		withStatus(nil, iso7816.SW_ERR_FUNC_NOT_SUPPORTED),
	}}
	session := newTestSession(t, card, supportedVisaAIDs(t))

	_, err := session.BuildCandidateList()
	require.Error(t, err)

	var outcome *SessionOutcome
	require.True(t, errors.As(err, &outcome))
	require.Equal(t, OutcomeCardBlocked, outcome.Kind)
	require.True(t, errors.Is(err, emvutils.ErrCardBlocked))
	require.Equal(t, StateTerminated, session.State())
}

// Scenario 2: no PSE, no AIDs found. Outcome: NotAccepted.
func TestSession_Scenario2_NoPSENoAIDs(t *testing.T) {
	card := &scriptedCard{responses: [][]byte{
		withStatus(nil, iso7816.SW_ERR_FILE_NOT_FOUND), // PSE: 6A82
		withStatus(nil, iso7816.SW_ERR_FILE_NOT_FOUND), // AID probe: 6A82
	}}
	session := newTestSession(t, card, supportedVisaAIDs(t))

	_, err := session.BuildCandidateList()
	require.Error(t, err)

	var outcome *SessionOutcome
	require.True(t, errors.As(err, &outcome))
	require.Equal(t, OutcomeNotAccepted, outcome.Kind)
	require.Equal(t, StateNotAccepted, session.State())
}

// Scenario 3: PSE with one application. Candidate list length 1, priority
// 1, selection not required.
func TestSession_Scenario3_PSEOneApp(t *testing.T) {
	pseFCI := tlv.Hex("6F 05", "A5 03", "88 01 01")
	aef := tlv.Hex(
		"70 14",
		"61 12",
		"4F 07 A0000000031010",
		"50 04 56495341",
		"87 01 01",
	)
	card := &scriptedCard{responses: [][]byte{
		withStatus(pseFCI, iso7816.SW_NO_ERROR),
		withStatus(aef, iso7816.SW_NO_ERROR),
		withStatus(nil, iso7816.SW_ERR_RECORD_NOT_FOUND),
	}}
	session := newTestSession(t, card, supportedVisaAIDs(t))

	list, err := session.BuildCandidateList()
	require.NoError(t, err)
	require.Equal(t, 1, list.Len())
	require.Equal(t, byte(1), list.Entries()[0].Priority)
	require.False(t, list.SelectionRequired())
	require.Equal(t, StateCandidateListBuilt, session.State())
}

// Scenario 4: PSE with two apps in one record, selection required, sorted
// by ascending priority.
func TestSession_Scenario4_PSETwoAppsSelectionRequired(t *testing.T) {
	exact1, err := NewSupportedAID(tlv.Hex("A0000000032010"), ASIExact)
	require.NoError(t, err)
	exact2, err := NewSupportedAID(tlv.Hex("A0000000032020"), ASIExact)
	require.NoError(t, err)

	pseFCI := tlv.Hex("6F 05", "A5 03", "88 01 01")
	aef := tlv.Hex(
		"70 28",
		"61 12",
		"4F 07 A0000000032020",
		"50 04 56495341",
		"87 01 01",
		"61 12",
		"4F 07 A0000000032010",
		"50 04 56495341",
		"87 01 02",
	)
	card := &scriptedCard{responses: [][]byte{
		withStatus(pseFCI, iso7816.SW_NO_ERROR),
		withStatus(aef, iso7816.SW_NO_ERROR),
		withStatus(nil, iso7816.SW_ERR_RECORD_NOT_FOUND),
	}}
	session := newTestSession(t, card, []SupportedAID{exact1, exact2})

	list, err := session.BuildCandidateList()
	require.NoError(t, err)
	require.Equal(t, 2, list.Len())
	require.True(t, list.SelectionRequired())
	require.Equal(t, "A0000000032020", hexAID(list.Entries()[0].AID))
	require.Equal(t, "A0000000032010", hexAID(list.Entries()[1].AID))
}

func hexAID(aid []byte) string {
	const hextable = "0123456789ABCDEF"
	out := make([]byte, len(aid)*2)
	for i, c := range aid {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0x0F]
	}
	return string(out)
}

// Scenario 7: PSE deactivated (62 83) falls back to the list-of-AIDs probe,
// whose single SELECT answers 9000 with an FCI, yielding one candidate.
func TestSession_Scenario7_PSEDeactivatedThenAIDProbe(t *testing.T) {
	card := &scriptedCard{responses: [][]byte{
		withStatus(nil, iso7816.SW_WARN_FILE_DEACTIVATED), // PSE: 6283 -> PseBlocked
		func() []byte {
			fci := tlv.Hex("6F 0B", "84 07 A0000000031010", "A5 00")
			return withStatus(fci, iso7816.SW_NO_ERROR)
		}(),
	}}
	session := newTestSession(t, card, supportedVisaAIDs(t))

	list, err := session.BuildCandidateList()
	require.NoError(t, err)
	require.Equal(t, 1, list.Len())
}

func TestSession_Select_SuccessTransitionsToApplicationSelected(t *testing.T) {
	pseFCI := tlv.Hex("6F 05", "A5 03", "88 01 01")
	aef := tlv.Hex(
		"70 14",
		"61 12",
		"4F 07 A0000000031010",
		"50 04 56495341",
		"87 01 01",
	)
	selectFCI := tlv.Hex("6F 10", "84 07 A0000000031010", "A5 05", "50 03 564953")

	card := &scriptedCard{responses: [][]byte{
		withStatus(pseFCI, iso7816.SW_NO_ERROR),
		withStatus(aef, iso7816.SW_NO_ERROR),
		withStatus(nil, iso7816.SW_ERR_RECORD_NOT_FOUND),
		withStatus(selectFCI, iso7816.SW_NO_ERROR),
	}}
	session := newTestSession(t, card, supportedVisaAIDs(t))

	_, err := session.BuildCandidateList()
	require.NoError(t, err)

	selected, err := session.Select(0)
	require.NoError(t, err)
	require.Equal(t, "VIS", selected.Label)
	require.Equal(t, StateApplicationSelected, session.State())
}

func TestSession_Select_TryAgainWhenCandidatesRemain(t *testing.T) {
	exact1, err := NewSupportedAID(tlv.Hex("A0000000032010"), ASIExact)
	require.NoError(t, err)
	exact2, err := NewSupportedAID(tlv.Hex("A0000000032020"), ASIExact)
	require.NoError(t, err)

	card := &scriptedCard{responses: [][]byte{
		withStatus(nil, iso7816.SW_WARN_FILE_DEACTIVATED), // selection attempt: 6283 blocked
	}}
	session := newTestSession(t, card, []SupportedAID{exact1, exact2})
	session.Candidates = &CandidateList{}
	session.Candidates.Add(ApplicationEntry{AID: tlv.Hex("A0000000032010"), Priority: 1})
	session.Candidates.Add(ApplicationEntry{AID: tlv.Hex("A0000000032020"), Priority: 2})
	session.state = StateCandidateListBuilt

	_, err = session.Select(0)
	require.Error(t, err)

	var tryAgain *TryAgainError
	require.True(t, errors.As(err, &tryAgain))
	require.Equal(t, TalResultAppBlocked, tryAgain.Result)
	require.Equal(t, StateCandidateListBuilt, session.State())
	require.Equal(t, 1, session.Candidates.Len())
}

func TestSession_Select_NotAcceptedWhenLastCandidateFails(t *testing.T) {
	exact, err := NewSupportedAID(tlv.Hex("A0000000032010"), ASIExact)
	require.NoError(t, err)

	card := &scriptedCard{responses: [][]byte{
		withStatus(nil, iso7816.SW_ERR_FILE_NOT_FOUND), // 6A82, AppNotFound
	}}
	session := newTestSession(t, card, []SupportedAID{exact})
	session.Candidates = &CandidateList{}
	session.Candidates.Add(ApplicationEntry{AID: tlv.Hex("A0000000032010"), Priority: 1})
	session.state = StateCandidateListBuilt

	_, err = session.Select(0)
	require.Error(t, err)

	var outcome *SessionOutcome
	require.True(t, errors.As(err, &outcome))
	require.Equal(t, OutcomeNotAccepted, outcome.Kind)
	require.Equal(t, StateNotAccepted, session.State())
}
