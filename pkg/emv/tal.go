package emv

import (
	"fmt"

	"github.com/derskythe/emv-utils/pkg/iso7816"
)

// TERMINAL APPLICATION LAYER (TAL):
// Reads the Payment System Environment (PSE) directory, falls back to a
// list-of-AIDs probe when PSE is unavailable or empty, and selects a single
// application, classifying every status word the card can answer with into
// either a continuable TalResult or a session-fatal TalError.
//
// The two bands are deliberately distinct Go types rather than one integer
// with a sign convention: a TalResult is an expected branch of control flow
// (try the AID list next, skip this AID, mark this application blocked),
// while a TalError is always session-terminating and implements error so it
// composes with the rest of the module's %w-wrapping idiom.

const (
	pseDFName = "1PAY.SYS.DDF01"

	// maxPSERecords bounds READ RECORD iteration on the PSE SFI. A card
	// that never answers 6A83 cannot wedge discovery indefinitely.
	maxPSERecords = 16

	// maxPartialAIDOccurrences bounds the SELECT P2=next-occurrence loop
	// used to enumerate every card application sharing a partial AID
	// prefix, for the same reason as maxPSERecords.
	maxPartialAIDOccurrences = 16
)

// TalErrorKind classifies the session-fatal band of TAL outcomes.
type TalErrorKind int

const (
	TalErrorInternal TalErrorKind = iota
	TalErrorInvalidParameter
	TalErrorTTLFailure
	TalErrorCardBlocked
)

func (k TalErrorKind) String() string {
	switch k {
	case TalErrorInternal:
		return "internal"
	case TalErrorInvalidParameter:
		return "invalid parameter"
	case TalErrorTTLFailure:
		return "transport failure"
	case TalErrorCardBlocked:
		return "card blocked"
	default:
		return "unknown"
	}
}

// TalError is the session-fatal error band: a bug, a transport failure, or
// a card that announced it will not proceed with any application. It always
// terminates the session; the orchestrator maps it to a SessionOutcome.
type TalError struct {
	Kind TalErrorKind
	Err  error
}

func (e *TalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tal: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("tal: %s", e.Kind)
}

func (e *TalError) Unwrap() error { return e.Err }

func newTalError(kind TalErrorKind, cause error) *TalError {
	return &TalError{Kind: kind, Err: cause}
}

// TalResult is the continuable result band: a plain comparable value, not
// an error, since reaching one of these is an ordinary outcome of talking
// to a payment card, not a fault.
type TalResult int

const (
	// TalResultNone means the operation completed without a special result
	// worth reporting up; the caller proceeds with whatever it produced.
	TalResultNone TalResult = iota
	TalResultPseNotFound
	TalResultPseBlocked
	TalResultPseSelectFailed
	TalResultPseFCIParseFailed
	TalResultPseSFINotFound
	TalResultAEFParseFailed
	TalResultAppNotFound
	TalResultAppBlocked
	TalResultAppSelectionFailed
	TalResultAppFCIParseFailed
)

func (r TalResult) String() string {
	switch r {
	case TalResultNone:
		return "none"
	case TalResultPseNotFound:
		return "PSE not found"
	case TalResultPseBlocked:
		return "PSE blocked"
	case TalResultPseSelectFailed:
		return "PSE select failed"
	case TalResultPseFCIParseFailed:
		return "PSE FCI parse failed"
	case TalResultPseSFINotFound:
		return "PSE SFI not found"
	case TalResultAEFParseFailed:
		return "AEF parse failed"
	case TalResultAppNotFound:
		return "application not found"
	case TalResultAppBlocked:
		return "application blocked"
	case TalResultAppSelectionFailed:
		return "application selection failed"
	case TalResultAppFCIParseFailed:
		return "application FCI parse failed"
	default:
		return "unknown"
	}
}

// ReadPSE selects the Payment System Environment directory and, on success,
// reads every record on its SFI, collecting candidate entries that match
// one of the terminal's supported AIDs. firstCommand must point at a flag
// tracking whether this is the first command sent to the card this
// session; ReadPSE clears it before sending the PSE SELECT.
func ReadPSE(client *iso7816.Client, cla iso7816.Class, supported []SupportedAID, firstCommand *bool) (*CandidateList, TalResult, error) {
	wasFirst := *firstCommand
	*firstCommand = false

	trace, err := client.Send(iso7816.SelectByAID(cla, []byte(pseDFName)))
	if err != nil {
		return nil, TalResultNone, newTalError(TalErrorTTLFailure, err)
	}

	switch trace.Last().Response.Status {
	case iso7816.SW_NO_ERROR:
		// fall through to FCI processing below
	case iso7816.SW_ERR_FUNC_NOT_SUPPORTED: // 6A81
		if wasFirst {
			return nil, TalResultNone, newTalError(TalErrorCardBlocked, nil)
		}
		return nil, TalResultPseNotFound, nil
	case iso7816.SW_ERR_FILE_NOT_FOUND: // 6A82
		return nil, TalResultPseNotFound, nil
	case iso7816.SW_WARN_FILE_DEACTIVATED: // 6283
		return nil, TalResultPseBlocked, nil
	default:
		return nil, TalResultPseSelectFailed, nil
	}

	fci, err := ParseFCI(trace.Last().Response.Data)
	if err != nil {
		return nil, TalResultPseFCIParseFailed, nil
	}
	if len(fci.ProprietaryTemplate.SFI) == 0 {
		return nil, TalResultPseSFINotFound, nil
	}
	sfi := fci.ProprietaryTemplate.SFI[0]
	if sfi < 1 || sfi > 30 {
		return nil, TalResultPseSFINotFound, nil
	}

	list := &CandidateList{}
	for recNum := byte(1); recNum <= maxPSERecords; recNum++ {
		trace, err := client.Send(iso7816.ReadRecord(cla, sfi, recNum))
		if err != nil {
			return list, TalResultNone, newTalError(TalErrorTTLFailure, err)
		}
		sw := trace.Last().Response.Status
		if sw == iso7816.SW_ERR_RECORD_NOT_FOUND {
			break
		}
		if sw != iso7816.SW_NO_ERROR {
			// Record-level failure: logged-and-skipped, does not abort PSE processing.
			continue
		}

		record, err := ParseDirectoryRecord(trace.Last().Response.Data)
		if err != nil {
			// Malformed record: skipped, same as above.
			continue
		}
		for _, app := range record.Applications {
			if entry, ok := applicationEntryFromTemplate(app, supported); ok {
				list.Add(entry)
			}
		}
	}

	if list.IsEmpty() {
		return list, TalResultPseNotFound, nil
	}
	return list, TalResultNone, nil
}

// DiscoverByAIDList iterates the terminal's supported AIDs in order,
// selecting each and, for partial entries, enumerating every card
// application sharing the AID prefix via repeated next-occurrence SELECTs.
func DiscoverByAIDList(client *iso7816.Client, cla iso7816.Class, supported []SupportedAID, firstCommand *bool) (*CandidateList, error) {
	list := &CandidateList{}

	for _, s := range supported {
		wasFirst := *firstCommand
		*firstCommand = false

		trace, err := client.Send(iso7816.SelectByAID(cla, s.AID))
		if err != nil {
			return list, newTalError(TalErrorTTLFailure, err)
		}

		switch trace.Last().Response.Status {
		case iso7816.SW_NO_ERROR:
			if entry, ok := applicationEntryFromFCIData(trace.Last().Response.Data); ok {
				list.Add(entry)
			}
			if s.ASI == ASIPartial {
				if err := discoverPartialOccurrences(client, cla, s, list); err != nil {
					return list, err
				}
			}
		case iso7816.SW_ERR_FILE_NOT_FOUND: // 6A82
			continue
		case iso7816.SW_ERR_FUNC_NOT_SUPPORTED: // 6A81
			if wasFirst {
				return list, newTalError(TalErrorCardBlocked, nil)
			}
			continue
		case iso7816.SW_WARN_FILE_DEACTIVATED: // 6283, application blocked: skipped; no AppBlocked result is reported to the caller
			continue
		default:
			continue
		}
	}

	return list, nil
}

// discoverPartialOccurrences enumerates every occurrence of a partial AID
// beyond the first via repeated SELECT P2=next-occurrence, bounded by
// maxPartialAIDOccurrences.
func discoverPartialOccurrences(client *iso7816.Client, cla iso7816.Class, s SupportedAID, list *CandidateList) error {
	cmd := iso7816.NewSelectCommand(cla, iso7816.SelectByDFName, iso7816.NextOccurrence, iso7816.ReturnFCI, s.AID)

	for i := 0; i < maxPartialAIDOccurrences; i++ {
		trace, err := client.Send(cmd)
		if err != nil {
			return newTalError(TalErrorTTLFailure, err)
		}

		switch trace.Last().Response.Status {
		case iso7816.SW_NO_ERROR:
			if entry, ok := applicationEntryFromFCIData(trace.Last().Response.Data); ok {
				list.Add(entry)
			}
		case iso7816.SW_WARN_FILE_DEACTIVATED: // 6283, AppBlocked: move on to the next occurrence
		case iso7816.SW_ERR_FILE_NOT_FOUND: // 6A82, enumeration exhausted
			return nil
		default:
			return nil
		}
	}
	return nil
}

// SelectApplication selects a single application by AID and parses its FCI.
func SelectApplication(client *iso7816.Client, cla iso7816.Class, aid []byte) (*FCI, TalResult, error) {
	trace, err := client.Send(iso7816.SelectByAID(cla, aid))
	if err != nil {
		return nil, TalResultNone, newTalError(TalErrorTTLFailure, err)
	}

	switch trace.Last().Response.Status {
	case iso7816.SW_NO_ERROR:
		fci, err := ParseFCI(trace.Last().Response.Data)
		if err != nil {
			return nil, TalResultAppFCIParseFailed, nil
		}
		return fci, TalResultNone, nil
	case iso7816.SW_WARN_FILE_DEACTIVATED:
		return nil, TalResultAppBlocked, nil
	case iso7816.SW_ERR_FUNC_NOT_SUPPORTED, iso7816.SW_ERR_FILE_NOT_FOUND:
		return nil, TalResultAppNotFound, nil
	default:
		return nil, TalResultAppSelectionFailed, nil
	}
}

// applicationEntryFromTemplate converts a directory Application Template
// (tag 61) into a candidate entry, reporting ok=false when the AID fails
// length validation or matches none of the terminal's supported AIDs.
func applicationEntryFromTemplate(app ApplicationTemplate, supported []SupportedAID) (ApplicationEntry, bool) {
	if len(app.AID) < minAIDLen || len(app.AID) > maxAIDLen {
		return ApplicationEntry{}, false
	}
	if !anySupportedAIDMatches(supported, app.AID) {
		return ApplicationEntry{}, false
	}

	var priority byte
	var confirmationRequired bool
	if len(app.ApplicationPriorityIndicator) > 0 {
		priority, confirmationRequired = ParsePriorityIndicator(app.ApplicationPriorityIndicator[0])
	}

	return ApplicationEntry{
		AID:                  append([]byte(nil), app.AID...),
		Label:                string(app.ApplicationLabel),
		PreferredName:        string(app.ApplicationPreferredName),
		Priority:             priority,
		ConfirmationRequired: confirmationRequired,
	}, true
}

// applicationEntryFromFCIData parses raw SELECT response data into a
// candidate entry, used when the candidate's AID came from the SELECT
// itself (list-of-AIDs discovery) rather than from a PSE directory record.
func applicationEntryFromFCIData(data []byte) (ApplicationEntry, bool) {
	fci, err := ParseFCI(data)
	if err != nil {
		return ApplicationEntry{}, false
	}

	var priority byte
	var confirmationRequired bool
	if len(fci.ProprietaryTemplate.ApplicationPriorityIndicator) > 0 {
		priority, confirmationRequired = ParsePriorityIndicator(fci.ProprietaryTemplate.ApplicationPriorityIndicator[0])
	}

	aid := fci.DFName
	if len(aid) < minAIDLen || len(aid) > maxAIDLen {
		return ApplicationEntry{}, false
	}

	return ApplicationEntry{
		AID:                  append([]byte(nil), aid...),
		Label:                string(fci.ProprietaryTemplate.ApplicationLabel),
		PreferredName:        string(fci.ProprietaryTemplate.ApplicationPreferredName),
		Priority:             priority,
		ConfirmationRequired: confirmationRequired,
	}, true
}

func anySupportedAIDMatches(supported []SupportedAID, cardAID []byte) bool {
	for _, s := range supported {
		if s.Matches(cardAID) {
			return true
		}
	}
	return false
}
