package emv

import (
	"fmt"

	emvutils "github.com/derskythe/emv-utils"
	"github.com/derskythe/emv-utils/pkg/atr"
	"github.com/derskythe/emv-utils/pkg/iso7816"
	"github.com/derskythe/emv-utils/pkg/tlv"
	"github.com/rs/zerolog"
)

// SESSION ORCHESTRATOR:
// Session drives a single card through the state machine AtrValidated ->
// CandidateListBuilt -> ApplicationSelected, composing the ATR decoder,
// PSE reading, AID-list discovery, and application selection into the
// sequence a terminal actually performs. Terminal states are reachable from
// any point: Terminated{CardError|CardBlocked} and NotAccepted.

// State names a point in the session's progression.
type State int

const (
	StateNew State = iota
	StateAtrValidated
	StateCandidateListBuilt
	StateApplicationSelected
	StateNotAccepted
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateAtrValidated:
		return "atr validated"
	case StateCandidateListBuilt:
		return "candidate list built"
	case StateApplicationSelected:
		return "application selected"
	case StateNotAccepted:
		return "not accepted"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// OutcomeKind is the tag of a SessionOutcome.
type OutcomeKind int

const (
	OutcomeCardError OutcomeKind = iota
	OutcomeCardBlocked
	OutcomeNotAccepted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCardError:
		return "card error"
	case OutcomeCardBlocked:
		return "card blocked"
	case OutcomeNotAccepted:
		return "not accepted"
	default:
		return "unknown"
	}
}

// SessionOutcome is the top-level tagged result a terminal-fatal session
// transition produces. It implements error so it composes with the rest of
// the module's errors.Is/errors.As-based vocabulary.
type SessionOutcome struct {
	Kind OutcomeKind
	Err  error
}

func (o *SessionOutcome) Error() string {
	if o.Err != nil {
		return fmt.Sprintf("session: %s: %v", o.Kind, o.Err)
	}
	return fmt.Sprintf("session: %s", o.Kind)
}

func (o *SessionOutcome) Unwrap() error {
	switch o.Kind {
	case OutcomeCardBlocked:
		return emvutils.ErrCardBlocked
	case OutcomeNotAccepted:
		return emvutils.ErrNotAccepted
	default:
		return emvutils.ErrCardError
	}
}

// TryAgainError signals that a SelectApplication-style attempt failed in a
// continuable way: the candidate list still has entries and the caller
// should pick another one. It is not a SessionOutcome since the session is
// not terminated.
type TryAgainError struct {
	Result TalResult
}

func (e *TryAgainError) Error() string {
	return fmt.Sprintf("try again: %s", e.Result)
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithLogger injects a structured logger. Without this option the session
// uses zerolog's no-op logger, so logging is never forced on a caller.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithSupportedAIDs sets the terminal's configured AID list.
func WithSupportedAIDs(aids []SupportedAID) Option {
	return func(s *Session) { s.supported = aids }
}

// Session holds everything a terminal needs to drive one card through
// ATR validation, discovery, and selection: the transport, the terminal's
// configured AIDs, and the accumulated results of each phase.
type Session struct {
	Client *iso7816.Client
	Class  iso7816.Class

	supported []SupportedAID
	logger    zerolog.Logger

	state            State
	firstCommandSent bool

	ATR         *atr.Info
	Candidates  *CandidateList
	Selected    *ApplicationEntry
	SelectedFCI *FCI

	// ICCTLVs accumulates card-supplied TLVs not otherwise modeled on a
	// specific struct field: FCI Issuer Discretionary Data children that
	// carry no dedicated field get flattened here.
	ICCTLVs []tlv.TLV
}

// NewSession constructs a Session ready for ValidateATR. The transport and
// class are required; everything else is assembled via Option.
func NewSession(client *iso7816.Client, cla iso7816.Class, opts ...Option) *Session {
	s := &Session{
		Client:           client,
		Class:            cla,
		logger:           zerolog.Nop(),
		state:            StateNew,
		firstCommandSent: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports the session's current position in the state machine.
func (s *Session) State() State { return s.state }

// ValidateATR decodes and validates a card's Answer-To-Reset byte stream.
// A failure terminates the session with OutcomeCardError.
func (s *Session) ValidateATR(raw []byte) (*atr.Info, error) {
	info, err := atr.Parse(raw)
	if err != nil {
		s.state = StateTerminated
		s.logger.Debug().Err(err).Msg("ATR validation failed")
		return nil, &SessionOutcome{Kind: OutcomeCardError, Err: err}
	}

	s.ATR = info
	s.state = StateAtrValidated
	s.logger.Debug().
		Int("protocol", int(info.Global.Protocol)).
		Msg("ATR validated")
	return info, nil
}

// BuildCandidateList reads the Payment System Environment and, if that
// fails or yields nothing, falls back to the list-of-AIDs probe. The
// resulting list is sorted by priority before being returned.
func (s *Session) BuildCandidateList() (*CandidateList, error) {
	list, result, err := ReadPSE(s.Client, s.Class, s.supported, &s.firstCommandSent)
	if err != nil {
		return nil, s.terminalOutcome(err)
	}
	s.logger.Debug().Stringer("result", result).Msg("PSE read completed")

	if result == TalResultNone && list != nil && !list.IsEmpty() {
		return s.commitCandidateList(list)
	}

	list, err = DiscoverByAIDList(s.Client, s.Class, s.supported, &s.firstCommandSent)
	if err != nil {
		return nil, s.terminalOutcome(err)
	}
	s.logger.Debug().Int("count", list.Len()).Msg("AID list discovery completed")

	return s.commitCandidateList(list)
}

func (s *Session) commitCandidateList(list *CandidateList) (*CandidateList, error) {
	list.Sort()
	s.Candidates = list

	if list.IsEmpty() {
		s.state = StateNotAccepted
		return list, &SessionOutcome{Kind: OutcomeNotAccepted}
	}

	s.state = StateCandidateListBuilt
	return list, nil
}

// Select removes the candidate at index and attempts to select it on the
// card. On success it parses the returned FCI and enters
// ApplicationSelected. A continuable failure returns a *TryAgainError and
// re-enters CandidateListBuilt unless the list is now empty, in which case
// the session becomes NotAccepted.
func (s *Session) Select(index int) (*ApplicationEntry, error) {
	if s.Candidates == nil {
		return nil, emvutils.Internal("Select called before a candidate list exists")
	}

	entry, err := s.Candidates.Remove(index)
	if err != nil {
		return nil, emvutils.InvalidParameter("%v", err)
	}

	fci, result, talErr := SelectApplication(s.Client, s.Class, entry.AID)
	if talErr != nil {
		s.state = StateTerminated
		return nil, s.terminalOutcome(talErr)
	}

	switch result {
	case TalResultNone:
		entry = mergeApplicationEntryFromFCI(entry, fci)
		s.Selected = &entry
		s.SelectedFCI = fci
		if fci != nil && fci.ProprietaryTemplate.IssuerDiscretionaryData != nil {
			s.ICCTLVs = append(s.ICCTLVs, fci.ProprietaryTemplate.IssuerDiscretionaryData.Unknown...)
		}
		s.state = StateApplicationSelected
		s.logger.Debug().Str("label", entry.DisplayName()).Msg("application selected")
		return s.Selected, nil

	case TalResultAppFCIParseFailed, TalResultAppBlocked, TalResultAppNotFound, TalResultAppSelectionFailed:
		s.logger.Debug().Stringer("result", result).Msg("application selection failed, trying next candidate")
		if s.Candidates.IsEmpty() {
			s.state = StateNotAccepted
			return nil, &SessionOutcome{Kind: OutcomeNotAccepted}
		}
		s.state = StateCandidateListBuilt
		return nil, &TryAgainError{Result: result}

	default:
		return nil, emvutils.Internal("unexpected TAL result %s from SelectApplication", result)
	}
}

// terminalOutcome converts a TalError into the caller-visible SessionOutcome
// and marks the session Terminated.
func (s *Session) terminalOutcome(err error) error {
	s.state = StateTerminated

	talErr, ok := err.(*TalError)
	if !ok {
		return &SessionOutcome{Kind: OutcomeCardError, Err: err}
	}
	if talErr.Kind == TalErrorCardBlocked {
		return &SessionOutcome{Kind: OutcomeCardBlocked}
	}
	return &SessionOutcome{Kind: OutcomeCardError, Err: talErr}
}

// mergeApplicationEntryFromFCI hydrates an application entry discovered via
// PSE (or a bare card AID from list-of-AIDs discovery) with the richer
// fields available once its FCI has actually been parsed at selection time.
func mergeApplicationEntryFromFCI(entry ApplicationEntry, fci *FCI) ApplicationEntry {
	if fci == nil {
		return entry
	}
	if len(fci.ProprietaryTemplate.ApplicationLabel) > 0 {
		entry.Label = string(fci.ProprietaryTemplate.ApplicationLabel)
	}
	if len(fci.ProprietaryTemplate.ApplicationPreferredName) > 0 {
		entry.PreferredName = string(fci.ProprietaryTemplate.ApplicationPreferredName)
	}
	if len(fci.ProprietaryTemplate.ApplicationPriorityIndicator) > 0 {
		entry.Priority, entry.ConfirmationRequired = ParsePriorityIndicator(fci.ProprietaryTemplate.ApplicationPriorityIndicator[0])
	}
	return entry
}
