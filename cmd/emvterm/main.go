package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ebfe/scard"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/derskythe/emv-utils/pkg/emv"
	"github.com/derskythe/emv-utils/pkg/iso7816"
)

// Command-line demo binary: connects to the first (or named) PC/SC reader,
// reads the card's ATR, and drives it through candidate discovery and
// application selection using pkg/emv.Session. It is a demonstration of the
// library's call sequence, not a terminal implementation: it tries the sorted
// candidates in order, stops at the first one the card selects, and does not
// run a transaction.

func main() {
	readerFlag := pflag.StringP("reader", "r", "", "reader name substring to match (default: first available reader)")
	verboseFlag := pflag.BoolP("verbose", "v", false, "enable debug-level logging")
	pflag.Parse()

	level := zerolog.InfoLevel
	if *verboseFlag {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(level).
		With().Timestamp().Logger()

	if err := run(logger, *readerFlag); err != nil {
		logger.Fatal().Err(err).Msg("session failed")
	}
}

func run(logger zerolog.Logger, readerName string) error {
	ctx, card, err := connect(logger, readerName)
	if err != nil {
		return err
	}
	defer func() {
		if err := card.Disconnect(scard.LeaveCard); err != nil {
			logger.Warn().Err(err).Msg("failed to disconnect card")
		}
	}()
	defer func() {
		if err := ctx.Release(); err != nil {
			logger.Warn().Err(err).Msg("failed to release context")
		}
	}()

	status, err := card.Status()
	if err != nil {
		return fmt.Errorf("reading card status: %w", err)
	}

	cla, err := iso7816.NewClass(0x00)
	if err != nil {
		return fmt.Errorf("building command class: %w", err)
	}

	session := emv.NewSession(iso7816.NewClient(card), cla,
		emv.WithLogger(logger),
		emv.WithSupportedAIDs(demoSupportedAIDs()),
	)

	info, err := session.ValidateATR(status.Atr)
	if err != nil {
		return fmt.Errorf("ATR validation: %w", err)
	}
	logger.Info().
		Int("protocol", int(info.Global.Protocol)).
		Msg("ATR validated")

	list, err := session.BuildCandidateList()
	if err != nil {
		return fmt.Errorf("building candidate list: %w", err)
	}
	logger.Info().Int("count", list.Len()).Msg("candidate applications found")

	for _, entry := range list.Entries() {
		logger.Info().
			Hex("aid", entry.AID).
			Str("name", entry.DisplayName()).
			Uint8("priority", entry.Priority).
			Msg("candidate")
	}

	for !list.IsEmpty() {
		selected, err := session.Select(0)
		if err == nil {
			logger.Info().Str("label", selected.Label).Msg("application selected")
			return nil
		}
		var tryAgain *emv.TryAgainError
		if !asTryAgain(err, &tryAgain) {
			return fmt.Errorf("selecting application: %w", err)
		}
		logger.Warn().Stringer("result", tryAgain.Result).Msg("selection failed, trying next candidate")
	}

	return fmt.Errorf("no application could be selected")
}

func asTryAgain(err error, target **emv.TryAgainError) bool {
	ta, ok := err.(*emv.TryAgainError)
	if ok {
		*target = ta
	}
	return ok
}

// demoSupportedAIDs lists the terminal's configured applications. A real
// terminal loads this from merchant configuration; this demo hardcodes a
// couple of well-known payment scheme AIDs so the candidate list has
// something to match against.
func demoSupportedAIDs() []emv.SupportedAID {
	var out []emv.SupportedAID
	for _, aid := range [][]byte{
		{0xA0, 0x00, 0x00, 0x00, 0x03, 0x10, 0x10}, // Visa
		{0xA0, 0x00, 0x00, 0x00, 0x04, 0x10, 0x10}, // Mastercard
	} {
		sa, err := emv.NewSupportedAID(aid, emv.ASIExact)
		if err != nil {
			continue
		}
		out = append(out, sa)
	}
	return out
}

func connect(logger zerolog.Logger, readerName string) (*scard.Context, *scard.Card, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, nil, fmt.Errorf("establishing PC/SC context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil {
		_ = ctx.Release()
		return nil, nil, fmt.Errorf("listing readers: %w", err)
	}
	if len(readers) == 0 {
		_ = ctx.Release()
		return nil, nil, fmt.Errorf("no smart card reader found")
	}

	reader := readers[0]
	if readerName != "" {
		found := false
		for _, r := range readers {
			if strings.Contains(strings.ToLower(r), strings.ToLower(readerName)) {
				reader = r
				found = true
				break
			}
		}
		if !found {
			_ = ctx.Release()
			return nil, nil, fmt.Errorf("no reader matching %q found", readerName)
		}
	}
	logger.Info().Str("reader", reader).Msg("using reader")

	// Force T=0 or T=1 to avoid "Parameter Incorrect" errors on some readers.
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		_ = ctx.Release()
		return nil, nil, fmt.Errorf("connecting to card: %w", err)
	}
	return ctx, card, nil
}
