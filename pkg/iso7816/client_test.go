package iso7816

import (
	"errors"
	"testing"

	emvutils "github.com/derskythe/emv-utils"
)

// endlessMoreDataCard answers every command with SW=61FF, i.e. "more data
// available", forever. It never actually produces a clean 9000.
type endlessMoreDataCard struct {
	calls int
}

func (c *endlessMoreDataCard) Transmit(cmd []byte) ([]byte, error) {
	c.calls++
	return []byte{0x61, 0xFF}, nil
}

// endlessWrongLengthCard answers every command with SW=6C01, i.e. "wrong
// length, retry with Le=1", forever.
type endlessWrongLengthCard struct {
	calls int
}

func (c *endlessWrongLengthCard) Transmit(cmd []byte) ([]byte, error) {
	c.calls++
	return []byte{0x6C, 0x01}, nil
}

func newSelectLikeCommand() *CommandAPDU {
	cla, _ := NewInterindustryClass(false, SMNone, 0)
	ins, _ := NewInstruction(INS_SELECT)
	return NewCommandAPDU(cla, ins, 0x04, 0x00, []byte{0xA0, 0x00, 0x00, 0x00, 0x03, 0x10, 0x10}, 256)
}

func TestClient_Send_BoundsRetriesOn61XX(t *testing.T) {
	card := &endlessMoreDataCard{}
	client := NewClient(card)

	trace, err := client.Send(newSelectLikeCommand())
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	if got, want := len(trace), maxAutoRetries+1; got != want {
		t.Errorf("trace length = %d, want %d (initial exchange + %d retries)", got, want, maxAutoRetries)
	}
	if card.calls != maxAutoRetries+1 {
		t.Errorf("card.calls = %d, want %d", card.calls, maxAutoRetries+1)
	}
}

func TestClient_Send_BoundsRetriesOn6CXX(t *testing.T) {
	card := &endlessWrongLengthCard{}
	client := NewClient(card)

	trace, err := client.Send(newSelectLikeCommand())
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	if got, want := len(trace), maxAutoRetries+1; got != want {
		t.Errorf("trace length = %d, want %d (initial exchange + %d retries)", got, want, maxAutoRetries)
	}
	if card.calls != maxAutoRetries+1 {
		t.Errorf("card.calls = %d, want %d", card.calls, maxAutoRetries+1)
	}
}

// brokenCard always fails at the transport layer, never producing a
// response to parse.
type brokenCard struct{}

func (c *brokenCard) Transmit(cmd []byte) ([]byte, error) {
	return nil, errors.New("reader disconnected")
}

func TestClient_Send_WrapsTransmitFailureAsReaderFailure(t *testing.T) {
	client := NewClient(&brokenCard{})

	_, err := client.Send(newSelectLikeCommand())
	if err == nil {
		t.Fatal("Send returned nil error, want a reader failure")
	}
	if !errors.Is(err, emvutils.ErrReaderFailure) {
		t.Errorf("error = %v, want it to wrap emvutils.ErrReaderFailure", err)
	}
}

// recordingCard stores every raw C-APDU it is asked to transmit and answers
// with a scripted sequence of raw R-APDUs, one per call.
type recordingCard struct {
	responses [][]byte
	sent      [][]byte
}

func (c *recordingCard) Transmit(cmd []byte) ([]byte, error) {
	c.sent = append(c.sent, append([]byte(nil), cmd...))
	resp := c.responses[len(c.sent)-1]
	return resp, nil
}

// SW=61 24 must trigger a single automatic GET RESPONSE with Le=0x24.
func TestClient_Send_61XXIssuesGetResponseWithSignaledLe(t *testing.T) {
	card := &recordingCard{responses: [][]byte{
		{0x61, 0x24},
		{0x90, 0x00},
	}}
	client := NewClient(card)

	trace, err := client.Send(newSelectLikeCommand())
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if len(trace) != 2 {
		t.Fatalf("trace length = %d, want 2", len(trace))
	}
	if len(card.sent) != 2 {
		t.Fatalf("card.sent length = %d, want 2", len(card.sent))
	}

	getResponse := card.sent[1]
	if got := InsCode(getResponse[1]); got != INS_GET_RESPONSE {
		t.Errorf("second command INS = %02X, want GET RESPONSE (%02X)", got, INS_GET_RESPONSE)
	}
	if got, want := getResponse[len(getResponse)-1], byte(0x24); got != want {
		t.Errorf("second command Le = %02X, want %02X", got, want)
	}
}

// SW=6C 1A must trigger a single automatic re-issue of the original command
// with Le corrected to 0x1A.
func TestClient_Send_6CXXReissuesWithCorrectedLe(t *testing.T) {
	card := &recordingCard{responses: [][]byte{
		{0x6C, 0x1A},
		{0x90, 0x00},
	}}
	client := NewClient(card)

	original := newSelectLikeCommand()
	trace, err := client.Send(original)
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}
	if len(trace) != 2 {
		t.Fatalf("trace length = %d, want 2", len(trace))
	}
	if len(card.sent) != 2 {
		t.Fatalf("card.sent length = %d, want 2", len(card.sent))
	}

	reissued := card.sent[1]
	if got := InsCode(reissued[1]); got != original.Instruction.Raw {
		t.Errorf("reissued command INS = %02X, want %02X (same as original)", got, original.Instruction.Raw)
	}
	if got, want := reissued[len(reissued)-1], byte(0x1A); got != want {
		t.Errorf("reissued command Le = %02X, want %02X", got, want)
	}
}
