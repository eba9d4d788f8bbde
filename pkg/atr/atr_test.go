package atr

import (
	"errors"
	"testing"
)

func TestParse_ValidT0ATR(t *testing.T) {
	// TS=3B, T0=60 (Y1=0110, K=0): TB1, TC1 present.
	raw := []byte{0x3B, 0x60, 0x00, 0x00}

	info, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if info.TS != DirectConvention {
		t.Errorf("TS = %#x, want DirectConvention", info.TS)
	}
	if info.Global.Protocol != ProtocolT0 {
		t.Errorf("Protocol = %d, want T0", info.Global.Protocol)
	}
}

func TestParse_TCKRequiredForT1(t *testing.T) {
	// TS, T0=0x90 (TA1, TD1 present, K=0), TD1=0x81 (T=1, TD2 present), TD2=0x71 (T=1).
	// Build a minimal T=1 ATR with all mandatory T=1 bytes (TA3,TB3,TC3,TD2) and a valid TCK.
	raw := buildValidT1ATR()

	info, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if info.Global.Protocol != ProtocolT1 {
		t.Fatalf("Protocol = %d, want T1", info.Global.Protocol)
	}
	if !info.TCK.Present {
		t.Error("expected TCK to be present for T=1")
	}

	var xor byte
	for i := 1; i < len(raw); i++ {
		xor ^= raw[i]
	}
	if xor != 0 {
		t.Errorf("XOR(T0..TCK) = %#x, want 0", xor)
	}
}

// buildValidT1ATR constructs a structurally and EMV-valid T=1 ATR:
// TS, T0 (Y1: TA1,TD1 present), TA1, TD1 (Y2: TD2 present; protocol T=1),
// TD2 (Y3: TA3,TB3,TC3 present; protocol T=1), TA3, TB3, TC3, TCK.
func buildValidT1ATR() []byte {
	t0 := byte(0x90)  // Y1: TA1(0x10) | TD1(0x80)
	ta1 := byte(0x13) // Di nibble=3 (>=3, satisfies negotiable-mode rule since TA2 absent)
	td1 := byte(0x81) // Y2: TD2(0x80) | protocol T=1(0x01)
	td2 := byte(0x71) // Y3: TA3(0x10)|TB3(0x20)|TC3(0x40) | protocol T=1(0x01)
	ta3 := byte(0x10) // IFSI, >= 0x10 required
	tb3 := byte(0x00) // CWI=0, BWI=0
	tc3 := byte(0x00) // error detection = LRC, required 0x00 for T=1

	raw := []byte{byte(DirectConvention), t0, ta1, td1, td2, ta3, tb3, tc3}
	var xor byte
	for i := 1; i < len(raw); i++ {
		xor ^= raw[i]
	}
	raw = append(raw, xor)
	return raw
}

func TestParse_LengthBoundaries(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"length 1", make([]byte, 1)},
		{"length 34", make([]byte, 34)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.raw)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrInvalidATR) {
				t.Errorf("expected ErrInvalidATR, got %v", err)
			}
		})
	}
}

func TestParse_TC1MustBeZeroOrFF(t *testing.T) {
	tests := []struct {
		name    string
		tc1     byte
		wantErr bool
	}{
		{"TC1=0x00 passes", 0x00, false},
		{"TC1=0xFF passes", 0xFF, false},
		{"TC1=0x01 fails", 0x01, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// T0: Y1 -> TC1 present (0x40), K=0 => 0x40
			raw := []byte{byte(DirectConvention), 0x40, tt.tc1}
			_, err := Parse(raw)
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestParse_T1RequiresTB3(t *testing.T) {
	// TD1 announces T=1, TD2 also announces T=1, but TB3 is absent (Y3 bit for TB3 unset).
	t0 := byte(0x80)  // TD1 present, K=0
	td1 := byte(0x81) // TD2 present, protocol T=1
	td2 := byte(0x01) // no TA3/TB3/TC3/TD3, protocol T=1

	raw := []byte{byte(DirectConvention), t0, td1, td2}
	var xor byte
	for i := 1; i < len(raw); i++ {
		xor ^= raw[i]
	}
	raw = append(raw, xor) // TCK, mandatory since T=1 is announced

	_, err := Parse(raw)
	if err == nil {
		t.Fatal("expected error for T=1 without TB3, got nil")
	}
	if !errors.Is(err, ErrInvalidATR) {
		t.Errorf("expected ErrInvalidATR, got %v", err)
	}
}

func TestParse_UnknownConventionIndicator(t *testing.T) {
	raw := []byte{0x00, 0x00}
	_, err := Parse(raw)
	if err == nil {
		t.Fatal("expected error for invalid TS, got nil")
	}
}

func TestParse_DerivedT1Timing(t *testing.T) {
	raw := buildValidT1ATR()
	info, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	wantCWT := (1 << info.ProtoT1.CWI) + 11
	wantBWT := (1<<info.ProtoT1.BWI)*960 + 11
	if info.ProtoT1.CWT != wantCWT {
		t.Errorf("CWT = %d, want %d", info.ProtoT1.CWT, wantCWT)
	}
	if info.ProtoT1.BWT != wantBWT {
		t.Errorf("BWT = %d, want %d", info.ProtoT1.BWT, wantBWT)
	}
	if info.ProtoT1.ErrorDetectionCode != ErrorDetectionLRC {
		t.Errorf("ErrorDetectionCode = %d, want LRC", info.ProtoT1.ErrorDetectionCode)
	}
}
