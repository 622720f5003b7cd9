package fabric

import (
	"fmt"
	"strings"
)

// Verhoeff tables for the check digit of manual pairing codes.
var (
	verhoeffD = [10][10]int{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{1, 2, 3, 4, 0, 6, 7, 8, 9, 5},
		{2, 3, 4, 0, 1, 7, 8, 9, 5, 6},
		{3, 4, 0, 1, 2, 8, 9, 5, 6, 7},
		{4, 0, 1, 2, 3, 9, 5, 6, 7, 8},
		{5, 9, 8, 7, 6, 0, 4, 3, 2, 1},
		{6, 5, 9, 8, 7, 1, 0, 4, 3, 2},
		{7, 6, 5, 9, 8, 2, 1, 0, 4, 3},
		{8, 7, 6, 5, 9, 3, 2, 1, 0, 4},
		{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
	}
	verhoeffP = [8][10]int{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{1, 5, 7, 6, 2, 8, 3, 0, 9, 4},
		{5, 8, 0, 3, 7, 9, 6, 1, 4, 2},
		{8, 9, 1, 6, 0, 4, 3, 5, 2, 7},
		{9, 4, 5, 3, 1, 2, 6, 8, 7, 0},
		{4, 2, 8, 6, 5, 7, 3, 9, 0, 1},
		{2, 7, 9, 3, 8, 0, 6, 4, 1, 5},
		{7, 0, 4, 6, 9, 1, 3, 2, 5, 8},
	}
	verhoeffInv = [10]int{0, 4, 3, 2, 1, 5, 6, 7, 8, 9}
)

func verhoeffDigit(digits string) int {
	c := 0
	for i := 0; i < len(digits); i++ {
		n := int(digits[len(digits)-1-i] - '0')
		c = verhoeffD[c][verhoeffP[(i+1)%8][n]]
	}
	return verhoeffInv[c]
}

func verhoeffValid(digits string) bool {
	c := 0
	for i := 0; i < len(digits); i++ {
		n := int(digits[len(digits)-1-i] - '0')
		c = verhoeffD[c][verhoeffP[i%8][n]]
	}
	return c == 0
}

// PairingCode is a parsed setup code.
type PairingCode struct {
	Raw    string
	QR     bool
	Digits string
}

const base38Alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ-."

// ParsePairingCode accepts an "MT:" QR payload or an 11 or 21 digit manual
// code (dashes and spaces ignored) with a valid check digit.
func ParsePairingCode(code string) (PairingCode, error) {
	code = strings.TrimSpace(code)
	if rest, ok := strings.CutPrefix(code, "MT:"); ok {
		if len(rest) < 19 {
			return PairingCode{}, fmt.Errorf("QR payload too short")
		}
		for _, r := range rest {
			if !strings.ContainsRune(base38Alphabet, r) {
				return PairingCode{}, fmt.Errorf("QR payload has invalid character %q", r)
			}
		}
		return PairingCode{Raw: code, QR: true}, nil
	}

	digits := strings.NewReplacer("-", "", " ", "").Replace(code)
	if len(digits) != 11 && len(digits) != 21 {
		return PairingCode{}, fmt.Errorf("manual code must have 11 or 21 digits, got %d", len(digits))
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return PairingCode{}, fmt.Errorf("manual code has non-digit %q", r)
		}
	}
	if digits[0] > '7' {
		return PairingCode{}, fmt.Errorf("manual code has invalid leading digit")
	}
	if !verhoeffValid(digits) {
		return PairingCode{}, fmt.Errorf("manual code check digit mismatch")
	}
	return PairingCode{Raw: code, Digits: digits}, nil
}

// Passcodes the commissioning rules forbid.
var invalidPasscodes = map[uint32]struct{}{
	0: {}, 11111111: {}, 22222222: {}, 33333333: {}, 44444444: {},
	55555555: {}, 66666666: {}, 77777777: {}, 88888888: {}, 99999999: {},
	12345678: {}, 87654321: {},
}

// ValidPasscode reports whether a setup passcode may be used.
func ValidPasscode(p uint32) bool {
	if p > 99999998 {
		return false
	}
	_, bad := invalidPasscodes[p]
	return !bad
}

// ManualCode renders the short (11 digit) manual pairing code for a
// passcode and 12-bit discriminator.
func ManualCode(passcode uint32, discriminator uint16) string {
	chunk1 := (discriminator >> 10) & 0x3
	chunk2 := (uint32(discriminator>>8)&0x3)<<14 | passcode&0x3FFF
	chunk3 := passcode >> 14
	body := fmt.Sprintf("%d%05d%04d", chunk1, chunk2, chunk3)
	return fmt.Sprintf("%s%d", body, verhoeffDigit(body))
}
