// Package qr renders QR codes as terminal-printable lines, for the
// admin console to show a join URL a phone can scan.
package qr

import (
	"strings"

	"github.com/skip2/go-qrcode"
)

// recoveryLevels are tried from highest error correction to lowest,
// since higher levels produce a denser (larger) code that may not fit
// the caller's terminal.
var recoveryLevels = []qrcode.RecoveryLevel{qrcode.High, qrcode.Medium, qrcode.Low}

var tooLarge = []string{
	"QR code too large for terminal",
	"please resize your terminal window",
	"(need at least 60x30 characters)",
}

// GenerateLines renders data as a QR code sized to fit within
// maxWidth x maxHeight terminal cells, using Unicode half-block
// characters so two QR rows map to one terminal row (terminal cells
// are roughly 2:1 height:width).
func GenerateLines(data string, maxWidth, maxHeight uint16) []string {
	return render(data, maxWidth, maxHeight, false)
}

// GenerateLinesInverted is GenerateLines with light/dark swapped, for
// light-on-dark terminal themes.
func GenerateLinesInverted(data string, maxWidth, maxHeight uint16) []string {
	return render(data, maxWidth, maxHeight, true)
}

func render(data string, maxWidth, maxHeight uint16, invert bool) []string {
	for _, level := range recoveryLevels {
		bitmap, size, ok := bitmapFor(data, level)
		if !ok {
			continue
		}

		width := uint16(size)
		height := uint16((size + 1) / 2)
		if width > maxWidth || height > maxHeight {
			continue
		}

		lines := make([]string, 0, height)
		for rowPair := 0; rowPair < int(height); rowPair++ {
			upperY := rowPair * 2
			lowerY := upperY + 1

			var sb strings.Builder
			sb.Grow(size * 3)
			for x := 0; x < size; x++ {
				upper := bitmap[upperY][x]
				lower := lowerY < size && bitmap[lowerY][x]
				if invert {
					upper, lower = !upper, !lower
				}
				sb.WriteRune(blockFor(upper, lower))
			}
			lines = append(lines, sb.String())
		}
		return lines
	}

	return tooLarge
}

// blockFor picks the half-block character for a pair of dark/light
// modules: a dark module is "on" in the output; true = dark.
func blockFor(upper, lower bool) rune {
	switch {
	case upper && lower:
		return '█'
	case upper && !lower:
		return '▀'
	case !upper && lower:
		return '▄'
	default:
		return ' '
	}
}

func bitmapFor(data string, level qrcode.RecoveryLevel) ([][]bool, int, bool) {
	q, err := qrcode.New(data, level)
	if err != nil {
		return nil, 0, false
	}
	bitmap := q.Bitmap()
	if len(bitmap) == 0 || len(bitmap[0]) == 0 {
		return nil, 0, false
	}
	return bitmap, len(bitmap), true
}

// Dimensions returns the terminal column/row footprint of data encoded
// at Medium recovery, or (0, 0) if encoding fails. GenerateLines uses
// this footprint when the High-recovery code does not fit its bounds;
// with room for the High-recovery code it renders that larger code.
func Dimensions(data string) (uint16, uint16) {
	_, size, ok := bitmapFor(data, qrcode.Medium)
	if !ok {
		return 0, 0
	}
	return uint16(size), uint16((size + 1) / 2)
}
