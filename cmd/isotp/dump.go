package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	offsetStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	hexStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	asciiStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	valueStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// styled reports whether stdout is a terminal that gets colored output.
func styled() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func render(s lipgloss.Style, text string) string {
	if !styled() {
		return text
	}
	return s.Render(text)
}

// hexDump writes data as 16-byte rows with an ASCII column.
func hexDump(w io.Writer, title string, data []byte) {
	fmt.Fprintln(w, render(headerStyle, fmt.Sprintf("%s (%d bytes)", title, len(data))))
	for off := 0; off < len(data); off += 16 {
		end := min(off+16, len(data))
		row := data[off:end]

		var ascii strings.Builder
		for _, b := range row {
			if b >= 0x20 && b < 0x7F {
				ascii.WriteByte(b)
			} else {
				ascii.WriteByte('.')
			}
		}
		fmt.Fprintf(w, "%s  %s  %s\n",
			render(offsetStyle, fmt.Sprintf("%08X", off)),
			render(hexStyle, fmt.Sprintf("%-47s", fmt.Sprintf("% X", row))),
			render(asciiStyle, ascii.String()))
	}
}

func printStat(w io.Writer, label string, value any) {
	fmt.Fprintf(w, "%s %s\n", render(labelStyle, fmt.Sprintf("%-14s", label+":")), render(valueStyle, fmt.Sprint(value)))
}

// parseHexBytes accepts "22 F1 90", "22F190" and "0x22,0xF1,0x90" forms.
func parseHexBytes(args ...string) ([]byte, error) {
	s := strings.Join(args, "")
	r := strings.NewReplacer(" ", "", ",", "", ":", "", "0x", "", "0X", "")
	s = r.Replace(s)
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd number of hex digits in %q", s)
	}
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex payload: %w", err)
	}
	return data, nil
}
