package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/chazu/moonvm/vm"
)

var (
	headerStyle   = color.New(color.FgCyan, color.Bold)
	offsetStyle   = color.New(color.FgBlue)
	mnemonicStyle = color.New(color.FgYellow)
	commentStyle  = color.New(color.FgGreen)
)

// printListing writes the colored listing of p. With color.NoColor set
// each line matches vm.ListingLine.String.
func printListing(out io.Writer, p *vm.FuncProto) {
	for _, l := range vm.Listing(p) {
		indent := strings.Repeat("  ", l.Depth)
		if l.Header {
			fmt.Fprintln(out, indent+headerStyle.Sprint(l.Text))
			continue
		}
		// Pad before styling so escape codes do not disturb alignment.
		line := fmt.Sprintf("%s  %s %s",
			offsetStyle.Sprintf("%04d", l.Offset),
			mnemonicStyle.Sprintf("%-9s", l.Mnemonic),
			l.Operands)
		plain := fmt.Sprintf("%04d  %-9s %s", l.Offset, l.Mnemonic, l.Operands)
		if l.Comment != "" {
			pad := 40 - len(indent) - len(plain)
			if pad < 0 {
				pad = 0
			}
			line += strings.Repeat(" ", pad) + " " + commentStyle.Sprint("; "+l.Comment)
		}
		fmt.Fprintln(out, strings.TrimRight(indent+line, " "))
	}
}
