package pairing

import (
	"encoding/base64"
	"fmt"
	"io"

	"github.com/mdp/qrterminal/v3"
	"rsc.io/qr"

	"github.com/roelfdiedericks/wabridge/internal/adapter"
)

// Rendered is a challenge in the forms the dashboard can display.
type Rendered struct {
	QR      string // raw payload, for terminal rendering
	DataURL string // PNG data URL, empty in code-only mode
	Code    string // numeric pairing code, if any
}

// Render converts a challenge into a PNG data URL plus the optional code.
func Render(ch adapter.PairingChallenge) (Rendered, error) {
	r := Rendered{QR: ch.QR, Code: ch.Code}
	if ch.QR == "" {
		if ch.Code == "" {
			return r, fmt.Errorf("empty pairing challenge")
		}
		return r, nil
	}

	code, err := qr.Encode(ch.QR, qr.M)
	if err != nil {
		return r, fmt.Errorf("encode qr: %w", err)
	}
	r.DataURL = "data:image/png;base64," + base64.StdEncoding.EncodeToString(code.PNG())
	return r, nil
}

// PrintTerminal draws the challenge for an operator watching the console.
func PrintTerminal(w io.Writer, r Rendered, cycle, max int) {
	fmt.Fprintf(w, "\nLink this device (challenge %d of %d)\n", cycle, max)
	fmt.Fprintln(w, "  WhatsApp > Settings > Linked Devices > Link a Device")
	if r.Code != "" {
		fmt.Fprintf(w, "  Pairing code: %s\n", r.Code)
	}
	if r.QR != "" {
		fmt.Fprintln(w)
		qrterminal.GenerateHalfBlock(r.QR, qrterminal.L, w)
	}
	fmt.Fprintln(w)
}
