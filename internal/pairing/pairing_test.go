package pairing

import (
	"bytes"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/roelfdiedericks/wabridge/internal/adapter"
)

func TestCycleLimit(t *testing.T) {
	c := NewCycle(3)
	for i := 1; i <= 3; i++ {
		n, ok := c.Next()
		if !ok || n != i {
			t.Fatalf("Next() #%d = (%d, %v), want (%d, true)", i, n, ok, i)
		}
	}
	if n, ok := c.Next(); ok || n != 4 {
		t.Fatalf("Next() past limit = (%d, %v), want (4, false)", n, ok)
	}

	c.Reset()
	if c.Count() != 0 {
		t.Errorf("Count after Reset = %d", c.Count())
	}
	if _, ok := c.Next(); !ok {
		t.Error("first challenge after Reset should be allowed")
	}
}

func TestCycleDefaultMax(t *testing.T) {
	if got := NewCycle(0).Max(); got != DefaultMaxCycles {
		t.Errorf("Max() = %d, want %d", got, DefaultMaxCycles)
	}
}

func TestRenderQR(t *testing.T) {
	r, err := Render(adapter.PairingChallenge{QR: "2@abc,def,ghi,jkl"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(r.DataURL, prefix) {
		t.Fatalf("DataURL missing prefix: %q", r.DataURL[:min(len(r.DataURL), 40)])
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(r.DataURL, prefix))
	if err != nil {
		t.Fatalf("DataURL not base64: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Error("DataURL does not contain a PNG")
	}
}

func TestRenderCodeOnly(t *testing.T) {
	r, err := Render(adapter.PairingChallenge{Code: "ABCD-EFGH"})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if r.DataURL != "" || r.Code != "ABCD-EFGH" {
		t.Errorf("unexpected render: %+v", r)
	}

	if _, err := Render(adapter.PairingChallenge{}); err == nil {
		t.Error("expected error for empty challenge")
	}
}

func TestPrintTerminal(t *testing.T) {
	var buf bytes.Buffer
	PrintTerminal(&buf, Rendered{QR: "hello", Code: "1234-5678"}, 2, 5)
	out := buf.String()
	if !strings.Contains(out, "challenge 2 of 5") || !strings.Contains(out, "1234-5678") {
		t.Errorf("unexpected terminal output:\n%s", out)
	}
}
