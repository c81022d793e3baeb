package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNoDevice means the store holds no linked device.
var ErrNoDevice = errors.New("no linked device")

// Unlink deletes every stored device so the next run pairs from scratch.
func Unlink(ctx context.Context, dbPath string, w io.Writer) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("%w (no %s)", ErrNoDevice, dbPath)
	}

	s, err := OpenStore(ctx, dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	devices, err := s.Devices(ctx)
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return ErrNoDevice
	}

	for _, device := range devices {
		jid := "(unknown)"
		if device.ID != nil {
			jid = device.ID.String()
		}
		if err := device.Delete(ctx); err != nil {
			return fmt.Errorf("failed to delete device %s: %w", jid, err)
		}
		fmt.Fprintf(w, "Removed device: %s\n", jid)
	}

	fmt.Fprintln(w, "WhatsApp session cleared. The next 'wabridge run' will ask for pairing.")
	return nil
}

// DeviceStatus prints the pairing state of the store.
func DeviceStatus(ctx context.Context, dbPath string, w io.Writer) error {
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		fmt.Fprintln(w, "Status: Not paired (no device store)")
		return nil
	}

	s, err := OpenStore(ctx, dbPath)
	if err != nil {
		return err
	}
	defer s.Close()

	devices, err := s.Devices(ctx)
	if err != nil {
		return err
	}

	if len(devices) == 0 {
		fmt.Fprintln(w, "Status: Not paired")
		fmt.Fprintln(w, "Run 'wabridge run' and scan the QR code to pair.")
		return nil
	}

	for _, device := range devices {
		fmt.Fprintln(w, "Status: Paired")
		fmt.Fprintf(w, "  JID: %s\n", device.ID)
		if device.PushName != "" {
			fmt.Fprintf(w, "  Name: %s\n", device.PushName)
		}
	}
	return nil
}
