// Package identity resolves the device's serial number and auth token: two
// small plain-text files the platform's provisioning step drops on disk,
// each overridable by an explicit path. Grounded in the original agent's
// Client._read (dataplicity/client.py), which reads and whitespace-trims
// constants.SERIAL_LOCATION / constants.AUTH_LOCATION.
package identity

import (
	"fmt"
	"os"
	"strings"
)

// Default on-disk locations, matching the original's constants module.
const (
	DefaultSerialFile = "/opt/dataplicity/tuxtunnel/serial"
	DefaultAuthFile   = "/opt/dataplicity/tuxtunnel/auth"
)

// Device holds the resolved serial number and auth token used to
// authenticate with the control plane.
type Device struct {
	Serial    string
	AuthToken string
}

// Load reads the serial and auth files, falling back to the package
// defaults when the paths are empty. Contents are whitespace-trimmed,
// mirroring the original's strip() on read.
func Load(serialFile, authFile string) (Device, error) {
	if serialFile == "" {
		serialFile = DefaultSerialFile
	}
	if authFile == "" {
		authFile = DefaultAuthFile
	}

	serial, err := readTrimmed(serialFile)
	if err != nil {
		return Device{}, fmt.Errorf("reading serial file %s: %w", serialFile, err)
	}
	auth, err := readTrimmed(authFile)
	if err != nil {
		return Device{}, fmt.Errorf("reading auth file %s: %w", authFile, err)
	}
	return Device{Serial: serial, AuthToken: auth}, nil
}

func readTrimmed(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
