package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// LoadOrCreateDeviceID reads the device ID from a file in dataDir, or
// generates a new UUIDv7 and persists it if the file does not exist. The ID
// keeps the MQTT client identity stable across restarts so the broker can
// resume the session instead of treating each boot as a new device.
func LoadOrCreateDeviceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, "device_id")

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate device ID: %w", err)
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dataDir, err)
	}
	idStr := id.String()
	if err := os.WriteFile(path, []byte(idStr+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist device ID to %s: %w", path, err)
	}

	return idStr, nil
}

// ClientID derives a broker client id from the device name and ID.
func ClientID(deviceName, deviceID string) string {
	short := strings.ReplaceAll(deviceID, "-", "")
	if len(short) > 8 {
		short = short[len(short)-8:]
	}
	return "geo-beacon-" + deviceName + "-" + short
}
