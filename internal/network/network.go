// Package network decides whether the current connection may carry episode
// downloads.
package network

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/italolelis/podcast_downloader/internal/logctx"
)

// Preference is the user's downloading preference.
type Preference string

const (
	PreferenceAny  Preference = "any"
	PreferenceWiFi Preference = "wifi"
)

// ConnectionType is the kind of link the default route goes through.
type ConnectionType string

const (
	ConnectionNone     ConnectionType = "none"
	ConnectionWiFi     ConnectionType = "wifi"
	ConnectionWired    ConnectionType = "wired"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionUnknown  ConnectionType = "unknown"
)

const routeFlagUp = 0x1

// ParseConnectionType maps a configured connection type. Unrecognized values
// become ConnectionUnknown.
func ParseConnectionType(s string) ConnectionType {
	switch ct := ConnectionType(strings.ToLower(strings.TrimSpace(s))); ct {
	case ConnectionNone, ConnectionWiFi, ConnectionWired, ConnectionCellular:
		return ct
	case "ethernet":
		return ConnectionWired
	default:
		return ConnectionUnknown
	}
}

// Detector reports the current connection type.
type Detector interface {
	Detect(ctx context.Context) (ConnectionType, error)
}

// Static always reports the same connection type.
type Static ConnectionType

func (s Static) Detect(context.Context) (ConnectionType, error) {
	return ConnectionType(s), nil
}

// LinuxDetector inspects the kernel routing table and the interface of the
// default route to tell wireless from wired links.
type LinuxDetector struct {
	RouteFile string
	SysNetDir string
}

func NewLinuxDetector() *LinuxDetector {
	return &LinuxDetector{
		RouteFile: "/proc/net/route",
		SysNetDir: "/sys/class/net",
	}
}

func (d *LinuxDetector) Detect(_ context.Context) (ConnectionType, error) {
	iface, err := d.defaultInterface()
	if err != nil {
		return ConnectionUnknown, err
	}

	if iface == "" {
		return ConnectionNone, nil
	}

	_, err = os.Stat(filepath.Join(d.SysNetDir, iface, "wireless"))

	switch {
	case err == nil:
		return ConnectionWiFi, nil
	case errors.Is(err, os.ErrNotExist):
		return ConnectionWired, nil
	default:
		return ConnectionUnknown, fmt.Errorf("failed to inspect interface %s: %w", iface, err)
	}
}

// defaultInterface returns the interface of the first default route that is
// up, or "" when there is none.
func (d *LinuxDetector) defaultInterface() (string, error) {
	f, err := os.Open(d.RouteFile)
	if err != nil {
		return "", fmt.Errorf("failed to read routing table: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 || fields[1] != "00000000" {
			continue
		}

		flags, err := strconv.ParseUint(fields[3], 16, 32)
		if err != nil || flags&routeFlagUp == 0 {
			continue
		}

		return fields[0], nil
	}

	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read routing table: %w", err)
	}

	return "", nil
}

// Gate compares the downloading preference with the detected connection.
type Gate struct {
	preference Preference
	detector   Detector
}

func NewGate(preference Preference, detector Detector) *Gate {
	return &Gate{preference: preference, detector: detector}
}

// IsDownloadingConnectionAcceptable reports false when offline, and when the
// preference is Wi-Fi only and the connection is anything else. Detection
// errors count as unknown connectivity.
func (g *Gate) IsDownloadingConnectionAcceptable(ctx context.Context) bool {
	logger := logctx.LoggerFromContext(ctx)

	ct, err := g.detector.Detect(ctx)
	if err != nil {
		logger.Warn("failed to detect connection type", "err", err)

		ct = ConnectionUnknown
	}

	var ok bool

	switch {
	case ct == ConnectionNone:
		ok = false
	case g.preference == PreferenceWiFi:
		ok = ct == ConnectionWiFi
	default:
		ok = true
	}

	logger.Debug("checked downloading connection", "preference", g.preference, "connection", ct, "acceptable", ok)

	return ok
}
