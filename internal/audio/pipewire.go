package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// PipeWire manages PipeWire/JACK ports through pw-link
type PipeWire struct {
	// run executes pw-link with args and returns its combined output
	run func(ctx context.Context, args ...string) ([]byte, error)
}

// NewPipeWire creates a PipeWire helper that shells out to pw-link
func NewPipeWire() *PipeWire {
	return &PipeWire{run: runPWLink}
}

func runPWLink(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "pw-link", args...)
	return cmd.CombinedOutput()
}

// parsePorts extracts port names from `pw-link -io` output
func parsePorts(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Input ports:") || strings.HasPrefix(line, "Output ports:") {
			continue
		}
		ports = append(ports, line)
	}
	return ports
}

// ListPorts returns all JACK ports visible through PipeWire
func (pw *PipeWire) ListPorts(ctx context.Context) ([]string, error) {
	output, err := pw.run(ctx, "-io")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePorts(string(output)), nil
}

// ValidatePort checks that a port exists exactly once
func (pw *PipeWire) ValidatePort(ctx context.Context, portName string) error {
	if portName == "" || portName == "disabled" {
		return nil
	}
	ports, err := pw.ListPorts(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	return validatePortInList(portName, ports)
}

func validatePortInList(portName string, ports []string) error {
	if portName == "" || portName == "disabled" {
		return nil
	}
	duplicates := findPortDuplicatesInList(portName, ports)
	if len(duplicates) == 0 {
		return fmt.Errorf("%w: port not found: %s", ErrDeviceUnavailable, portName)
	}
	if len(duplicates) > 1 {
		return fmt.Errorf("%w: duplicate sources detected for '%s': %v. Please close conflicting applications", ErrDeviceUnavailable, portName, duplicates)
	}
	return nil
}

// findPortDuplicatesInList returns every port in the list with exactly the given name
func findPortDuplicatesInList(portName string, ports []string) []string {
	var duplicates []string
	for _, port := range ports {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

// ConnectPortsWithRetry waits for sourcePort to appear and links it to destPort
func (pw *PipeWire) ConnectPortsWithRetry(ctx context.Context, sourcePort, destPort string) error {
	maxRetries := 5
	retryDelay := 500 * time.Millisecond
	if isEphemeralPort(sourcePort) {
		// application ports may take a while to appear
		maxRetries = 15
		retryDelay = time.Second
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ports, err := pw.ListPorts(ctx)
		if err == nil && len(findPortDuplicatesInList(sourcePort, ports)) > 0 {
			output, err := pw.run(ctx, sourcePort, destPort)
			if err == nil {
				slog.Debug("Connected ports", "source", sourcePort, "dest", destPort, "attempt", attempt)
				return nil
			}
			slog.Debug("Connection attempt failed", "source", sourcePort, "dest", destPort, "attempt", attempt, "error", err, "output", string(output))
		} else {
			slog.Debug("Source port not yet available", "source", sourcePort, "attempt", attempt)
		}

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}
	return fmt.Errorf("%w: failed to connect %s to %s after %d attempts", ErrDeviceUnavailable, sourcePort, destPort, maxRetries)
}

// WaitForPort polls until portName exists or timeout elapses
func (pw *PipeWire) WaitForPort(ctx context.Context, portName string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if err := pw.ValidatePort(ctx, portName); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: timeout waiting for JACK port: %s", ErrDeviceUnavailable, portName)
}

func isEphemeralPort(portName string) bool {
	lower := strings.ToLower(portName)
	for _, app := range []string{"chrome", "firefox", "spotify", "discord", "vlc", "mpv", "zoom", "teams"} {
		if strings.Contains(lower, app) {
			return true
		}
	}
	return false
}
