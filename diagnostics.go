// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"strings"
	"time"
)

const simReadyAttempts = 5

// Diagnose checks modem, SIM and network state. Returns nil when the modem
// can receive SMS.
func (m *Modem) Diagnose() *DiagnosticError {
	if _, err := m.Command("AT"); err != nil {
		slog.Error("Modem not responding to AT command", "error", err)
		return NewDiagnosticError(ErrTypeModemNotResponding,
			"Modem not responding to AT commands: %v", err)
	}
	m.Command("ATE0")

	if resp, err := m.Command("ATI"); err == nil {
		slog.Info("Modem info", "model", strings.Join(resp, " "))
	}

	// SIM may take a few seconds to initialize after power-on
	var simResp []string
	var simErr error
	for attempt := 1; attempt <= simReadyAttempts; attempt++ {
		if simResp, simErr = m.Command("AT+CPIN?"); simErr == nil {
			break
		}
		if attempt < simReadyAttempts {
			slog.Debug("SIM not ready yet, waiting...", "attempt", attempt)
			time.Sleep(2 * time.Second)
		}
	}
	if simErr != nil {
		if _, ccidErr := m.Command("AT+CCID"); ccidErr != nil {
			return NewDiagnosticError(ErrTypeSimNotDetected,
				"SIM card not physically detected (AT+CPIN? and AT+CCID both fail)")
		}
		return NewDiagnosticError(ErrTypeSimNotDetected,
			"SIM card detected but not ready (AT+CPIN? fails)")
	}
	if diagErr := classifySIMStatus(strings.Join(simResp, " ")); diagErr != nil {
		return diagErr
	}
	slog.Info("SIM card is READY")

	if resp, err := m.Command("AT+CSQ"); err == nil {
		rssi, ok := findField(resp, "+CSQ:", 0)
		switch {
		case !ok:
		case rssi == "99":
			slog.Warn("SIGNAL: No signal or not detectable")
		default:
			slog.Info("SIGNAL: Signal detected", "rssi", rssi)
		}
	} else {
		slog.Warn("Could not check signal quality", "error", err)
	}

	if resp, err := m.Command("AT+CREG?"); err == nil {
		stat, _ := findField(resp, "+CREG:", 1)
		if diagErr := classifyRegistration(stat); diagErr != nil {
			return diagErr
		}
	} else {
		slog.Warn("Could not check network registration", "error", err)
	}

	if resp, err := m.Command("AT+COPS?"); err == nil {
		slog.Info("Operator", "response", strings.Join(resp, " "))
	}

	return nil
}

// classifySIMStatus maps an AT+CPIN? response to a diagnostic error
func classifySIMStatus(status string) *DiagnosticError {
	switch {
	case !strings.Contains(status, "+CPIN:"):
		return NewDiagnosticError(ErrTypeSimNotDetected,
			"Invalid SIM status response: %s (expected +CPIN:)", status)
	case strings.Contains(status, "READY") && !strings.Contains(status, "NOT READY"):
		return nil
	case strings.Contains(status, "SIM PIN"):
		return NewDiagnosticError(ErrTypeSimPinRequired, "SIM card requires PIN code")
	case strings.Contains(status, "SIM PUK"):
		return NewDiagnosticError(ErrTypeSimPukLocked,
			"SIM card is PUK locked (too many wrong PIN attempts)")
	case strings.Contains(status, "NOT INSERTED"):
		return NewDiagnosticError(ErrTypeSimNotDetected, "No SIM card inserted in modem")
	case strings.Contains(status, "NOT READY"):
		return NewDiagnosticError(ErrTypeSimNotDetected, "SIM card not ready (still initializing)")
	default:
		return NewDiagnosticError(ErrTypeSimNotDetected, "Unknown SIM status: %s", status)
	}
}

// classifyRegistration interprets the <stat> field of +CREG. Only a denied
// registration is fatal; searching modems usually register within a minute.
func classifyRegistration(stat string) *DiagnosticError {
	switch stat {
	case "1":
		slog.Info("NETWORK: Registered on home network")
	case "5":
		slog.Info("NETWORK: Registered, roaming")
	case "2":
		slog.Warn("NETWORK: Not registered, searching for network...")
	case "3":
		return NewDiagnosticError(ErrTypeNetworkDenied, "Network operator denied registration")
	default:
		slog.Warn("NETWORK: Not registered", "stat", stat)
	}
	return nil
}

// findField returns field n of the first response line starting with prefix
func findField(lines []string, prefix string, n int) (string, bool) {
	for _, line := range lines {
		rest, ok := strings.CutPrefix(line, prefix)
		if !ok {
			continue
		}
		fields := strings.Split(rest, ",")
		if n >= len(fields) {
			return "", false
		}
		return strings.TrimSpace(fields[n]), true
	}
	return "", false
}

// Reset power cycles the radio with AT+CFUN so the SIM is re-initialized,
// then resynchronizes the command channel
func (m *Modem) Reset() {
	slog.Info("Performing full modem reset (AT+CFUN) to recover from previous error...")
	m.Command("AT+CFUN=0")
	time.Sleep(2 * time.Second)
	m.Command("AT+CFUN=1")
	time.Sleep(5 * time.Second)

	for i := 0; i < 3; i++ {
		m.Command("AT")
		time.Sleep(200 * time.Millisecond)
	}
	m.Command("ATE0")
	slog.Info("Modem reset complete")
}
