// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DiagnosticErrorType classifies modem health problems
type DiagnosticErrorType int

const (
	ErrTypeNone DiagnosticErrorType = iota
	ErrTypeSerialPort
	ErrTypeModemNotResponding
	ErrTypeSimNotDetected
	ErrTypeSimPinRequired
	ErrTypeSimPukLocked
	ErrTypeNetworkDenied
	ErrTypeNetworkNotRegistered
	ErrTypeNoSignal
)

var diagnosticTitles = map[DiagnosticErrorType]struct{ name, title, details string }{
	ErrTypeSerialPort: {"Serial Port Error", "Serial Port Error",
		"Cannot open serial port. Check if modem is connected and port is correct."},
	ErrTypeModemNotResponding: {"Modem Not Responding", "Modem Not Responding",
		"Modem is not responding to AT commands. Check power and USB connection."},
	ErrTypeSimNotDetected: {"SIM Not Detected", "SIM Card Not Detected",
		"SIM card is not inserted or not detected. Check SIM card installation."},
	ErrTypeSimPinRequired: {"SIM PIN Required", "SIM PIN Required",
		"SIM card requires PIN code. Disable PIN or configure PIN entry."},
	ErrTypeSimPukLocked: {"SIM PUK Locked", "SIM PUK Locked",
		"SIM card is PUK locked. Use carrier PUK code to unlock."},
	ErrTypeNetworkDenied: {"Network Denied", "Network Registration Denied",
		"Network operator denied registration. Check SIM activation and account status."},
	ErrTypeNetworkNotRegistered: {"Network Not Registered", "Network Not Registered",
		"Modem is not registered on network. Check signal and antenna."},
	ErrTypeNoSignal: {"No Signal", "No Signal",
		"No cellular signal detected. Check antenna and coverage."},
}

func errorTypeName(t DiagnosticErrorType) string {
	if d, ok := diagnosticTitles[t]; ok {
		return d.name
	}
	return "Unknown"
}

// NeedsReset reports whether a full modem reset (AT+CFUN) is worth trying before the next attempt
func (t DiagnosticErrorType) NeedsReset() bool {
	switch t {
	case ErrTypeSimNotDetected, ErrTypeSimPinRequired, ErrTypeSimPukLocked,
		ErrTypeNetworkDenied, ErrTypeNetworkNotRegistered, ErrTypeNoSignal:
		return true
	default:
		return false
	}
}

// DiagnosticError represents a diagnostic error with type and message
type DiagnosticError struct {
	Type    DiagnosticErrorType
	Message string
	Err     error // optional cause
}

func (e *DiagnosticError) Error() string {
	return e.Message
}

func (e *DiagnosticError) Unwrap() error {
	return e.Err
}

// NewDiagnosticError creates a new diagnostic error
func NewDiagnosticError(errType DiagnosticErrorType, format string, args ...interface{}) *DiagnosticError {
	return &DiagnosticError{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
	}
}

// Notifier delivers operator alerts
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// logNotifier only logs alerts, used in dry run or without an alert channel
type logNotifier struct{}

func (logNotifier) Notify(_ context.Context, text string) error {
	slog.Info("DRY_RUN: Would send alert", "text", text)
	return nil
}

// ErrorNotifier sends an alert when the error type changes and once more on recovery
type ErrorNotifier struct {
	mu            sync.Mutex
	lastErrorType DiagnosticErrorType
	notifier      Notifier
	hostname      string
	sendTimeout   time.Duration
}

// NewErrorNotifier creates a new error notifier. A nil notifier only logs.
func NewErrorNotifier(notifier Notifier, hostname string, sendTimeout time.Duration) *ErrorNotifier {
	if notifier == nil {
		notifier = logNotifier{}
	}
	if sendTimeout <= 0 {
		sendTimeout = 20 * time.Second
	}
	return &ErrorNotifier{
		lastErrorType: ErrTypeNone,
		notifier:      notifier,
		hostname:      hostname,
		sendTimeout:   sendTimeout,
	}
}

// NotifyError alerts if the error type differs from the last one reported.
// Returns true if an alert was sent.
func (n *ErrorNotifier) NotifyError(ctx context.Context, err *DiagnosticError) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err.Type == n.lastErrorType {
		slog.Debug("Skipping duplicate error notification", "type", errorTypeName(err.Type))
		return false
	}

	slog.Info("Sending error notification", "type", errorTypeName(err.Type), "previous", errorTypeName(n.lastErrorType))

	if sendErr := n.send(ctx, n.formatErrorMessage(err)); sendErr != nil {
		slog.Error("Failed to send error notification", "error", sendErr)
		return false
	}

	n.lastErrorType = err.Type
	return true
}

// NotifyRecovery alerts once after an error has cleared
func (n *ErrorNotifier) NotifyRecovery(ctx context.Context) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.lastErrorType == ErrTypeNone {
		return false
	}

	prev := n.lastErrorType
	slog.Info("Sending recovery notification", "previous_error", errorTypeName(prev))

	msg := fmt.Sprintf("<b>SMS Relay Recovered</b>\n\n"+
		"<b>Host:</b> <code>%s</code>\n"+
		"<b>Status:</b> Modem is polling again\n"+
		"<b>Previous error:</b> %s",
		escapeHTML(n.hostname),
		errorTypeName(prev))

	if err := n.send(ctx, msg); err != nil {
		slog.Error("Failed to send recovery notification", "error", err)
		return false
	}

	n.lastErrorType = ErrTypeNone
	return true
}

// HasError returns true if there is an active error state
func (n *ErrorNotifier) HasError() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastErrorType != ErrTypeNone
}

func (n *ErrorNotifier) send(ctx context.Context, text string) error {
	sendCtx, cancel := context.WithTimeout(ctx, n.sendTimeout)
	defer cancel()
	return n.notifier.Notify(sendCtx, text)
}

func (n *ErrorNotifier) formatErrorMessage(err *DiagnosticError) string {
	title, details := "Unknown Error", err.Message
	if d, ok := diagnosticTitles[err.Type]; ok {
		title, details = d.title, d.details
	}

	return fmt.Sprintf("<b>SMS Relay Alert</b>\n\n"+
		"<b>Host:</b> <code>%s</code>\n"+
		"<b>Error:</b> %s\n"+
		"<b>Details:</b> %s\n\n"+
		"<i>%s</i>",
		escapeHTML(n.hostname),
		title,
		details,
		escapeHTML(err.Message))
}
