// Copyright © 2025 kogeler
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Modem errors
var (
	ErrModemTimeout    = errors.New("modem timeout: no response received")
	ErrModemError      = errors.New("modem returned ERROR")
	ErrModemDisconnect = errors.New("modem disconnected or not responding")
	ErrWriteFailed     = errors.New("failed to write to modem")
)

// readPollDelay is how long to wait before retrying an empty read
const readPollDelay = 50 * time.Millisecond

// StoredPDU is one message slot returned by AT+CMGL
type StoredPDU struct {
	Index  int
	Status int
	PDU    string
}

// Modem talks AT commands to a GSM modem over a serial port
type Modem struct {
	port    io.ReadWriter
	timeout time.Duration
}

// NewModem creates an AT command interface on top of port
func NewModem(port io.ReadWriter, timeout time.Duration) *Modem {
	return &Modem{
		port:    port,
		timeout: timeout,
	}
}

// Command sends an AT command and returns the response lines without echo and final result code
func (m *Modem) Command(cmd string) ([]string, error) {
	return m.CommandWithTimeout(cmd, m.timeout)
}

// CommandWithTimeout sends an AT command with a custom timeout
func (m *Modem) CommandWithTimeout(cmd string, timeout time.Duration) ([]string, error) {
	if _, err := m.port.Write([]byte(cmd + "\r\n")); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}

	deadline := time.Now().Add(timeout)
	reader := bufio.NewReader(m.port)

	maxIdle := int(timeout / readPollDelay)
	if maxIdle < 1 {
		maxIdle = 1
	}

	var lines []string
	idle := 0
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			idle++
			if idle > maxIdle {
				break
			}
			time.Sleep(readPollDelay)
			continue
		}
		idle = 0

		line = strings.TrimSpace(line)
		switch {
		case line == "" || line == cmd:
			// blank line or echo
		case line == "OK":
			return lines, nil
		case line == "ERROR":
			return nil, ErrModemError
		case strings.HasPrefix(line, "+CME ERROR:"), strings.HasPrefix(line, "+CMS ERROR:"):
			return nil, fmt.Errorf("%w: %s", ErrModemError, line)
		default:
			lines = append(lines, line)
		}
	}

	if len(lines) == 0 {
		if idle > maxIdle {
			return nil, ErrModemDisconnect
		}
		return nil, ErrModemTimeout
	}
	return nil, fmt.Errorf("%w: got %d lines but no OK", ErrModemTimeout, len(lines))
}

// IsTimeoutError checks if an error is a timeout-related error
func IsTimeoutError(err error) bool {
	return errors.Is(err, ErrModemTimeout) || errors.Is(err, ErrModemDisconnect)
}

// IsModemError checks if an error is a modem ERROR response
func IsModemError(err error) bool {
	return errors.Is(err, ErrModemError)
}

// Ping sends a bare AT to check that the modem answers
func (m *Modem) Ping() error {
	_, err := m.CommandWithTimeout("AT", 2*time.Second)
	return err
}

// SetPDUMode switches message format to PDU (AT+CMGF=0)
func (m *Modem) SetPDUMode() error {
	_, err := m.Command("AT+CMGF=0")
	return err
}

// SetStorage selects the preferred message storage for read, write and receive
func (m *Modem) SetStorage(mem string) error {
	_, err := m.Command(fmt.Sprintf("AT+CPMS=%q,%q,%q", mem, mem, mem))
	return err
}

// ListPDUs returns every stored message (AT+CMGL=4)
func (m *Modem) ListPDUs() ([]StoredPDU, error) {
	resp, err := m.CommandWithTimeout("AT+CMGL=4", 2*m.timeout)
	if err != nil {
		return nil, fmt.Errorf("AT+CMGL failed: %w", err)
	}
	return parseCMGL(resp), nil
}

// Delete removes the message at index from storage (AT+CMGD)
func (m *Modem) Delete(index int) error {
	_, err := m.Command(fmt.Sprintf("AT+CMGD=%d", index))
	return err
}

// parseCMGL pairs each "+CMGL: <index>,<stat>,[<alpha>],<length>" header with the PDU line after it
func parseCMGL(lines []string) []StoredPDU {
	var stored []StoredPDU
	for i := 0; i < len(lines); i++ {
		header, ok := strings.CutPrefix(lines[i], "+CMGL:")
		if !ok {
			continue
		}
		fields := strings.Split(header, ",")
		index, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		status := -1
		if len(fields) > 1 {
			if s, err := strconv.Atoi(strings.TrimSpace(fields[1])); err == nil {
				status = s
			}
		}

		if i+1 >= len(lines) || strings.HasPrefix(lines[i+1], "+CMGL:") {
			continue
		}
		i++
		stored = append(stored, StoredPDU{
			Index:  index,
			Status: status,
			PDU:    strings.TrimSpace(lines[i]),
		})
	}
	return stored
}
