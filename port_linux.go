//go:build linux

package main

import (
	"strings"

	"github.com/hedhyw/Go-Serial-Detector/pkg/v1/serialdet"
)

// modemKeywords match device descriptions of common USB GSM modems
var modemKeywords = []string{"modem", "gsm", "sim800", "sim7600", "quectel", "huawei", "zte", "ch340", "cp210"}

// detectSerialPort returns the first serial device that looks like a GSM modem
func detectSerialPort() (string, error) {
	devices, err := serialdet.List()
	if err != nil {
		return "", err
	}

	for _, device := range devices {
		if matchesModem(device.Description()) {
			return device.Path(), nil
		}
	}

	return "", ErrNoModemPort
}

func matchesModem(description string) bool {
	description = strings.ToLower(description)
	for _, kw := range modemKeywords {
		if strings.Contains(description, kw) {
			return true
		}
	}
	return false
}
