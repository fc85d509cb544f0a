//go:build linux

package main

import "testing"

func TestMatchesModem(t *testing.T) {
	tests := []struct {
		description string
		want        bool
	}{
		{"SimTech SIM800 GSM Modem", true},
		{"QUECTEL EC25", true},
		{"HUAWEI Mobile Connect - 3G Modem", true},
		{"USB2.0-Serial CH340", true},
		{"Arduino Uno", false},
		{"CP210x UART Bridge", true},
		{"FTDI FT232R USB UART", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.description, func(t *testing.T) {
			if got := matchesModem(tt.description); got != tt.want {
				t.Errorf("matchesModem(%q) = %v, want %v", tt.description, got, tt.want)
			}
		})
	}
}
