//go:build !linux

package main

func detectSerialPort() (string, error) {
	return "", ErrNoModemPort
}
