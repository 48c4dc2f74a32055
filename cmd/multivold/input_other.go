//go:build !linux

package main

import (
	"errors"
	"os"
)

func readInputEvents(_ []*os.File, _ chan<- inputEvent, readErr chan<- error) {
	readErr <- errors.New("input devices are only supported on linux")
}
