package main

import (
	"fmt"
	"os"
	"strings"
)

// uiMode controls whether stat renders the live progress view.
type uiMode int

const (
	uiAuto uiMode = iota
	uiOn
	uiOff
)

func readUIMode(value string) (uiMode, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "", "auto":
		return uiAuto, nil
	case "on", "always":
		return uiOn, nil
	case "off", "never":
		return uiOff, nil
	}
	return uiAuto, fmt.Errorf("bad --ui value %q, want auto, on or off", value)
}

// shouldUseTUI resolves auto against whether stdout is a terminal.
func (m uiMode) shouldUseTUI() bool {
	switch m {
	case uiOn:
		return true
	case uiOff:
		return false
	}
	return isTerminal(os.Stdout)
}
