//go:build windows

package admintui

func bestEffortResetTTY() {}
