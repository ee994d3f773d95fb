//go:build !unix

package main

import "errors"

func isDaemonChild() bool { return false }

func detach() error {
	return errors.New("background mode is not supported on this platform")
}
