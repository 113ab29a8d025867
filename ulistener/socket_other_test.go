//go:build !linux

package ulistener

import "errors"

func openFDs() (int, error) {
	return 0, errors.New("not supported")
}
