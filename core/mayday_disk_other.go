//go:build !linux

package core

import "fmt"

func diskFreeMBImpl(dir string) (int64, error) {
	return -1, fmt.Errorf("disk free: unsupported platform")
}
