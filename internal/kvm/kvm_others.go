//go:build !linux

package kvm

import "fmt"

type System struct{}

func Open(path string) (*System, error) {
	return nil, fmt.Errorf("kvm: not supported on this platform")
}

func (s *System) Close() error { return nil }
