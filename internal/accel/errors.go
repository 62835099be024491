package accel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrNoSpace is returned when the GSI space or routing table is full.
	ErrNoSpace = errors.New("kvm: no free GSI")
	// ErrRouteNotFound is returned when updating a GSI that has no route.
	ErrRouteNotFound = errors.New("kvm: no route for GSI")
	// ErrNoGSIMapping is returned for an IRQ line that was never mapped to a
	// GSI.
	ErrNoGSIMapping = errors.New("kvm: IRQ line has no GSI")
	ErrUnsupported  = errors.New("kvm: not supported by this kernel")

	ErrMissingCapability = errors.New("kvm: missing required capability")
	ErrVersion           = errors.New("kvm: unsupported API version")
	ErrTooManyVCPUs      = errors.New("kvm: too many vCPUs")
	ErrRingTooBig        = errors.New("kvm: dirty ring size too big")
	ErrMemoryFault       = errors.New("kvm: memory fault")
	// ErrHalted is returned by the run loop after it stopped the machine.
	ErrHalted = errors.New("kvm: machine stopped")
	// ErrVCPUStopped is returned for work posted to a destroyed vCPU.
	ErrVCPUStopped = errors.New("kvm: vcpu stopped")
)

// CapabilityError names the first missing required capability.
type CapabilityError struct {
	Name string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("kvm does not support %s", e.Name)
}

func (e *CapabilityError) Unwrap() error { return ErrMissingCapability }

// onceLogger logs each (site, message) pair once.
type onceLogger struct {
	seen sync.Map
}

func (o *onceLogger) Error(log *slog.Logger, site string, err error, args ...any) {
	key := site + "\x00" + err.Error()
	if _, loaded := o.seen.LoadOrStore(key, struct{}{}); loaded {
		return
	}
	log.Error(site, append([]any{"error", err}, args...)...)
}
