//go:build linux

package accel

import (
	"fmt"
	"unsafe"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"github.com/tinyrange/kvmaccel/internal/kvm"
)

// CreateDevice creates an in-kernel device of typ and returns its fd. With
// test set nothing is created and the fd is meaningless.
func (s *State) CreateDevice(typ uint32, test bool) (int, error) {
	if !s.caps.DeviceCtrl {
		return -1, ErrUnsupported
	}
	fd, err := s.k.CreateDevice(typ, test)
	if err != nil {
		return -1, fmt.Errorf("kvm: create device type %d: %w", typ, err)
	}
	return fd, nil
}

// DeviceSupported reports whether the kernel can create devices of typ.
func (s *State) DeviceSupported(typ uint32) bool {
	_, err := s.CreateDevice(typ, true)
	return err == nil
}

// HasDeviceAttr reports whether the device, VM or vCPU behind fd knows the
// attribute.
func (s *State) HasDeviceAttr(fd int, group uint32, attr uint64) bool {
	a := kvm.DeviceAttr{Group: group, Attr: attr}
	return s.k.HasDeviceAttr(fd, &a) == nil
}

// DeviceAccessAttr reads the attribute into val, or writes it from val.
func (s *State) DeviceAccessAttr(fd int, group uint32, attr uint64, val unsafe.Pointer, write bool) error {
	a := kvm.DeviceAttr{Group: group, Attr: attr}

	var err error
	if write {
		err = s.k.SetDeviceAttr(fd, &a, val)
	} else {
		err = s.k.GetDeviceAttr(fd, &a, val)
	}
	if err != nil {
		op := "get"
		if write {
			op = "set"
		}
		return fmt.Errorf("kvm: %s device attr group=%d attr=%d: %w", op, group, attr, err)
	}
	return nil
}

// VMHasAttr asks the VM fd about an attribute.
func (s *State) VMHasAttr(group uint32, attr uint64) bool {
	if !s.caps.VMAttributes {
		return false
	}
	return s.HasDeviceAttr(s.k.Fd(), group, attr)
}

// VCPUHasAttr asks the vCPU fd about an attribute.
func (s *State) VCPUHasAttr(c *VCPU, group uint32, attr uint64) bool {
	return s.HasDeviceAttr(c.fd, group, attr)
}

// GetOneReg reads the register id into val.
func (c *VCPU) GetOneReg(id uint64, val unsafe.Pointer) error {
	if err := c.s.k.GetOneReg(c.fd, id, val); err != nil {
		debug.Writef("kvm get one reg", "vcpu=%d id=%#x error=%v", c.id, id, err)
		return fmt.Errorf("kvm: vcpu %d get one reg %#x: %w", c.id, id, err)
	}
	return nil
}

// SetOneReg writes the register id from val.
func (c *VCPU) SetOneReg(id uint64, val unsafe.Pointer) error {
	if err := c.s.k.SetOneReg(c.fd, id, val); err != nil {
		debug.Writef("kvm set one reg", "vcpu=%d id=%#x error=%v", c.id, id, err)
		return fmt.Errorf("kvm: vcpu %d set one reg %#x: %w", c.id, id, err)
	}
	return nil
}
