//go:build linux

package kvm

import (
	"unsafe"

	"github.com/tinyrange/kvmaccel/internal/debug"
	"golang.org/x/sys/unix"
)

func ioctl(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	v1, _, err := unix.Syscall(unix.SYS_IOCTL, fd, uintptr(request), arg)
	if err != 0 {
		return 0, err
	}
	return v1, nil
}

func ioctlWithRetry(fd uintptr, request uint64, arg uintptr) (uintptr, error) {
	for {
		v1, err := ioctl(fd, request, arg)
		if err == unix.EINTR {
			continue
		}
		return v1, err
	}
}

func ioctlPtr(fd int, request uint64, arg unsafe.Pointer) (uintptr, error) {
	return ioctlWithRetry(uintptr(fd), request, uintptr(arg))
}

func ioctlInt(ioctl uint64) func(fd int) (int, error) {
	return func(fd int) (int, error) {
		v, err := ioctlWithRetry(uintptr(fd), ioctl, 0)
		if err != nil {
			return 0, err
		}
		return int(v), nil
	}
}

var (
	getAPIVersion   = ioctlInt(kvmGetAPIVersion)
	getVCPUMmapSize = ioctlInt(kvmGetVCPUMmapSize)
	resetDirtyRings = ioctlInt(kvmResetDirtyRings)
	getStatsFd      = ioctlInt(kvmGetStatsFd)
)

// createVM retries on EINTR, which the kernel returns when the creating
// thread is signalled during MMU setup.
func createVM(fd int, typ uint64) (int, error) {
	for {
		v, err := ioctl(uintptr(fd), kvmCreateVM, uintptr(typ))
		if err == unix.EINTR {
			debug.Writef("kvm createVM", "EINTR, retrying type=%d", typ)
			continue
		}
		if err != nil {
			return -1, err
		}
		return int(v), nil
	}
}

func checkExtension(fd int, cap Capability) (int, error) {
	ret, err := ioctlWithRetry(uintptr(fd), kvmCheckExtension, uintptr(cap))
	if err != nil {
		return 0, err
	}

	debug.Writef("kvm checkExtension", "fd=%d cap=%s ret=%d", fd, cap, ret)

	return int(ret), nil
}

func createVCPU(fd int, id int) (int, error) {
	v1, err := ioctlWithRetry(uintptr(fd), kvmCreateVCPU, uintptr(id))
	if err != nil {
		return -1, err
	}

	return int(v1), nil
}
