package proc

import "fmt"

// PseudoDevice identifies backing objects which have no real device behind
// them. Numbering is part of the trace format; do not reorder.
type PseudoDevice int

const (
	DeviceReal PseudoDevice = iota
	DeviceAnonymous
	DeviceHeap
	DeviceScratch
	DeviceSharedMmapFile
	DeviceStack
	DeviceSyscallbuf
	DeviceVdso
	DeviceNone
)

// FileId is the identity of a mapping's backing object: either a real
// device/inode triple or one of the pseudo-device kinds.
type FileId struct {
	Device   PseudoDevice
	DevMajor uint64
	DevMinor uint64
	Inode    uint64
}

func RealDeviceId(major, minor, inode uint64) FileId {
	return FileId{DeviceReal, major, minor, inode}
}

func PseudoDeviceId(kind PseudoDevice) FileId {
	return FileId{Device: kind}
}

func (f FileId) IsRealDevice() bool {
	return f.Device == DeviceReal
}

// Equivalent reports whether two ids name the same backing object. For real
// devices, a zero major device ignores the minor: some kernels report
// different minors for the same tmpfs file depending on the observer.
func (f FileId) Equivalent(o FileId) bool {
	if f.Device != o.Device {
		return false
	}
	if !f.IsRealDevice() {
		return true
	}
	if f.Inode != o.Inode || f.DevMajor != o.DevMajor {
		return false
	}
	if f.DevMajor == 0 {
		return true
	}
	return f.DevMinor == o.DevMinor
}

// Resource names the backing object of a mapping.
type Resource struct {
	Id     FileId
	Fsname string
}

// the fsname prefix given to placeholder resources for empty regions; such
// resources coalesce with anything adjacent
const emptyRegionPrefix = "(empty:"

func AnonymousResource(inode uint64) Resource {
	return Resource{FileId{Device: DeviceAnonymous, Inode: inode}, ""}
}

func PseudoResource(kind PseudoDevice, fsname string) Resource {
	return Resource{PseudoDeviceId(kind), fsname}
}

func EmptyRegionResource(start uint64) Resource {
	return Resource{PseudoDeviceId(DeviceNone), fmt.Sprintf("%s%#x)", emptyRegionPrefix, start)}
}

func (r Resource) IsEmptyRegionPlaceholder() bool {
	return len(r.Fsname) >= len(emptyRegionPrefix) && r.Fsname[:len(emptyRegionPrefix)] == emptyRegionPrefix
}

func (r Resource) Equivalent(o Resource) bool {
	return r.Id.Equivalent(o.Id)
}

func (r Resource) String() string {
	if r.Id.IsRealDevice() {
		return fmt.Sprintf("%d:%d inode:%d %s", r.Id.DevMajor, r.Id.DevMinor, r.Id.Inode, r.Fsname)
	}
	return fmt.Sprintf("(pseudo:%d) %s", r.Id.Device, r.Fsname)
}
