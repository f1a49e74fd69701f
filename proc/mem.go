package proc

import (
	"fmt"
	"os"
)

// OpenMemFile opens /proc/<pid>/mem for both reading and writing. The caller
// owns the handle; an AddressSpace takes it over on exec.
func OpenMemFile(pid int) (*os.File, error) {
	return os.OpenFile(MemFileName(pid), os.O_RDWR, 0)
}

func MemFileName(pid int) string {
	return fmt.Sprintf("/proc/%d/mem", pid)
}
