package proc

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/mihkeltiks/rec-replay/logger"
)

// KernelMapping is one parsed /proc/<pid>/maps line.
type KernelMapping struct {
	Map Mapping
	Res Resource
}

func ReadKernelMappings(pid int) []KernelMapping {
	mapFile := fmt.Sprintf("/proc/%d/maps", pid)

	source, err := os.Open(mapFile)
	if err != nil {
		panic(err)
	}

	defer source.Close()

	mappings := make([]KernelMapping, 0)

	scanner := bufio.NewScanner(source)

	for scanner.Scan() {
		km, err := parseMapsLine(scanner.Text())
		if err != nil {
			logger.Fatal("malformed %s line: %v", mapFile, err)
		}
		mappings = append(mappings, km)
	}

	return mappings
}

func parseMapsLine(line string) (KernelMapping, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return KernelMapping{}, fmt.Errorf("%q: too few fields", line)
	}

	bounds := strings.Split(fields[0], "-")
	start, err := strconv.ParseUint(bounds[0], 16, 64)
	if err != nil {
		return KernelMapping{}, err
	}
	end, err := strconv.ParseUint(bounds[1], 16, 64)
	if err != nil {
		return KernelMapping{}, err
	}

	perms := fields[1]
	prot := 0
	flags := 0
	if strings.Contains(perms, "r") {
		prot |= unix.PROT_READ
	}
	if strings.Contains(perms, "w") {
		prot |= unix.PROT_WRITE
	}
	if strings.Contains(perms, "x") {
		prot |= unix.PROT_EXEC
	}
	if strings.Contains(perms, "p") {
		flags |= MapPrivate
	} else {
		flags |= MapShared
	}

	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return KernelMapping{}, err
	}

	dev := strings.Split(fields[3], ":")
	devMajor, _ := strconv.ParseUint(dev[0], 16, 64)
	devMinor, _ := strconv.ParseUint(dev[1], 16, 64)
	inode, err := strconv.ParseUint(fields[4], 10, 64)
	if err != nil {
		return KernelMapping{}, err
	}

	name := ""
	if len(fields) > 5 {
		name = strings.Join(fields[5:], " ")
	}

	return KernelMapping{
		Map: NewMapping(start, end, prot, flags, int64(offset)),
		Res: resourceForKernelName(devMajor, devMinor, inode, name),
	}, nil
}

func resourceForKernelName(devMajor, devMinor, inode uint64, name string) Resource {
	switch {
	case name == "[heap]":
		return PseudoResource(DeviceHeap, name)
	case name == "[stack]" || strings.HasPrefix(name, "[stack:"):
		return PseudoResource(DeviceStack, name)
	case name == "[vdso]":
		return PseudoResource(DeviceVdso, name)
	case inode == 0 && name == "":
		return Resource{PseudoDeviceId(DeviceAnonymous), name}
	default:
		return Resource{RealDeviceId(devMajor, devMinor, inode), name}
	}
}
