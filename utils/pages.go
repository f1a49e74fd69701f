package utils

import "os"

var pageSize = uint64(os.Getpagesize())

func PageSize() uint64 {
	return pageSize
}

func FloorPageSize(addr uint64) uint64 {
	return addr & ^(pageSize - 1)
}

func CeilPageSize(addr uint64) uint64 {
	return FloorPageSize(addr + pageSize - 1)
}

func IsPageAligned(addr uint64) bool {
	return addr == FloorPageSize(addr)
}
