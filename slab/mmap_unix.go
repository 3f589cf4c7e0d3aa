//go:build linux || darwin
// +build linux darwin

// Package slab's mmap plumbing has no tgres counterpart - tgres kept
// its round robin archives in memory and serialized them to Postgres.
// The syscall shape below follows influxdata's tsm1 mmap helper
// instead, for mapping a fixed-size file read/write.
package slab

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmapFile(f *os.File, size int64) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func munmapData(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}

func syncData(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Msync(data, unix.MS_SYNC)
}
