package vm

import "mem"

// This package works with page-table entries constantly enough that it
// aliases mem's PTE_* bits and page-size constants into its own namespace,
// the same way the teacher's vm package is written against bare PTE_W
// instead of mem.PTE_W throughout as.go and userbuf.go.
const (
	PGSHIFT  = mem.PGSHIFT
	PGSIZE   = mem.PGSIZE
	PGOFFSET = mem.PGOFFSET
	PGMASK   = mem.PGMASK

	PTE_P      = mem.PTE_P
	PTE_W      = mem.PTE_W
	PTE_U      = mem.PTE_U
	PTE_COW    = mem.PTE_COW
	PTE_PCD    = mem.PTE_PCD
	PTE_WASCOW = mem.PTE_WASCOW
	PTE_PS     = mem.PTE_PS
	PTE_G      = mem.PTE_G
	PTE_A      = mem.PTE_A
	PTE_D      = mem.PTE_D
	PTE_ADDR   = mem.PTE_ADDR
)
