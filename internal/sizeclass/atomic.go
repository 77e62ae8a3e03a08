package sizeclass

import "github.com/sile/ipc-msgque/internal/atomickit"

func atomicLoad(addr *uint64) uint64 { return atomickit.Load64(addr) }

func atomicLoad32(addr *uint32) uint32 { return atomickit.Load32(addr) }

func atomicStore32(addr *uint32, v uint32) { atomickit.Store32(addr, v) }

func atomicCAS(addr *uint64, old, new uint64) bool {
	return atomickit.CAS64(addr, old, new)
}
