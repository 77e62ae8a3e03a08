package varalloc

import "github.com/sile/ipc-msgque/internal/atomickit"

func atomicLoad(addr *uint64) uint64            { return atomickit.Load64(addr) }
func atomicStore(addr *uint64, v uint64)        { atomickit.Store64(addr, v) }
func atomicCAS(addr *uint64, old, new uint64) bool {
	return atomickit.CAS64(addr, old, new)
}
