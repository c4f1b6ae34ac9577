package traffic

import (
	"fmt"
	"hash/fnv"
)

// instanceChainBase returns the hex FNV-1a (64-bit) hash of instanceID used
// to derive that instance's <h>_IN/<h>_OUT chain names, the same
// hash/fnv-based scheme the teacher pack uses for deterministic,
// collision-resistant short identifiers.
func instanceChainBase(instanceID string) string {
	h := fnv.New64a()
	h.Write([]byte(instanceID))
	return fmt.Sprintf("%x", h.Sum64())
}

func instanceChainNames(instanceID string) (in, out string) {
	base := instanceChainBase(instanceID)
	return chainPrefix + base + "_IN", chainPrefix + base + "_OUT"
}
