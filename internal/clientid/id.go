// Package clientid implements the connector's composite client id scheme.
//
// A simple id fits in the low 32 bits and addresses a directly connected
// client. A composite id additionally carries a passthrough parent id in
// the high 32 bits and addresses a sub-client behind that parent (spec.md
// §3, §4.4, GLOSSARY).
package clientid

// MaxSimpleID is the highest id reserved for directly connected clients.
// Ids above this value are ambiguous with composite ids and must never be
// assigned to a real client.
const MaxSimpleID = 1<<32 - 1

// Composite packs a passthrough parent id and a remote sub-client id into
// a single 64-bit client id. parent must be nonzero; sub may be any
// 32-bit value as reported by the passthrough peer.
func Composite(parent uint64, sub uint32) uint64 {
	return (parent << 32) | uint64(sub)
}

// IsComposite reports whether id carries a nonzero passthrough parent in
// its high 32 bits.
func IsComposite(id uint64) bool {
	return id>>32 != 0
}

// Split decomposes a composite id into its passthrough parent and
// sub-client components. If id is not composite, parent is 0 and sub is
// id truncated to 32 bits.
func Split(id uint64) (parent uint64, sub uint32) {
	return id >> 32, uint32(id)
}
