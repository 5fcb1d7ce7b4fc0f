package dxmem

// Address is a byte offset into the heap's reserved region. The core only
// ever deals with 43 usable bits; AddressInvalid is the all-ones sentinel
// for "no address."
type Address uint64

const (
	addressBits uint = 43
	addressMask       = Address(1)<<addressBits - 1

	// AddressInvalid marks a chunk entry with no backing heap allocation.
	AddressInvalid = addressMask

	// HeapSizeMax is the largest heap region this package can address
	// (2^43 bytes, 8 TiB), since addresses are packed into 43 bits of the
	// chunk entry word alongside the lock and length fields.
	HeapSizeMax = uint64(1) << addressBits
)

// Valid reports whether addr is within the addressable range and is not
// the invalid sentinel.
func (a Address) Valid() bool {
	return a != AddressInvalid && a <= addressMask
}
