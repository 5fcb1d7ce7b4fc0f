// Package dxmem provides a concurrency-safe, embeddable off-heap key/value
// memory manager. It maps 64-bit chunk identifiers (CIDs) to variable-sized,
// contiguously-allocated chunks of bytes resident in a large pre-reserved
// address space.
//
// A CID is split into a 16-bit node id (owner identity, opaque to this
// package) and a 48-bit local id. CIDTable resolves a CID to a 64-bit chunk
// entry word bit-packing a heap address, a length field (embedded or split
// with overflow bytes stored in the heap), a pin flag, and a reader/writer
// lock state. All entry transitions are compare-and-swap on that word, so
// many goroutines may Get/Put/Resize/Remove concurrently while a background
// defragmenter compacts the heap under its own exclusive barrier mode.
//
// This implementation essentially uses a fixed-depth radix trie of table
// blocks: a 16-bit node dispatch followed by four levels each consuming 12
// bits of the 48-bit local id, with leaf slots holding the chunk entry word
// directly as an atomic.Uint64. Inner table blocks are published once
// (write-once, acquire-load on read) and are never freed during the
// process lifetime.
package dxmem
