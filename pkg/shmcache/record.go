package shmcache

import (
	"encoding/binary"
	"fmt"
)

// Record layout, spread over the payloads of a chunk chain:
//
//	key_len   uint32
//	value_len uint32
//	key       [key_len]byte
//	value     [value_len]byte
//
// A payload is the chunk minus its chunk word. Keys are at most MaxKeySize
// bytes, which always fits the payload of a chain's head chunk.
const recordHeaderSize = 8

// recordLen returns the encoded size of a record.
func recordLen(key, value []byte) uint64 {
	return recordHeaderSize + uint64(len(key)) + uint64(len(value))
}

// payload returns the payload of an in-use chunk.
func (a *arena) payload(off uint64, c int) []byte {
	return a.data[off+chunkWordSize : off+a.classSize(c)]
}

// chainWriter copies a byte stream across the payloads of a chain.
type chainWriter struct {
	a     *arena
	chain []uint64
	buf   []byte
}

func (w *chainWriter) write(p []byte) {
	for len(p) > 0 {
		if len(w.buf) == 0 {
			off := w.chain[0]
			w.chain = w.chain[1:]

			_, c, _ := w.a.chunkClass(off)
			w.buf = w.a.payload(off, c)
		}

		n := copy(w.buf, p)
		w.buf = w.buf[n:]
		p = p[n:]
	}
}

// writeRecord stores key and value in a chain from allocChain.
func (a *arena) writeRecord(chain []uint64, key, value []byte) {
	var hdr [recordHeaderSize]byte

	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(key)))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(value)))

	w := chainWriter{a: a, chain: chain}
	w.write(hdr[:])
	w.write(key)
	w.write(value)
}

// headChunk validates head and returns the record lengths and the head
// payload.
func (a *arena) headChunk(head uint64) (keyLen, valueLen uint64, p []byte, err error) {
	_, c, err := a.chunkClass(head)
	if err != nil {
		return 0, 0, nil, err
	}

	if a.u64(head)&freeBit != 0 {
		return 0, 0, nil, fmt.Errorf("indexed chunk %d is free: %w", head, ErrCorrupt)
	}

	p = a.payload(head, c)
	keyLen = uint64(binary.LittleEndian.Uint32(p[0:]))
	valueLen = uint64(binary.LittleEndian.Uint32(p[4:]))

	if keyLen > MaxKeySize || valueLen > MaxValueSize {
		return 0, 0, nil, fmt.Errorf("record at %d has key_len %d value_len %d: %w", head, keyLen, valueLen, ErrCorrupt)
	}

	if recordHeaderSize+keyLen > uint64(len(p)) {
		return 0, 0, nil, fmt.Errorf("record at %d: key does not fit head chunk: %w", head, ErrCorrupt)
	}

	return keyLen, valueLen, p, nil
}

// recordKey returns the key of the record at head without copying.
func (a *arena) recordKey(head uint64) ([]byte, error) {
	keyLen, _, p, err := a.headChunk(head)
	if err != nil {
		return nil, err
	}

	return p[recordHeaderSize : recordHeaderSize+keyLen], nil
}

// readValue copies the value of the record at head.
//
// Every chunk of the chain is validated; a chain that is too short, too long,
// or leaves the carved slabs is ErrCorrupt.
func (a *arena) readValue(head uint64) ([]byte, error) {
	keyLen, valueLen, p, err := a.headChunk(head)
	if err != nil {
		return nil, err
	}

	value := make([]byte, valueLen)
	skip := recordHeaderSize + keyLen
	dst := value
	off := head

	for {
		if skip < uint64(len(p)) {
			n := copy(dst, p[skip:])
			dst = dst[n:]
		}

		skip -= min(skip, uint64(len(p)))

		next := a.u64(off)
		if len(dst) == 0 {
			if next != 0 {
				return nil, fmt.Errorf("record at %d: chain continues past value end: %w", head, ErrCorrupt)
			}

			return value, nil
		}

		if next == 0 {
			return nil, fmt.Errorf("record at %d: chain ends %d bytes early: %w", head, len(dst), ErrCorrupt)
		}

		_, c, err := a.chunkClass(next)
		if err != nil {
			return nil, err
		}

		if a.u64(next)&freeBit != 0 {
			return nil, fmt.Errorf("record at %d: chain reaches free chunk %d: %w", head, next, ErrCorrupt)
		}

		off = next
		p = a.payload(off, c)
	}
}
