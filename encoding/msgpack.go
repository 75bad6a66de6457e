// Package encoding provides msgpack serialization for mialloc, including
// encoders that write straight into allocator-owned memory.
//
// Thread Safety: Marshal and Unmarshal are safe for concurrent use.
//
// Type Preservation: When decoding into interface{}, msgpack strings decode as
// Go strings (not []byte).
package encoding

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// encoderPoolEntry provides pooled msgpack encoders for reduced allocations.
type encoderPoolEntry struct {
	buf *bytes.Buffer
	enc *msgpack.Encoder
}

var encoderPool = sync.Pool{
	New: func() interface{} {
		buf := new(bytes.Buffer)
		enc := msgpack.NewEncoder(buf)
		return &encoderPoolEntry{buf: buf, enc: enc}
	},
}

// encode runs v through a pooled encoder and hands the encoded bytes to fn
// before the buffer goes back to the pool.
func encode(v interface{}, fn func([]byte) error) error {
	entry := encoderPool.Get().(*encoderPoolEntry)
	defer encoderPool.Put(entry)
	entry.buf.Reset()

	if err := entry.enc.Encode(v); err != nil {
		return err
	}
	return fn(entry.buf.Bytes())
}

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	var out []byte
	err := encode(v, func(b []byte) error {
		// Copy result before returning to pool
		out = make([]byte, len(b))
		copy(out, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings (not []byte).
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
