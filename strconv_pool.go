package dbus

import (
	"bytes"
	"unsafe"
)

// DefaultStringConverterSize is the default buffer size (in bytes) used to
// batch decoded string bytes, trading a little memory for fewer allocations
// on chatty connections (e.g. decoding a large ListNames reply).
const DefaultStringConverterSize = 4096

func newStringConverter(cap int) *stringConverter {
	return &stringConverter{
		buf: bytes.NewBuffer(make([]byte, 0, cap)),
		cap: cap,
	}
}

// stringConverter converts decoded bytes to strings with fewer allocations
// by accumulating them into a shared buffer and slicing unsafe.String views
// into it, instead of allocating one string per STRING/OBJECT_PATH value.
// Once the buffer fills, a fresh one is started; old buffers are reclaimed
// by the GC once every string view into them is unreachable.
type stringConverter struct {
	buf    *bytes.Buffer
	cap    int
	offset int
}

// String converts b to a string, reusing the converter's backing buffer.
func (c *stringConverter) String(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	if c.buf.Len()+len(b) > c.cap {
		c.buf = bytes.NewBuffer(make([]byte, 0, c.cap))
		c.offset = 0
	}

	// Buffer.Write always returns a nil error.
	n, _ := c.buf.Write(b)
	view := c.buf.Bytes()[c.offset:]
	s := unsafe.String(&view[0], len(view))
	c.offset += n
	return s
}
