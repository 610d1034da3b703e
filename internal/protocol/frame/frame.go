package frame

import (
	"bytes"
	"errors"
	"fmt"
)

// Capacity is the fixed characteristic size of the transponder protocol.
const Capacity = 20

var (
	ErrCommandTooLong = errors.New("frame: command exceeds frame capacity")
	ErrNonASCII       = errors.New("frame: command is not ascii")
	ErrBadCapacity    = errors.New("frame: invalid capacity")
)

// Codec encodes NUL-terminated ASCII strings into fixed-size frames.
type Codec struct {
	Capacity int
}

func DefaultCodec() Codec {
	return Codec{Capacity: Capacity}
}

// MaxCommandLen is the longest command that still leaves room for the terminator.
func (c Codec) MaxCommandLen() int {
	return c.Capacity - 1
}

// Encode returns a Capacity-sized, NUL-padded frame holding cmd.
func (c Codec) Encode(cmd string) ([]byte, error) {
	if c.Capacity < 2 {
		return nil, fmt.Errorf("%w: %d", ErrBadCapacity, c.Capacity)
	}
	if len(cmd)+1 > c.Capacity {
		return nil, fmt.Errorf("%w: %q is %d bytes, max %d", ErrCommandTooLong, cmd, len(cmd), c.MaxCommandLen())
	}
	for i := 0; i < len(cmd); i++ {
		if cmd[i] == 0 || cmd[i] > 0x7f {
			return nil, fmt.Errorf("%w: byte 0x%02x at %d", ErrNonASCII, cmd[i], i)
		}
	}
	buf := make([]byte, c.Capacity)
	copy(buf, cmd)
	return buf, nil
}

// Decode returns the text before the first NUL, or the whole buffer if none.
func (c Codec) Decode(b []byte) string {
	return Decode(b)
}

func Encode(cmd string) ([]byte, error) {
	return DefaultCodec().Encode(cmd)
}

func Decode(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
