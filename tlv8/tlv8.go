// Package tlv8 implements the type-length-value encoding used by HAP pairing
// messages.
//
// Every item is a 1-byte type, a 1-byte length and up to 255 bytes of value.
// Longer values are written as consecutive items of the same type which the
// decoder joins again. A type may only reappear after a different type when a
// separator item (TypeSeparator) sits in between; lists of pairings use this.
package tlv8

import (
	"bytes"
	"errors"
	"fmt"
)

const (
	// TypeSeparator is the zero-length item that separates list entries.
	TypeSeparator byte = 0xFF

	maxChunkLength = 255
)

// ErrMalformedTLV is returned when a buffer is not valid TLV8.
var ErrMalformedTLV = errors.New("tlv8: malformed data")

// Item is one decoded value. Value holds the joined bytes of a run.
type Item struct {
	Type  byte
	Value []byte
}

// Encode writes items in order, splitting values longer than 255 bytes into
// runs of the same type.
func Encode(items []Item) []byte {
	var buf bytes.Buffer
	for _, it := range items {
		writeItem(&buf, it.Type, it.Value)
	}
	return buf.Bytes()
}

func writeItem(buf *bytes.Buffer, t byte, v []byte) {
	if len(v) == 0 {
		buf.WriteByte(t)
		buf.WriteByte(0)
		return
	}
	for len(v) > 0 {
		n := len(v)
		if n > maxChunkLength {
			n = maxChunkLength
		}
		buf.WriteByte(t)
		buf.WriteByte(byte(n))
		buf.Write(v[:n])
		v = v[n:]
	}
}

// Decode reads b left to right. Consecutive items of the same type are joined
// into one Item. A full 255-byte chunk is the only way a run continues; a
// shorter chunk ends it, so a following item of the same type without a
// separator in between is rejected as malformed.
func Decode(b []byte) ([]Item, error) {
	var (
		items []Item
		seen  = map[byte]bool{}
		open  = -1 // index of the item whose run may still continue
	)
	for i := 0; i < len(b); {
		if i+2 > len(b) {
			return nil, fmt.Errorf("%w: truncated header at offset %d", ErrMalformedTLV, i)
		}
		t, l := b[i], int(b[i+1])
		i += 2
		if i+l > len(b) {
			return nil, fmt.Errorf("%w: item %#x of length %d exceeds buffer at offset %d", ErrMalformedTLV, t, l, i-2)
		}
		v := b[i : i+l]
		i += l

		if t == TypeSeparator {
			items = append(items, Item{Type: t})
			seen = map[byte]bool{}
			open = -1
			continue
		}
		if open >= 0 && items[open].Type == t {
			items[open].Value = append(items[open].Value, v...)
		} else {
			if seen[t] {
				return nil, fmt.Errorf("%w: non-contiguous repeat of item %#x", ErrMalformedTLV, t)
			}
			seen[t] = true
			items = append(items, Item{Type: t, Value: append([]byte{}, v...)})
			open = len(items) - 1
		}
		if l < maxChunkLength {
			open = -1
		}
	}
	return items, nil
}

// Container is a decoded message with lookup by type.
type Container struct {
	items []Item
}

// NewContainer decodes b.
func NewContainer(b []byte) (*Container, error) {
	items, err := Decode(b)
	if err != nil {
		return nil, err
	}
	return &Container{items: items}, nil
}

// Add appends an item.
func (c *Container) Add(t byte, v []byte) {
	c.items = append(c.items, Item{Type: t, Value: v})
}

// AddByte appends a one byte item.
func (c *Container) AddByte(t byte, v byte) {
	c.Add(t, []byte{v})
}

// Get returns the value of the first item of type t, or nil.
func (c *Container) Get(t byte) []byte {
	for _, it := range c.items {
		if it.Type == t {
			return it.Value
		}
	}
	return nil
}

// Has reports whether an item of type t exists.
func (c *Container) Has(t byte) bool {
	for _, it := range c.items {
		if it.Type == t {
			return true
		}
	}
	return false
}

// Items returns the items in order.
func (c *Container) Items() []Item {
	return c.items
}

// Bytes encodes the container.
func (c *Container) Bytes() []byte {
	return Encode(c.items)
}

// Split decodes b and returns every separator-delimited segment re-encoded on
// its own, so each segment can be passed to Unmarshal.
func Split(b []byte) ([][]byte, error) {
	items, err := Decode(b)
	if err != nil {
		return nil, err
	}
	var (
		out [][]byte
		cur []Item
	)
	for _, it := range items {
		if it.Type == TypeSeparator {
			out = append(out, Encode(cur))
			cur = nil
			continue
		}
		cur = append(cur, it)
	}
	if len(cur) > 0 || len(out) == 0 {
		out = append(out, Encode(cur))
	}
	return out, nil
}
