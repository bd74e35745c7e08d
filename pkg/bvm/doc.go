package bvm

import (
	"encoding/hex"
	"errors"
	"io"

	jsoniter "github.com/json-iterator/go"
)

// docFlushSize is the buffered size at which the writer flushes.
const docFlushSize = 4096

// ErrDocClosed is returned when writing to a closed document.
var ErrDocClosed = errors.New("document closed")

type docLevel struct {
	array bool
	n     int
}

// DocWriter streams a JSON document. Fields are written as they are added;
// separators are inserted automatically and nothing is kept in memory
// beyond the open-level stack.
type DocWriter struct {
	s      *jsoniter.Stream
	levels []docLevel
	closed bool
}

// NewDocWriter starts a document on w. The root is an object.
func NewDocWriter(w io.Writer) *DocWriter {
	s := jsoniter.NewStream(jsoniter.ConfigCompatibleWithStandardLibrary, w, 512)
	s.WriteObjectStart()
	return &DocWriter{s: s, levels: []docLevel{{}}}
}

// field writes the separator and, inside objects, the field name.
func (d *DocWriter) field(name string) error {
	if d.closed {
		return ErrDocClosed
	}
	lvl := &d.levels[len(d.levels)-1]
	if lvl.n > 0 {
		d.s.WriteMore()
	}
	lvl.n++
	if !lvl.array {
		d.s.WriteObjectField(name)
	}
	return nil
}

func (d *DocWriter) maybeFlush() error {
	if d.s.Buffered() < docFlushSize {
		return nil
	}
	return d.s.Flush()
}

// OpenGroup opens a nested object.
func (d *DocWriter) OpenGroup(name string) error {
	if err := d.field(name); err != nil {
		return err
	}
	d.s.WriteObjectStart()
	d.levels = append(d.levels, docLevel{})
	return nil
}

// CloseGroup closes the innermost object.
func (d *DocWriter) CloseGroup() error {
	if d.closed || len(d.levels) < 2 || d.levels[len(d.levels)-1].array {
		return ErrDocNesting
	}
	d.s.WriteObjectEnd()
	d.levels = d.levels[:len(d.levels)-1]
	return d.maybeFlush()
}

// OpenArray opens a nested array. Names of fields added inside are ignored.
func (d *DocWriter) OpenArray(name string) error {
	if err := d.field(name); err != nil {
		return err
	}
	d.s.WriteArrayStart()
	d.levels = append(d.levels, docLevel{array: true})
	return nil
}

// CloseArray closes the innermost array.
func (d *DocWriter) CloseArray() error {
	if d.closed || len(d.levels) < 2 || !d.levels[len(d.levels)-1].array {
		return ErrDocNesting
	}
	d.s.WriteArrayEnd()
	d.levels = d.levels[:len(d.levels)-1]
	return d.maybeFlush()
}

// AddText adds a string.
func (d *DocWriter) AddText(name, v string) error {
	if err := d.field(name); err != nil {
		return err
	}
	d.s.WriteString(v)
	return d.maybeFlush()
}

// AddNum adds an unsigned number.
func (d *DocWriter) AddNum(name string, v uint64) error {
	if err := d.field(name); err != nil {
		return err
	}
	d.s.WriteUint64(v)
	return d.maybeFlush()
}

// AddBlob adds bytes as a hex string.
func (d *DocWriter) AddBlob(name string, v []byte) error {
	return d.AddText(name, hex.EncodeToString(v))
}

// Depth returns the number of open nested levels.
func (d *DocWriter) Depth() int {
	return len(d.levels) - 1
}

// Close closes any open levels, terminates the document and flushes it.
func (d *DocWriter) Close() error {
	if d.closed {
		return nil
	}
	for i := len(d.levels) - 1; i >= 0; i-- {
		if d.levels[i].array {
			d.s.WriteArrayEnd()
		} else {
			d.s.WriteObjectEnd()
		}
	}
	d.levels = nil
	d.closed = true
	if err := d.s.Flush(); err != nil {
		return err
	}
	return d.s.Error
}
