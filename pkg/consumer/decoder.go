package consumer

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"

	"github.com/maxgio92/xmem/pkg/event"
)

const (
	headerSize   = 0x08
	pidOffset    = 0x08
	discOffset   = 0x0c
	payloadStart = 0x10
	stackLenSize = 8
	addrSize     = 8
)

var (
	ErrTruncated      = errors.New("truncated record")
	ErrNoDiscriminant = errors.New("record has no discriminant")
	ErrDuplicateKind  = errors.New("duplicate discriminant")
)

// DecodeError reports a record that could not be decoded.
type DecodeError struct {
	Len          int
	Discriminant uint32
	Err          error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("error decoding record of %d bytes with discriminant %d: %v", e.Len, e.Discriminant, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decoder decodes raw records according to a table of payload layouts.
type Decoder struct {
	layouts map[uint32]compiledLayout
}

func NewDecoder(layouts []Layout) (*Decoder, error) {
	d := &Decoder{layouts: make(map[uint32]compiledLayout, len(layouts))}
	for _, l := range layouts {
		if _, ok := d.layouts[l.Discriminant]; ok {
			return nil, errors.Wrapf(ErrDuplicateKind, "%d", l.Discriminant)
		}
		compiled, err := compile(l)
		if err != nil {
			return nil, err
		}
		d.layouts[l.Discriminant] = compiled
	}

	return d, nil
}

// Decode parses one record. Records whose declared sizes do not fit
// their length are rejected with ErrTruncated.
func (d *Decoder) Decode(raw []byte) (*event.Event, error) {
	if len(raw) < payloadStart {
		return nil, &DecodeError{Len: len(raw), Err: ErrTruncated}
	}
	disc := binary.NativeEndian.Uint32(raw[discOffset:])
	if disc == 0 {
		return nil, &DecodeError{Len: len(raw), Err: ErrNoDiscriminant}
	}
	layout, ok := d.layouts[disc]
	if !ok {
		return nil, &DecodeError{Len: len(raw), Discriminant: disc, Err: event.ErrUnknownKind}
	}

	stackLenOffset := payloadStart + layout.size
	if len(raw) < stackLenOffset+stackLenSize {
		return nil, &DecodeError{Len: len(raw), Discriminant: disc, Err: ErrTruncated}
	}
	stackLen := binary.NativeEndian.Uint64(raw[stackLenOffset:])
	stackStart := stackLenOffset + stackLenSize
	if stackLen > uint64(len(raw)-stackStart)/addrSize {
		return nil, &DecodeError{Len: len(raw), Discriminant: disc, Err: ErrTruncated}
	}

	evt := &event.Event{
		Kind: layout.kind,
		Pid:  binary.NativeEndian.Uint32(raw[pidOffset:]),
	}
	copy(evt.Header[:], raw[:headerSize])

	payload := raw[payloadStart:stackLenOffset]
	for _, f := range layout.fields {
		f.set(&evt.Payload, readUint(payload[f.offset:], f.width))
	}

	if stackLen > 0 {
		evt.Stack = make([]uint64, 0, stackLen)
		for i := uint64(0); i < stackLen; i++ {
			addr := binary.NativeEndian.Uint64(raw[stackStart+int(i)*addrSize:])
			// stack_len may be rounded up to a bucket size. The probe must
			// zero the words past the captured depth: they are not
			// cleared by the ring buffer reservation.
			if addr == 0 {
				break
			}
			evt.Stack = append(evt.Stack, addr)
		}
	}

	return evt, nil
}

func readUint(b []byte, width int) uint64 {
	switch width {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.NativeEndian.Uint16(b))
	case 4:
		return uint64(binary.NativeEndian.Uint32(b))
	default:
		return binary.NativeEndian.Uint64(b)
	}
}
