package consumer

import (
	"github.com/pkg/errors"

	"github.com/maxgio92/xmem/pkg/event"
)

// Semantic field names a layout can map payload bytes to.
const (
	FieldAddress  = "address"
	FieldOrder    = "order"
	FieldSize     = "size"
	FieldMember   = "member"
	FieldCallSite = "call_site"
)

var ErrInvalidLayout = errors.New("invalid payload layout")

// Field maps Width bytes at Offset of the payload to a semantic field.
type Field struct {
	Name   string `mapstructure:"name" json:"name" yaml:"name"`
	Offset int    `mapstructure:"offset" json:"offset" yaml:"offset"`
	Width  int    `mapstructure:"width" json:"width" yaml:"width"`
}

// Layout describes the payload of the records carrying Discriminant.
// The stack following the payload ends at stack_len words or at the
// first zero word, whichever comes first: a probe rounding stack_len up
// must write zeros past the frames it captured.
type Layout struct {
	Kind         string  `mapstructure:"kind" json:"kind" yaml:"kind"`
	Discriminant uint32  `mapstructure:"discriminant" json:"discriminant" yaml:"discriminant"`
	Size         int     `mapstructure:"size" json:"size" yaml:"size"`
	Fields       []Field `mapstructure:"fields" json:"fields" yaml:"fields"`
}

func slabAllocLayout(kind string, disc uint32) Layout {
	return Layout{
		Kind:         kind,
		Discriminant: disc,
		Size:         40,
		Fields: []Field{
			{Name: FieldCallSite, Offset: 0, Width: 8},
			{Name: FieldAddress, Offset: 8, Width: 8},
			{Name: FieldSize, Offset: 24, Width: 8},
		},
	}
}

// DefaultLayouts returns the layouts of the bundled probe, whose payloads
// are the kernel tracepoint records past their common header.
func DefaultLayouts() []Layout {
	return []Layout{
		{
			Kind: "page-alloc", Discriminant: 1, Size: 24,
			Fields: []Field{{FieldAddress, 0, 8}, {FieldOrder, 8, 4}},
		},
		{
			Kind: "page-free", Discriminant: 2, Size: 16,
			Fields: []Field{{FieldAddress, 0, 8}, {FieldOrder, 8, 4}},
		},
		{
			Kind: "page-free-batched", Discriminant: 3, Size: 8,
			Fields: []Field{{FieldAddress, 0, 8}},
		},
		slabAllocLayout("kmalloc", 4),
		slabAllocLayout("kmalloc-node", 5),
		slabAllocLayout("cache-alloc", 6),
		slabAllocLayout("cache-alloc-node", 7),
		{
			Kind: "kfree", Discriminant: 8, Size: 16,
			Fields: []Field{{FieldCallSite, 0, 8}, {FieldAddress, 8, 8}},
		},
		{
			Kind: "cache-free", Discriminant: 9, Size: 24,
			Fields: []Field{{FieldCallSite, 0, 8}, {FieldAddress, 8, 8}},
		},
		{
			Kind: "rss-stat", Discriminant: 10, Size: 24,
			Fields: []Field{{FieldMember, 8, 4}, {FieldSize, 16, 8}},
		},
		{
			Kind: "percpu-alloc", Discriminant: 11, Size: 56,
			Fields: []Field{{FieldSize, 16, 8}, {FieldAddress, 48, 8}},
		},
		{
			Kind: "percpu-free", Discriminant: 12, Size: 24,
			Fields: []Field{{FieldAddress, 16, 8}},
		},
		{
			Kind: "add-to-page-cache", Discriminant: 13, Size: 32,
			Fields: []Field{{FieldAddress, 0, 8}},
		},
		{
			Kind: "remove-from-page-cache", Discriminant: 14, Size: 32,
			Fields: []Field{{FieldAddress, 0, 8}},
		},
	}
}

type compiledField struct {
	offset int
	width  int
	set    func(*event.Payload, uint64)
}

type compiledLayout struct {
	kind   event.Kind
	size   int
	fields []compiledField
}

func fieldSetter(name string) (func(*event.Payload, uint64), bool) {
	switch name {
	case FieldAddress:
		return func(p *event.Payload, v uint64) { p.Address = v }, true
	case FieldOrder:
		return func(p *event.Payload, v uint64) { p.Order = v }, true
	case FieldSize:
		return func(p *event.Payload, v uint64) { p.Size = v }, true
	case FieldMember:
		return func(p *event.Payload, v uint64) { p.Member = v }, true
	case FieldCallSite:
		return func(p *event.Payload, v uint64) { p.CallSite = v }, true
	}
	return nil, false
}

func compile(l Layout) (compiledLayout, error) {
	kind, err := event.ParseKind(l.Kind)
	if err != nil {
		return compiledLayout{}, errors.Wrapf(ErrInvalidLayout, "discriminant %d: %v", l.Discriminant, err)
	}
	if l.Discriminant == 0 {
		return compiledLayout{}, errors.Wrapf(ErrInvalidLayout, "%s: discriminant 0 is reserved", l.Kind)
	}
	if l.Size < 0 {
		return compiledLayout{}, errors.Wrapf(ErrInvalidLayout, "%s: negative size", l.Kind)
	}

	out := compiledLayout{kind: kind, size: l.Size}
	for _, f := range l.Fields {
		set, ok := fieldSetter(f.Name)
		if !ok {
			return compiledLayout{}, errors.Wrapf(ErrInvalidLayout, "%s: unknown field %q", l.Kind, f.Name)
		}
		switch f.Width {
		case 1, 2, 4, 8:
		default:
			return compiledLayout{}, errors.Wrapf(ErrInvalidLayout, "%s: field %s has width %d", l.Kind, f.Name, f.Width)
		}
		if f.Offset < 0 || f.Offset+f.Width > l.Size {
			return compiledLayout{}, errors.Wrapf(ErrInvalidLayout, "%s: field %s exceeds payload size %d", l.Kind, f.Name, l.Size)
		}
		out.fields = append(out.fields, compiledField{offset: f.Offset, width: f.Width, set: set})
	}

	return out, nil
}
