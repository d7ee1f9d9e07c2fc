package packet

import (
	"fmt"
	"sort"
)

// Factory constructs an empty packet ready to be read into.
type Factory func() Packet

// MetaFactory constructs an empty meta ready to be read into.
type MetaFactory func() Meta

type entry struct {
	factory Factory
	core    bool
}

// Registry knows every packet and meta type a connection can decode and
// classifies packet types as core or extension. Decode failures of core
// types are fatal to the connection; extension failures are skipped.
//
// A Registry is populated before connections are created and is read-only
// afterwards.
type Registry struct {
	packets map[string]entry
	metas   map[string]MetaFactory
}

// NewRegistry returns a registry holding the core packet and meta types.
func NewRegistry() *Registry {
	r := &Registry{
		packets: make(map[string]entry),
		metas:   make(map[string]MetaFactory),
	}

	for _, f := range coreFactories {
		r.mustAdd(f, true)
	}
	for _, f := range coreMetaFactories {
		if err := r.RegisterMeta(f); err != nil {
			panic(err)
		}
	}

	return r
}

// Register adds an extension packet type.
func (r *Registry) Register(f Factory) error {
	return r.add(f, false)
}

// MustRegister is Register that panics on conflicts. Meant for init-time wiring.
func (r *Registry) MustRegister(f Factory) {
	r.mustAdd(f, false)
}

// RegisterMeta adds a meta type.
func (r *Registry) RegisterMeta(f MetaFactory) error {
	typ := f().MetaType()
	if typ == "" {
		return fmt.Errorf("registering meta: empty meta type")
	}
	if _, exists := r.metas[typ]; exists {
		return fmt.Errorf("registering meta %q: already registered", typ)
	}
	r.metas[typ] = f
	return nil
}

func (r *Registry) mustAdd(f Factory, core bool) {
	if err := r.add(f, core); err != nil {
		panic(err)
	}
}

func (r *Registry) add(f Factory, core bool) error {
	typ := f().DataType()
	if typ == "" {
		return fmt.Errorf("registering packet: empty data type")
	}
	if _, exists := r.packets[typ]; exists {
		return fmt.Errorf("registering packet %q: already registered", typ)
	}
	r.packets[typ] = entry{factory: f, core: core}
	return nil
}

// New returns an empty packet of the given type.
func (r *Registry) New(typ string) (Packet, bool) {
	e, ok := r.packets[typ]
	if !ok {
		return nil, false
	}
	return e.factory(), true
}

// NewMeta returns an empty meta of the given type.
func (r *Registry) NewMeta(typ string) (Meta, bool) {
	f, ok := r.metas[typ]
	if !ok {
		return nil, false
	}
	return f(), true
}

// Known reports whether typ is registered.
func (r *Registry) Known(typ string) bool {
	_, ok := r.packets[typ]
	return ok
}

// IsCore reports whether typ is a registered core type.
func (r *Registry) IsCore(typ string) bool {
	e, ok := r.packets[typ]
	return ok && e.core
}

// Extensions returns the registered extension types, sorted.
func (r *Registry) Extensions() []string {
	var out []string
	for typ, e := range r.packets {
		if !e.core {
			out = append(out, typ)
		}
	}
	sort.Strings(out)
	return out
}
