// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package fakeruntime is a minimal, in-memory implementation of
// modcache.TypeCache, modcache.MethodTables, and modcache.Dispatcher:
// enough of a structural type cache and dispatch table to exercise
// save/restore round trips in tests and in modcachetool without a real
// embedding runtime attached.
package fakeruntime

import (
	"fmt"
	"sync"

	"github.com/saferwall/modcache"
)

// typeKey identifies a DataType by its structural (TypeName, Parameters)
// pair, the same identity Canonical/Insert operate on.
type typeKey struct {
	tn     *modcache.TypeName
	params string
}

func keyFor(tn *modcache.TypeName, params []modcache.Node) typeKey {
	return typeKey{tn: tn, params: fmt.Sprintf("%p:%v", tn, paramIdentities(params))}
}

func paramIdentities(params []modcache.Node) []string {
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = fmt.Sprintf("%p", p)
	}
	return out
}

// TypeCache is a process-local structural type cache.
type TypeCache struct {
	mu    sync.Mutex
	types map[typeKey]*modcache.DataType
}

// NewTypeCache returns an empty type cache.
func NewTypeCache() *TypeCache {
	return &TypeCache{types: make(map[typeKey]*modcache.DataType)}
}

// Canonical implements modcache.TypeCache.
func (c *TypeCache) Canonical(tn *modcache.TypeName, params []modcache.Node) (*modcache.DataType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dt, ok := c.types[keyFor(tn, params)]
	return dt, ok
}

// Insert implements modcache.TypeCache.
func (c *TypeCache) Insert(dt *modcache.DataType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.types[keyFor(dt.TypeName, dt.Parameters)] = dt
}

// Len reports how many distinct types have been cached, mostly useful
// for tests asserting a round trip populated the cache.
func (c *TypeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.types)
}

// instanceKey identifies a MethodInstance by its owning Method plus the
// identity of every specialization parameter.
type instanceKey struct {
	method string
	spec   string
}

func instanceKeyFor(m *modcache.Method, spec []modcache.Node) instanceKey {
	return instanceKey{method: fmt.Sprintf("%p", m), spec: fmt.Sprintf("%v", paramIdentities(spec))}
}

// methodKey identifies a method slot in a table by its owning type name
// plus signature identity.
type methodKey struct {
	owner string
	sig   string
}

// MethodTables is a process-local method-table and method-instance
// cache: one flat signature-keyed map per owning TypeName, plus an
// instance cache keyed by (method, specialization).
type MethodTables struct {
	mu        sync.Mutex
	tables    map[*modcache.TypeName]map[methodKey]*modcache.Method
	instances map[instanceKey]*modcache.MethodInstance
	roots     map[*modcache.Method]map[uint64][]modcache.Node
}

// NewMethodTables returns an empty method-table cache.
func NewMethodTables() *MethodTables {
	return &MethodTables{
		tables:    make(map[*modcache.TypeName]map[methodKey]*modcache.Method),
		instances: make(map[instanceKey]*modcache.MethodInstance),
		roots:     make(map[*modcache.Method]map[uint64][]modcache.Node),
	}
}

func (t *MethodTables) tableFor(owner *modcache.TypeName) map[methodKey]*modcache.Method {
	tbl, ok := t.tables[owner]
	if !ok {
		tbl = make(map[methodKey]*modcache.Method)
		t.tables[owner] = tbl
	}
	return tbl
}

func sigKey(owner *modcache.TypeName, sig *modcache.DataType) methodKey {
	return methodKey{owner: fmt.Sprintf("%p", owner), sig: fmt.Sprintf("%p", sig)}
}

// LookupMethod implements modcache.MethodTables. world is accepted for
// interface conformance; this fake has no notion of a historical table
// state and always answers as of "now".
func (t *MethodTables) LookupMethod(owner *modcache.TypeName, sig *modcache.DataType, world uint64) (*modcache.Method, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.tableFor(owner)[sigKey(owner, sig)]
	return m, ok
}

// InsertMethod implements modcache.MethodTables.
func (t *MethodTables) InsertMethod(m *modcache.Method) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	owner := ownerTypeNameOf(m)
	if owner == nil {
		return fmt.Errorf("fakeruntime: method %q has no resolvable owner type", m.Name)
	}
	t.tableFor(owner)[sigKey(owner, m.Signature)] = m
	return nil
}

// ownerTypeNameOf mirrors modcache's unexported ownerTypeName: the owner
// of an external method is the TypeName of its signature's first
// (function-singleton) parameter.
func ownerTypeNameOf(m *modcache.Method) *modcache.TypeName {
	if m == nil || m.Signature == nil || len(m.Signature.Parameters) == 0 {
		return nil
	}
	dt, ok := m.Signature.Parameters[0].(*modcache.DataType)
	if !ok || dt == nil {
		return nil
	}
	return dt.TypeName
}

// LookupOrInsertInstance implements modcache.MethodTables.
func (t *MethodTables) LookupOrInsertInstance(method *modcache.Method, specialization []modcache.Node, staticParams []modcache.Node) (*modcache.MethodInstance, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := instanceKeyFor(method, specialization)
	if mi, ok := t.instances[key]; ok {
		return mi, true
	}
	mi := &modcache.MethodInstance{Method: method, Specialization: specialization, StaticParams: staticParams}
	t.instances[key] = mi
	return mi, false
}

// MatchingMethods implements modcache.MethodTables: every method in
// every table whose signature pointer matches sig. A real dispatcher
// would intersect by subtyping; this fake only needs to agree with
// itself between a save and a subsequent restore in the same process,
// so identity is enough.
func (t *MethodTables) MatchingMethods(sig *modcache.DataType, world uint64) []*modcache.Method {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*modcache.Method
	for _, tbl := range t.tables {
		for k, m := range tbl {
			if k.sig == fmt.Sprintf("%p", sig) {
				out = append(out, m)
			}
		}
	}
	return out
}

// AppendRoot implements modcache.MethodTables.
func (t *MethodTables) AppendRoot(method *modcache.Method, key uint64, v modcache.Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	perKey, ok := t.roots[method]
	if !ok {
		perKey = make(map[uint64][]modcache.Node)
		t.roots[method] = perKey
	}
	perKey[key] = append(perKey[key], v)
}

// Roots returns the roots appended for (method, key), for test
// assertions.
func (t *MethodTables) Roots(method *modcache.Method, key uint64) []modcache.Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]modcache.Node(nil), t.roots[method][key]...)
}

// Dispatcher is a process-local world counter and live backedge graph.
type Dispatcher struct {
	mu        sync.Mutex
	world     uint64
	backedges map[*modcache.MethodInstance][]*modcache.MethodInstance
}

// NewDispatcher returns a dispatcher whose world counter starts at 1.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{world: 1, backedges: make(map[*modcache.MethodInstance][]*modcache.MethodInstance)}
}

// CurrentWorld implements modcache.Dispatcher.
func (d *Dispatcher) CurrentWorld() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.world
}

// BumpWorld implements modcache.Dispatcher.
func (d *Dispatcher) BumpWorld() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.world++
	return d.world
}

// AddBackedge implements modcache.Dispatcher.
func (d *Dispatcher) AddBackedge(caller, callee *modcache.MethodInstance) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.backedges[caller] = append(d.backedges[caller], callee)
}

// Backedges returns the live backedges recorded for caller, for test
// assertions.
func (d *Dispatcher) Backedges(caller *modcache.MethodInstance) []*modcache.MethodInstance {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*modcache.MethodInstance(nil), d.backedges[caller]...)
}
