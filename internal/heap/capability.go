package heap

// A Capability says, for each allocation, whose roots are live and whether
// the collector may run. Capabilities form a stack: each one wraps its
// parent, and the outermost is the process-wide Root.
type Capability interface {
	// Heap returns the heap this capability allocates from.
	Heap() *Heap
	// CanGC reports whether an allocation through this capability may
	// trigger a collection.
	CanGC() bool

	trace(ms *MarkState)
	oom(sizeBytes int)
	parentCap() Capability
	mode() capMode
}

type capMode uint8

const (
	capRoot capMode = iota
	capCanGC
	capCannotGC
)

// canGC walks the capability chain. A NoGCScope anywhere below the root
// forbids collection; the Root itself also never collects on its own
// allocations, since nothing registers roots at that level.
func canGC(c Capability) bool {
	for cur := c; cur != nil; cur = cur.parentCap() {
		switch cur.mode() {
		case capRoot:
			return c != cur
		case capCannotGC:
			return false
		}
	}
	return true
}

// Root is the process-lifetime capability. Cells allocated through it are
// only reclaimed via the global tracer's roots; an out-of-memory here is
// fatal.
type Root struct {
	heap *Heap
}

// NewRoot creates the root capability for a heap.
func NewRoot(h *Heap) *Root { return &Root{heap: h} }

func (r *Root) Heap() *Heap           { return r.heap }
func (r *Root) CanGC() bool           { return canGC(r) }
func (r *Root) trace(ms *MarkState)   {}
func (r *Root) parentCap() Capability { return nil }
func (r *Root) mode() capMode         { return capRoot }

func (r *Root) oom(sizeBytes int) {
	Fatalf("Out of memory, tried to allocate %d bytes.", sizeBytes)
}

// A RootSet is an object that can enumerate its own heap references. Types
// holding cell addresses in their own structure implement it and attach
// themselves to a Tracer, rather than registering every address slot
// individually.
type RootSet interface {
	Trace(ms *MarkState)
}

// Tracer is a collection-permitting capability holding a LIFO set of root
// slots. Each slot is re-read at mark time, so callers may keep updating
// the registered variables between collections.
type Tracer struct {
	heap   *Heap
	parent Capability
	roots  []*Addr
	obj    RootSet
}

// NewTracer creates a capability whose allocations may collect, rooted at
// the given parent.
func NewTracer(parent Capability) *Tracer {
	return &Tracer{heap: parent.Heap(), parent: parent}
}

// NewObjectTracer creates a tracer whose roots additionally come from obj.
func NewObjectTracer(parent Capability, obj RootSet) *Tracer {
	t := NewTracer(parent)
	t.obj = obj
	return t
}

func (t *Tracer) Heap() *Heap           { return t.heap }
func (t *Tracer) CanGC() bool           { return canGC(t) }
func (t *Tracer) parentCap() Capability { return t.parent }
func (t *Tracer) mode() capMode         { return capCanGC }

func (t *Tracer) oom(sizeBytes int) {
	Fatalf("Out of memory, tried to allocate %d bytes.", sizeBytes)
}

// AddRoot registers a slot holding a cell address that must stay live.
func (t *Tracer) AddRoot(slot *Addr) {
	t.roots = append(t.roots, slot)
}

// RemoveRoot unregisters the most recently added slot, which must be the
// one given.
func (t *Tracer) RemoveRoot(slot *Addr) {
	if len(t.roots) == 0 || t.roots[len(t.roots)-1] != slot {
		panic("heap: roots must be removed in reverse order of addition")
	}
	t.roots = t.roots[:len(t.roots)-1]
}

func (t *Tracer) trace(ms *MarkState) {
	if t.obj != nil {
		t.obj.Trace(ms)
	}
	for _, slot := range t.roots {
		ms.MarkRoot(uint(*slot))
	}
	if t.parent != nil && t.parent.mode() == capCanGC {
		t.parent.trace(ms)
	}
}

// NoGCScope forbids collection for its lifetime. Allocation failures are
// latched rather than collected around, so a sequence of allocations can
// run without any cell moving out from under an unregistered pointer, with
// the failure checked once at the end.
//
// The scope must be checked with IsOOM or AbortIfOOM before Close runs,
// otherwise Close aborts: an unchecked scope means a latched failure could
// have been silently dropped.
type NoGCScope struct {
	heap   *Heap
	parent Capability

	didOOM     bool
	oomBytes   int
	needsCheck bool
}

// NewNoGCScope opens a no-collection scope under parent.
func NewNoGCScope(parent Capability) *NoGCScope {
	return &NoGCScope{heap: parent.Heap(), parent: parent, needsCheck: true}
}

func (s *NoGCScope) Heap() *Heap           { return s.heap }
func (s *NoGCScope) CanGC() bool           { return false }
func (s *NoGCScope) parentCap() Capability { return s.parent }
func (s *NoGCScope) mode() capMode         { return capCannotGC }

func (s *NoGCScope) oom(sizeBytes int) {
	if !s.didOOM {
		s.didOOM = true
		s.oomBytes = sizeBytes
	}
	s.needsCheck = true
}

func (s *NoGCScope) trace(ms *MarkState) {
	panic("heap: collection inside a no-GC scope")
}

// IsOOM reports whether any allocation in this scope failed, and marks the
// scope checked.
func (s *NoGCScope) IsOOM() bool {
	s.needsCheck = false
	return s.didOOM
}

// AbortIfOOM aborts with a message naming the failed activity if any
// allocation in this scope failed, and marks the scope checked.
func (s *NoGCScope) AbortIfOOM(activity string) {
	s.needsCheck = false
	if s.didOOM {
		Fatalf("Out of memory while %s, tried to allocate %d bytes.", activity, s.oomBytes)
	}
}

// Close ends the scope. It aborts if the scope was never checked after its
// last allocation.
func (s *NoGCScope) Close() {
	if s.needsCheck {
		Fatalf("No-GC scope released without an out-of-memory check.")
	}
}
