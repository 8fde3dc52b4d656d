package main

import (
	"fmt"
	"sync"

	"github.com/chazu/embedvm/ffi"
	"github.com/chazu/embedvm/manifest"
	"github.com/chazu/embedvm/vm"
)

// registry maps the integer context ids handed to C callers to bridges.
// A bridge is still single-threaded: the registry lock only guards the map.
type registry struct {
	mu       sync.Mutex
	bridges  map[int64]*ffi.Bridge
	next     int64
	lastOpen error
}

var contexts = &registry{bridges: make(map[int64]*ffi.Bridge)}

func (r *registry) add(b *ffi.Bridge) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	r.bridges[r.next] = b
	return r.next
}

func (r *registry) get(id int64) (*ffi.Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bridges[id]
	return b, ok
}

func (r *registry) remove(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bridges[id]; !ok {
		return false
	}
	delete(r.bridges, id)
	return true
}

func (r *registry) setOpenError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastOpen = err
}

func (r *registry) openError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastOpen
}

// open loads the manifest found from dir (or defaults when there is none),
// applies an explicit module path and registers the resulting bridge.
// Errors are returned as negated codes.
func (r *registry) open(dir, module string) int64 {
	m := manifest.Default()
	if dir != "" {
		found, err := manifest.FindAndLoad(dir)
		if err != nil {
			r.setOpenError(err)
			return -int64(ffi.InvalidArgument)
		}
		if found != nil {
			m = found
		}
	}
	if module != "" {
		m.VM.Module = module
	}
	b, err := ffi.Open(m)
	if err != nil {
		r.setOpenError(err)
		return -int64(ffi.CodeOf(err))
	}
	r.setOpenError(nil)
	return r.add(b)
}

// close unregisters a context and forgets every call site cached on it.
func (r *registry) close(id int64) bool {
	if !r.remove(id) {
		return false
	}
	sites.dropContext(id)
	return true
}

// ---------------------------------------------------------------------------
// Cached call sites
// ---------------------------------------------------------------------------

// site is a cached static call or cached instance method handed to C
// callers as an integer id. Exactly one of call and method is set.
type site struct {
	ctx    int64
	call   *ffi.CachedCall
	method *ffi.CachedMethod
}

// siteTable maps call site ids to cached calls. Ids are never reused and
// are only valid with the context they were created on.
type siteTable struct {
	mu    sync.Mutex
	sites map[int64]*site
	next  int64
}

var sites = &siteTable{sites: make(map[int64]*site)}

func (t *siteTable) add(s *site) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.sites[t.next] = s
	return t.next
}

func (t *siteTable) get(ctx, id int64) (*site, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sites[id]
	if !ok || s.ctx != ctx {
		return nil, fmt.Errorf("unknown call site %d", id)
	}
	return s, nil
}

func (t *siteTable) dropContext(ctx int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, s := range t.sites {
		if s.ctx == ctx {
			delete(t.sites, id)
		}
	}
}

// cacheStatic resolves class.method on b once and returns its site id.
func (t *siteTable) cacheStatic(ctx int64, b *ffi.Bridge, class, method string) (int64, error) {
	cc, err := b.CacheStatic(class, method)
	if err != nil {
		return 0, err
	}
	return t.add(&site{ctx: ctx, call: cc}), nil
}

// cacheMethod resolves the instance method class.method on b once.
func (t *siteTable) cacheMethod(ctx int64, b *ffi.Bridge, class, method string) (int64, error) {
	cm, err := b.CacheMethod(class, method)
	if err != nil {
		return 0, err
	}
	return t.add(&site{ctx: ctx, method: cm}), nil
}

func (t *siteTable) callStatic(ctx int64, b *ffi.Bridge, id int64, args []ffi.Handle) (ffi.Handle, error) {
	s, err := t.get(ctx, id)
	if err != nil {
		return ffi.NoHandle, err
	}
	if s.call == nil {
		return ffi.NoHandle, fmt.Errorf("call site %d is an instance method", id)
	}
	return b.CallCached(s.call, args...)
}

func (t *siteTable) callMethod(ctx int64, b *ffi.Bridge, id int64, obj ffi.Handle, args []ffi.Handle) (ffi.Handle, error) {
	s, err := t.get(ctx, id)
	if err != nil {
		return ffi.NoHandle, err
	}
	if s.method == nil {
		return ffi.NoHandle, fmt.Errorf("call site %d is a static call", id)
	}
	return b.CallCachedMethod(s.method, obj, args...)
}

// free releases the cached call behind id and forgets the id.
func (t *siteTable) free(ctx int64, b *ffi.Bridge, id int64) error {
	s, err := t.get(ctx, id)
	if err != nil {
		return err
	}
	if s.call != nil {
		err = b.FreeCached(s.call)
	} else {
		err = b.FreeCachedMethod(s.method)
	}
	t.mu.Lock()
	delete(t.sites, id)
	t.mu.Unlock()
	return err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// kinds converts C kind codes into vm kinds, rejecting unknown codes.
func kinds(codes []int) ([]vm.Kind, error) {
	out := make([]vm.Kind, len(codes))
	for i, c := range codes {
		k, err := kind(c)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = k
	}
	return out, nil
}

func kind(c int) (vm.Kind, error) {
	if c < int(vm.KindVoid) || c > int(vm.KindObj) {
		return vm.KindVoid, fmt.Errorf("unknown kind %d", c)
	}
	return vm.Kind(c), nil
}

// errUnknownContext is reported for ids that were never opened or are
// closed.
func errUnknownContext(id int64) error {
	return fmt.Errorf("unknown context %d", id)
}

// code flattens err to the taxonomy integer returned across the C ABI.
func code(err error) int {
	return int(ffi.CodeOf(err))
}

// callbackResult is what a C callback reports back.
type callbackResult struct {
	out    ffi.Handle
	status int
}

// hostCallback adapts a raw C-style callback to ffi.CallbackFunc. A
// non-zero status raises a guest exception naming the callback.
func hostCallback(name string, invoke func(b *ffi.Bridge, args []ffi.Handle) callbackResult) ffi.CallbackFunc {
	return func(b *ffi.Bridge, args []ffi.Handle) (ffi.Handle, error) {
		r := invoke(b, args)
		if r.status != 0 {
			return ffi.NoHandle, ffi.Throw(fmt.Sprintf("callback %s failed with status %d", name, r.status))
		}
		return r.out, nil
	}
}
