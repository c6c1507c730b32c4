package modbus

import "sync"

// Hook point names, one per call site in the master/slave/databank/server
// pipelines where external code can observe or short-circuit behavior.
const (
	// HookMasterBeforeSend fires on the encoded request ADU just before it
	// goes out on the wire; a []byte return replaces it.
	HookMasterBeforeSend = "master.before_send"
	// HookMasterAfterSend fires on the raw response ADU right after the
	// wire round trip completes, before Verify/Decode; a []byte return
	// replaces it.
	HookMasterAfterSend = "master.after_send"
	// HookMasterAfterRecv fires on the decoded response PDU; a
	// *ProtocolDataUnit return replaces it.
	HookMasterAfterRecv = "master.after_recv"

	HookBlockSetItem = "block.setitem"

	HookSlaveHandleRequest = "slave.handle_request"
	HookSlaveOnException   = "slave.on_exception"
	HookSlaveOnBroadcast   = "slave.on_broadcast"

	HookDatabankOnError = "databank.on_error"

	HookServerBeforeHandle = "server.before_handle_request"
	HookServerAfterHandle  = "server.after_handle_request"
)

// HookFunc is called at a named hook point with point-specific arguments. A
// non-nil return value stops the chain: later hooks at the same point are
// skipped and the value is handed back to the caller. The master points,
// slave.handle_request and server.before_handle_request use a value of the
// expected type in place of their own buffer or response; the other points
// ignore it.
type HookFunc func(args ...interface{}) interface{}

type hookRegistration struct {
	id int
	fn HookFunc
}

// hookRegistry is a string-keyed set of callbacks invoked at named points.
// Safe for concurrent Install/Uninstall/Call.
type hookRegistry struct {
	mu     sync.RWMutex
	hooks  map[string][]hookRegistration
	nextID int
}

func newHookRegistry() *hookRegistry {
	return &hookRegistry{hooks: make(map[string][]hookRegistration)}
}

// Install registers fn at the named hook point and returns an id for Uninstall.
func (r *hookRegistry) Install(name string, fn HookFunc) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.hooks[name] = append(r.hooks[name], hookRegistration{id: id, fn: fn})
	return id
}

// Uninstall removes the hook previously returned by Install, if still present.
func (r *hookRegistry) Uninstall(name string, id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.hooks[name]
	for i, reg := range list {
		if reg.id == id {
			r.hooks[name] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Call invokes every hook registered at name in registration order,
// returning the first non-nil result.
func (r *hookRegistry) Call(name string, args ...interface{}) interface{} {
	r.mu.RLock()
	list := r.hooks[name]
	r.mu.RUnlock()
	for _, reg := range list {
		if retval := reg.fn(args...); retval != nil {
			return retval
		}
	}
	return nil
}

// defaultHooks is the registry used by Blocks, Slaves and Servers that are
// not given one of their own.
var defaultHooks = newHookRegistry()

// InstallHook registers fn at the named hook point on the default registry.
func InstallHook(name string, fn HookFunc) int { return defaultHooks.Install(name, fn) }

// UninstallHook removes a hook previously installed on the default registry.
func UninstallHook(name string, id int) { defaultHooks.Uninstall(name, id) }
