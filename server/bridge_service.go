package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/chazu/embedvm/ffi"
)

// Procedure paths of the remote bridge service.
const (
	CallProcedure    = "/embedvm.v1.Bridge/Call"
	NewProcedure     = "/embedvm.v1.Bridge/New"
	InvokeProcedure  = "/embedvm.v1.Bridge/Invoke"
	ReleaseProcedure = "/embedvm.v1.Bridge/Release"
	TypesProcedure   = "/embedvm.v1.Bridge/Types"
)

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// Value is the wire form of a guest value. Primitives travel inline;
// objects, functions and byte buffers travel as server handle IDs.
// An argument with a non-empty Handle refers to a previously returned
// value and ignores Kind.
type Value struct {
	Kind    string  `cbor:"kind"`
	Int     int64   `cbor:"int,omitempty"`
	Float   float64 `cbor:"float,omitempty"`
	Bool    bool    `cbor:"bool,omitempty"`
	String  string  `cbor:"string,omitempty"`
	Handle  string  `cbor:"handle,omitempty"`
	Class   string  `cbor:"class,omitempty"`
	Display string  `cbor:"display,omitempty"`
}

// NullValue and its siblings build wire values.
func NullValue() Value { return Value{Kind: ffi.KindNull.String()} }
func IntValue(n int64) Value { return Value{Kind: ffi.KindInt.String(), Int: n} }
func FloatValue(f float64) Value { return Value{Kind: ffi.KindFloat.String(), Float: f} }
func BoolValue(v bool) Value { return Value{Kind: ffi.KindBool.String(), Bool: v} }
func StringValue(s string) Value { return Value{Kind: ffi.KindString.String(), String: s} }
func HandleValue(id string) Value { return Value{Handle: id} }

// CallRequest calls a static method, or an instance method when Receiver
// names a handle.
type CallRequest struct {
	Class    string  `cbor:"class,omitempty"`
	Method   string  `cbor:"method"`
	Receiver string  `cbor:"receiver,omitempty"`
	Args     []Value `cbor:"args,omitempty"`
}

// NewRequest constructs an instance of Class.
type NewRequest struct {
	Class string  `cbor:"class"`
	Args  []Value `cbor:"args,omitempty"`
}

// InvokeRequest calls the closure behind the Function handle.
type InvokeRequest struct {
	Function string  `cbor:"function"`
	Args     []Value `cbor:"args,omitempty"`
}

// ExceptionInfo carries a guest exception back to the caller.
type ExceptionInfo struct {
	Message string `cbor:"message"`
	Stack   string `cbor:"stack,omitempty"`
}

// CallResponse is the outcome of Call, New and Invoke. A guest throw is a
// normal response with Exception set; every other failure is a Connect
// error.
type CallResponse struct {
	Result    Value          `cbor:"result"`
	Exception *ExceptionInfo `cbor:"exception,omitempty"`
}

// ReleaseRequest frees server handles.
type ReleaseRequest struct {
	Handles []string `cbor:"handles"`
}

// ReleaseResponse reports how many handles were freed and which IDs were
// unknown.
type ReleaseResponse struct {
	Released int      `cbor:"released"`
	Missing  []string `cbor:"missing,omitempty"`
}

// TypesRequest asks for the loaded module's classes.
type TypesRequest struct{}

// MemberInfo describes one field or method.
type MemberInfo struct {
	Name   string `cbor:"name"`
	Kind   string `cbor:"kind"`
	Owner  string `cbor:"owner"`
	Static bool   `cbor:"static,omitempty"`
	Arity  int    `cbor:"arity,omitempty"`
}

// ClassInfo describes one class.
type ClassInfo struct {
	Name    string       `cbor:"name"`
	Super   string       `cbor:"super,omitempty"`
	Fields  []MemberInfo `cbor:"fields,omitempty"`
	Methods []MemberInfo `cbor:"methods,omitempty"`
}

// TypesResponse lists every class of the loaded module.
type TypesResponse struct {
	Classes []ClassInfo `cbor:"classes"`
}

// ---------------------------------------------------------------------------
// Service
// ---------------------------------------------------------------------------

// BridgeService exposes a bridge over Connect. Every bridge operation runs
// on the worker; returned objects are kept alive by server handles until
// released or expired.
type BridgeService struct {
	worker  *ffi.Worker
	handles *HandleStore
}

// NewBridgeService creates the service over worker and handles.
func NewBridgeService(worker *ffi.Worker, handles *HandleStore) *BridgeService {
	return &BridgeService{worker: worker, handles: handles}
}

// Call invokes a static or instance method.
func (s *BridgeService) Call(ctx context.Context, req *connect.Request[CallRequest]) (*connect.Response[CallResponse], error) {
	msg := req.Msg
	if msg.Method == "" || (msg.Class == "" && msg.Receiver == "") {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("class or receiver and method are required"))
	}
	return s.run(func(b *ffi.Bridge, args []ffi.Handle) (ffi.Handle, error) {
		if msg.Receiver != "" {
			recv, err := s.lookup(msg.Receiver)
			if err != nil {
				return ffi.NoHandle, err
			}
			return b.CallMethod(recv, msg.Method, args...)
		}
		return b.CallStatic(msg.Class, msg.Method, args...)
	}, msg.Args)
}

// New constructs an instance and returns it as a handle.
func (s *BridgeService) New(ctx context.Context, req *connect.Request[NewRequest]) (*connect.Response[CallResponse], error) {
	msg := req.Msg
	if msg.Class == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("class is required"))
	}
	return s.run(func(b *ffi.Bridge, args []ffi.Handle) (ffi.Handle, error) {
		return b.New(msg.Class, args...)
	}, msg.Args)
}

// Invoke calls a function handle.
func (s *BridgeService) Invoke(ctx context.Context, req *connect.Request[InvokeRequest]) (*connect.Response[CallResponse], error) {
	msg := req.Msg
	if msg.Function == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, errors.New("function is required"))
	}
	return s.run(func(b *ffi.Bridge, args []ffi.Handle) (ffi.Handle, error) {
		fn, err := s.lookup(msg.Function)
		if err != nil {
			return ffi.NoHandle, err
		}
		return b.Invoke(fn, args...)
	}, msg.Args)
}

// Release frees server handles. Unknown IDs are reported, not failed.
func (s *BridgeService) Release(ctx context.Context, req *connect.Request[ReleaseRequest]) (*connect.Response[ReleaseResponse], error) {
	resp := &ReleaseResponse{}
	var freed []ffi.Handle
	for _, id := range req.Msg.Handles {
		if h, ok := s.handles.Take(id); ok {
			freed = append(freed, h)
		} else {
			resp.Missing = append(resp.Missing, id)
		}
	}
	if len(freed) > 0 {
		if _, err := s.worker.Do(func(b *ffi.Bridge) (any, error) {
			freeAll(b, freed)
			return nil, nil
		}); err != nil {
			return nil, connectError(err)
		}
	}
	resp.Released = len(freed)
	return connect.NewResponse(resp), nil
}

// Types lists the classes of the loaded module with their members.
func (s *BridgeService) Types(ctx context.Context, req *connect.Request[TypesRequest]) (*connect.Response[TypesResponse], error) {
	result, err := s.worker.Do(func(b *ffi.Bridge) (any, error) {
		names, err := b.Classes()
		if err != nil {
			return nil, err
		}
		resp := &TypesResponse{}
		for _, name := range names {
			c, err := b.ResolveClass(name)
			if err != nil {
				return nil, err
			}
			fields, err := b.Fields(name)
			if err != nil {
				return nil, err
			}
			methods, err := b.Methods(name)
			if err != nil {
				return nil, err
			}
			resp.Classes = append(resp.Classes, ClassInfo{
				Name:    name,
				Super:   c.Super(),
				Fields:  wireMembers(fields),
				Methods: wireMembers(methods),
			})
		}
		return resp, nil
	})
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(result.(*TypesResponse)), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// run decodes args, performs call on the worker and encodes the result.
// Temporary argument handles are freed before the job returns.
func (s *BridgeService) run(call func(*ffi.Bridge, []ffi.Handle) (ffi.Handle, error), wire []Value) (*connect.Response[CallResponse], error) {
	result, err := s.worker.Do(func(b *ffi.Bridge) (any, error) {
		args := make([]ffi.Handle, 0, len(wire))
		var temps []ffi.Handle
		defer func() { freeAll(b, temps) }()
		for i, v := range wire {
			h, temp, err := s.decode(b, v)
			if err != nil {
				return nil, fmt.Errorf("argument %d: %w", i, err)
			}
			if temp {
				temps = append(temps, h)
			}
			args = append(args, h)
		}

		h, err := call(b, args)
		if ffi.Classify(err) == ffi.CallException {
			return &CallResponse{
				Result:    NullValue(),
				Exception: &ExceptionInfo{Message: b.ExceptionMessage(), Stack: b.ExceptionStack()},
			}, nil
		}
		if err != nil {
			return nil, err
		}
		return &CallResponse{Result: s.encode(b, h)}, nil
	})
	if err != nil {
		return nil, connectError(err)
	}
	return connect.NewResponse(result.(*CallResponse)), nil
}

func (s *BridgeService) lookup(id string) (ffi.Handle, error) {
	h, ok := s.handles.Lookup(id)
	if !ok {
		return ffi.NoHandle, connect.NewError(connect.CodeNotFound, fmt.Errorf("unknown handle %q", id))
	}
	return h, nil
}

// decode turns a wire value into a bridge handle. The flag reports whether
// the handle was boxed for this call and must be freed afterwards.
func (s *BridgeService) decode(b *ffi.Bridge, v Value) (ffi.Handle, bool, error) {
	if v.Handle != "" {
		h, err := s.lookup(v.Handle)
		return h, false, err
	}
	switch v.Kind {
	case "", ffi.KindNull.String():
		return b.BoxNull(), true, nil
	case ffi.KindInt.String():
		h, err := b.BoxInt(v.Int)
		return h, err == nil, err
	case ffi.KindFloat.String():
		return b.BoxFloat(v.Float), true, nil
	case ffi.KindBool.String():
		return b.BoxBool(v.Bool), true, nil
	case ffi.KindString.String():
		h, err := b.BoxString(v.String)
		return h, err == nil, err
	}
	return ffi.NoHandle, false, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("unknown value kind %q", v.Kind))
}

// encode turns a call result into a wire value. Primitive results are
// copied out and freed; anything else becomes a server handle.
func (s *BridgeService) encode(b *ffi.Bridge, h ffi.Handle) Value {
	if h == ffi.NoHandle {
		return NullValue()
	}
	kind := b.KindOf(h)
	v := Value{Kind: kind.String()}
	switch kind {
	case ffi.KindNull, ffi.KindInvalid:
		v.Kind = ffi.KindNull.String()
	case ffi.KindInt:
		v.Int = b.AsInt(h, 0)
	case ffi.KindFloat:
		v.Float = b.AsFloat(h, 0)
	case ffi.KindBool:
		v.Bool = b.AsBool(h, false)
	case ffi.KindString:
		v.String = b.AsString(h, "")
	default:
		v.Class = b.ClassName(h)
		v.Display = b.Describe(h)
		v.Handle = s.handles.Create(h)
		return v
	}
	_ = b.Free(h)
	return v
}

func freeAll(b *ffi.Bridge, hs []ffi.Handle) {
	for _, h := range hs {
		if err := b.Free(h); err != nil {
			log.Debug("free failed", "handle", h, "error", err)
		}
	}
}

func wireMembers(in []ffi.MemberInfo) []MemberInfo {
	out := make([]MemberInfo, 0, len(in))
	for _, m := range in {
		out = append(out, MemberInfo{
			Name:   m.Name,
			Kind:   m.Kind.String(),
			Owner:  m.Owner,
			Static: m.Static,
			Arity:  m.Arity,
		})
	}
	return out
}

// connectError maps a bridge error onto a Connect status code.
func connectError(err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, ffi.ErrWorkerStopped) {
		return connect.NewError(connect.CodeUnavailable, err)
	}
	var fe *ffi.Error
	if !errors.As(err, &fe) {
		return connect.NewError(connect.CodeInternal, err)
	}
	switch fe.Code {
	case ffi.TypeNotFound, ffi.MemberNotFound:
		return connect.NewError(connect.CodeNotFound, err)
	case ffi.NotInitialized:
		return connect.NewError(connect.CodeFailedPrecondition, err)
	case ffi.OutOfMemory:
		return connect.NewError(connect.CodeResourceExhausted, err)
	case ffi.ExceptionThrown:
		return connect.NewError(connect.CodeAborted, err)
	}
	return connect.NewError(connect.CodeInvalidArgument, err)
}
