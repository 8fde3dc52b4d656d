package vm

import "fmt"

// Function is a guest callable: either bytecode or a host NativeFunc.
//
// Bytecode functions see their arguments as locals 0..Arity-1, followed by
// NumLocals extra locals initialised to null. Instance methods take the
// receiver as argument 0.
type Function struct {
	Index     int
	Name      string
	Owner     *Type // declaring class for methods, nil for free functions
	Type      *FunType
	NumLocals int
	Code      []byte
	Native    NativeFunc
}

// Arity returns the number of declared arguments.
func (f *Function) Arity() int { return f.Type.Arity() }

// IsNative reports whether f is implemented by the host.
func (f *Function) IsNative() bool { return f.Native != nil }

// QualifiedName returns "Owner.name" for methods and the bare name
// otherwise. Anonymous functions render as "fun#<index>".
func (f *Function) QualifiedName() string {
	name := f.Name
	if name == "" {
		name = fmt.Sprintf("fun#%d", f.Index)
	}
	if f.Owner != nil {
		return f.Owner.Name + "." + name
	}
	return name
}

func (f *Function) String() string { return f.QualifiedName() }
