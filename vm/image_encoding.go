package vm

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ---------------------------------------------------------------------------
// Module images: CBOR serialization of linked modules
// ---------------------------------------------------------------------------

// ImageVersion is the current module image format version.
const ImageVersion = 1

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("vm: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// typeRef points at a primitive kind (Index < 0) or a module type.
type typeRef struct {
	Kind  Kind    `cbor:"k"`
	Index int     `cbor:"i"`
	Fun   *funSig `cbor:"f,omitempty"`
}

type funSig struct {
	Args []typeRef `cbor:"a"`
	Ret  typeRef   `cbor:"r"`
}

type fieldImage struct {
	Name    string  `cbor:"n"`
	Type    typeRef `cbor:"t"`
	Binding int     `cbor:"b"` // function index, -1 for data fields
}

type protoImage struct {
	Name     string `cbor:"n"`
	Function int    `cbor:"f"`
}

type typeImage struct {
	Name    string       `cbor:"n"`
	Super   int          `cbor:"s"`
	Fields  []fieldImage `cbor:"fs"`
	Protos  []protoImage `cbor:"ps"`
	Statics []fieldImage `cbor:"st"`
}

type funcImage struct {
	Name      string `cbor:"n"`
	Owner     int    `cbor:"o"`
	Sig       funSig `cbor:"s"`
	NumLocals int    `cbor:"l"`
	Code      []byte `cbor:"c"`
}

type moduleImage struct {
	Version   int         `cbor:"v"`
	Strings   []string    `cbor:"strings"`
	Classes   []typeImage `cbor:"classes"`
	Functions []funcImage `cbor:"functions"`
	Entry     int         `cbor:"entry"`
}

// EncodeModule serializes m. Native functions cannot be serialized.
func EncodeModule(m *Module) ([]byte, error) {
	classes := m.Classes()
	classIndex := make(map[*Type]int, len(classes))
	for i, c := range classes {
		classIndex[c] = i
	}

	var encodeRef func(t *Type) (typeRef, error)
	encodeRef = func(t *Type) (typeRef, error) {
		if t == nil {
			return typeRef{Kind: KindVoid, Index: -1}, nil
		}
		switch t.Kind {
		case KindObj:
			if IsStringType(t) {
				return typeRef{Kind: KindObj, Index: -2}, nil
			}
			i, ok := classIndex[t]
			if !ok {
				return typeRef{}, fmt.Errorf("vm: type %s is not a class of this module", t.Name)
			}
			return typeRef{Kind: KindObj, Index: i}, nil
		case KindFun:
			sig, err := encodeSig(t.Fun, encodeRef)
			if err != nil {
				return typeRef{}, err
			}
			return typeRef{Kind: KindFun, Index: -1, Fun: &sig}, nil
		}
		return typeRef{Kind: t.Kind, Index: -1}, nil
	}

	img := moduleImage{Version: ImageVersion, Strings: m.Strings, Entry: -1}
	if m.Entry != nil {
		img.Entry = m.Entry.Index
	}

	encodeFields := func(fields []*Field) ([]fieldImage, error) {
		out := make([]fieldImage, 0, len(fields))
		for _, f := range fields {
			fi := fieldImage{Name: f.Name, Binding: -1}
			if f.Binding != nil {
				fi.Binding = f.Binding.Index
			}
			ref, err := encodeRef(f.Type)
			if err != nil {
				return nil, err
			}
			fi.Type = ref
			out = append(out, fi)
		}
		return out, nil
	}

	for _, c := range classes {
		ti := typeImage{Name: c.Name, Super: -1}
		if c.Super != nil {
			i, ok := classIndex[c.Super]
			if !ok {
				return nil, fmt.Errorf("vm: superclass of %s is not a class of this module", c.Name)
			}
			ti.Super = i
		}
		var err error
		if ti.Fields, err = encodeFields(c.Fields); err != nil {
			return nil, err
		}
		if ti.Statics, err = encodeFields(c.Statics.Fields); err != nil {
			return nil, err
		}
		for _, p := range c.Protos {
			ti.Protos = append(ti.Protos, protoImage{Name: p.Name, Function: p.Function.Index})
		}
		img.Classes = append(img.Classes, ti)
	}

	for _, fn := range m.Functions {
		if fn.Native != nil {
			return nil, fmt.Errorf("vm: cannot serialize native function %s", fn.QualifiedName())
		}
		fi := funcImage{Name: fn.Name, Owner: -1, NumLocals: fn.NumLocals, Code: fn.Code}
		if fn.Owner != nil {
			fi.Owner = classIndex[fn.Owner]
		}
		sig, err := encodeSig(fn.Type, encodeRef)
		if err != nil {
			return nil, err
		}
		fi.Sig = sig
		img.Functions = append(img.Functions, fi)
	}

	return cborEncMode.Marshal(&img)
}

func encodeSig(ft *FunType, encodeRef func(*Type) (typeRef, error)) (funSig, error) {
	var sig funSig
	for _, a := range ft.Args {
		r, err := encodeRef(a)
		if err != nil {
			return sig, err
		}
		sig.Args = append(sig.Args, r)
	}
	r, err := encodeRef(ft.Ret)
	if err != nil {
		return sig, err
	}
	sig.Ret = r
	return sig, nil
}

// DecodeModule rebuilds and links a module from an image produced by
// EncodeModule. Type indices inside bytecode refer to the decoded module's
// type table, which is rebuilt in the same order.
func DecodeModule(data []byte) (*Module, error) {
	var img moduleImage
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("vm: unmarshal module image: %w", err)
	}
	if img.Version != ImageVersion {
		return nil, fmt.Errorf("vm: unsupported module image version %d", img.Version)
	}

	m := NewModule()
	m.Strings = img.Strings

	classes := make([]*Type, len(img.Classes))
	for i, ti := range img.Classes {
		t := &Type{Kind: KindObj, Name: ti.Name}
		t.Statics = &Type{Kind: KindObj, Name: "$" + ti.Name, Owner: t, Global: Null}
		classes[i] = t
		if err := m.Types.Add(t); err != nil {
			return nil, err
		}
		if err := m.Types.Add(t.Statics); err != nil {
			return nil, err
		}
	}

	var decodeRef func(r typeRef) (*Type, error)
	decodeRef = func(r typeRef) (*Type, error) {
		switch r.Kind {
		case KindObj:
			if r.Index == -2 {
				return m.StringType, nil
			}
			if r.Index < 0 || r.Index >= len(classes) {
				return nil, fmt.Errorf("vm: class index %d out of range", r.Index)
			}
			return classes[r.Index], nil
		case KindFun:
			if r.Fun == nil {
				return &Type{Kind: KindFun, Name: "Function", Fun: &FunType{Ret: TDyn}}, nil
			}
			ft, err := decodeSig(*r.Fun, decodeRef)
			if err != nil {
				return nil, err
			}
			return &Type{Kind: KindFun, Name: "Function", Fun: ft}, nil
		}
		if t := PrimitiveType(r.Kind); t != nil {
			return t, nil
		}
		return nil, fmt.Errorf("vm: unknown kind %d", r.Kind)
	}

	for _, fi := range img.Functions {
		ft, err := decodeSig(fi.Sig, decodeRef)
		if err != nil {
			return nil, err
		}
		fn := &Function{Name: fi.Name, Type: ft, NumLocals: fi.NumLocals, Code: fi.Code}
		if fi.Owner >= 0 {
			if fi.Owner >= len(classes) {
				return nil, fmt.Errorf("vm: owner index %d out of range", fi.Owner)
			}
			fn.Owner = classes[fi.Owner]
		}
		m.AddFunction(fn)
	}
	funcAt := func(i int) (*Function, error) {
		if i < 0 || i >= len(m.Functions) {
			return nil, fmt.Errorf("vm: function index %d out of range", i)
		}
		return m.Functions[i], nil
	}

	decodeFields := func(in []fieldImage) ([]*Field, error) {
		out := make([]*Field, 0, len(in))
		for _, fi := range in {
			t, err := decodeRef(fi.Type)
			if err != nil {
				return nil, err
			}
			f := &Field{Name: fi.Name, Hash: Hash(fi.Name), Type: t}
			if fi.Binding >= 0 {
				if f.Binding, err = funcAt(fi.Binding); err != nil {
					return nil, err
				}
			}
			out = append(out, f)
		}
		return out, nil
	}

	for i, ti := range img.Classes {
		t := classes[i]
		if ti.Super >= 0 {
			if ti.Super >= len(classes) {
				return nil, fmt.Errorf("vm: superclass index %d out of range", ti.Super)
			}
			t.Super = classes[ti.Super]
		}
		var err error
		if t.Fields, err = decodeFields(ti.Fields); err != nil {
			return nil, err
		}
		if t.Statics.Fields, err = decodeFields(ti.Statics); err != nil {
			return nil, err
		}
		for _, pi := range ti.Protos {
			fn, err := funcAt(pi.Function)
			if err != nil {
				return nil, err
			}
			t.Protos = append(t.Protos, &Proto{Name: pi.Name, Hash: Hash(pi.Name), Function: fn})
		}
	}

	for _, t := range classes {
		steps := 0
		for cur := t.Super; cur != nil; cur = cur.Super {
			if steps++; steps > len(classes) {
				return nil, fmt.Errorf("vm: inheritance cycle at %s", t.Name)
			}
		}
	}

	if img.Entry >= 0 {
		fn, err := funcAt(img.Entry)
		if err != nil {
			return nil, err
		}
		m.Entry = fn
	}

	if err := m.Link(); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeSig(sig funSig, decodeRef func(typeRef) (*Type, error)) (*FunType, error) {
	ft := &FunType{}
	for _, a := range sig.Args {
		t, err := decodeRef(a)
		if err != nil {
			return nil, err
		}
		ft.Args = append(ft.Args, t)
	}
	t, err := decodeRef(sig.Ret)
	if err != nil {
		return nil, err
	}
	ft.Ret = t
	return ft, nil
}
