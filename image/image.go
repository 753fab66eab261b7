// Package image serializes function proto trees to a compact binary image.
//
// Images are canonical CBOR, so equal trees encode to equal bytes and the
// SHA-256 of an image identifies its contents.
package image

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"github.com/chazu/moonvm/vm"
	"github.com/fxamacker/cbor/v2"
)

const (
	// Magic opens every image.
	Magic = "MOON"
	// Version is the current image format version.
	Version = 1
)

// ErrFormat is returned for data that is not a readable image.
var ErrFormat = errors.New("image: not a moon image")

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// header wraps the top-level proto.
type header struct {
	Magic   string      `cbor:"1,keyasint"`
	Version int         `cbor:"2,keyasint"`
	Main    protoRecord `cbor:"3,keyasint"`
}

type protoRecord struct {
	Name      string         `cbor:"1,keyasint,omitempty"`
	NumParams int            `cbor:"2,keyasint,omitempty"`
	IsVararg  bool           `cbor:"3,keyasint,omitempty"`
	MaxStack  int            `cbor:"4,keyasint,omitempty"`
	Code      []byte         `cbor:"5,keyasint"`
	Constants []constRecord  `cbor:"6,keyasint,omitempty"`
	Upvalues  []upvalRecord  `cbor:"7,keyasint,omitempty"`
	Protos    []protoRecord  `cbor:"8,keyasint,omitempty"`
	Source    string         `cbor:"9,keyasint,omitempty"`
	Lines     []sourceRecord `cbor:"10,keyasint,omitempty"`
}

type constRecord struct {
	Kind uint8   `cbor:"1,keyasint"`
	Bool bool    `cbor:"2,keyasint,omitempty"`
	Num  float64 `cbor:"3,keyasint,omitempty"`
	Str  string  `cbor:"4,keyasint,omitempty"`
}

type upvalRecord struct {
	From  uint8  `cbor:"1,keyasint"`
	Index uint8  `cbor:"2,keyasint"`
	Name  string `cbor:"3,keyasint,omitempty"`
}

type sourceRecord struct {
	Offset int `cbor:"1,keyasint"`
	Line   int `cbor:"2,keyasint"`
	Column int `cbor:"3,keyasint,omitempty"`
}

// Marshal encodes the proto tree rooted at p.
func Marshal(p *vm.FuncProto) ([]byte, error) {
	rec, err := encodeProto(p)
	if err != nil {
		return nil, err
	}
	data, err := cborEncMode.Marshal(&header{Magic: Magic, Version: Version, Main: rec})
	if err != nil {
		return nil, fmt.Errorf("image: marshal: %w", err)
	}
	return data, nil
}

// Unmarshal decodes and validates an image.
func Unmarshal(data []byte) (*vm.FuncProto, error) {
	var h header
	if err := cbor.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if h.Magic != Magic {
		return nil, ErrFormat
	}
	if h.Version != Version {
		return nil, fmt.Errorf("image: unsupported version %d", h.Version)
	}
	p, err := decodeProto(&h.Main)
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	return p, nil
}

// Hash returns the SHA-256 of the image encoding of p.
func Hash(p *vm.FuncProto) ([32]byte, error) {
	data, err := Marshal(p)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// HashBytes returns the lowercase hex SHA-256 of an encoded image.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ReadFile loads an image from path.
func ReadFile(path string) (*vm.FuncProto, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("image: %w", err)
	}
	return Unmarshal(data)
}

// WriteFile writes the image of p to path.
func WriteFile(path string, p *vm.FuncProto) error {
	data, err := Marshal(p)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("image: %w", err)
	}
	return nil
}

func encodeProto(p *vm.FuncProto) (protoRecord, error) {
	rec := protoRecord{
		Name:      p.Name,
		NumParams: p.NumParams,
		IsVararg:  p.IsVararg,
		MaxStack:  p.MaxStack,
		Code:      p.Code,
		Source:    p.Source,
	}
	for i, k := range p.Constants {
		c, err := encodeConstant(k)
		if err != nil {
			return protoRecord{}, fmt.Errorf("image: function %s: constant %d: %w", p.DisplayName(), i, err)
		}
		rec.Constants = append(rec.Constants, c)
	}
	for _, uv := range p.Upvalues {
		rec.Upvalues = append(rec.Upvalues, upvalRecord{From: uint8(uv.From), Index: uv.Index, Name: uv.Name})
	}
	for _, child := range p.Protos {
		c, err := encodeProto(child)
		if err != nil {
			return protoRecord{}, err
		}
		rec.Protos = append(rec.Protos, c)
	}
	for _, loc := range p.LineInfo {
		rec.Lines = append(rec.Lines, sourceRecord{Offset: loc.Offset, Line: loc.Line, Column: loc.Column})
	}
	return rec, nil
}

func encodeConstant(v vm.Value) (constRecord, error) {
	c := constRecord{Kind: uint8(v.Kind())}
	switch v.Kind() {
	case vm.KindNil:
	case vm.KindBoolean:
		c.Bool, _ = v.AsBool()
	case vm.KindNumber:
		c.Num, _ = v.AsNumber()
	case vm.KindString:
		c.Str, _ = v.AsString()
	default:
		return constRecord{}, fmt.Errorf("%s values cannot be stored", v.TypeName())
	}
	return c, nil
}

func decodeProto(rec *protoRecord) (*vm.FuncProto, error) {
	p := &vm.FuncProto{
		Name:      rec.Name,
		NumParams: rec.NumParams,
		IsVararg:  rec.IsVararg,
		MaxStack:  rec.MaxStack,
		Code:      rec.Code,
		Source:    rec.Source,
	}
	for i, c := range rec.Constants {
		v, err := decodeConstant(c)
		if err != nil {
			return nil, fmt.Errorf("image: function %s: constant %d: %w", p.DisplayName(), i, err)
		}
		p.Constants = append(p.Constants, v)
	}
	for _, uv := range rec.Upvalues {
		p.Upvalues = append(p.Upvalues, vm.UpvalueSource{From: vm.UpvalueFrom(uv.From), Index: uv.Index, Name: uv.Name})
	}
	for i := range rec.Protos {
		child, err := decodeProto(&rec.Protos[i])
		if err != nil {
			return nil, err
		}
		p.Protos = append(p.Protos, child)
	}
	for _, loc := range rec.Lines {
		p.LineInfo = append(p.LineInfo, vm.SourceLoc{Offset: loc.Offset, Line: loc.Line, Column: loc.Column})
	}
	return p, nil
}

func decodeConstant(c constRecord) (vm.Value, error) {
	switch vm.Kind(c.Kind) {
	case vm.KindNil:
		return vm.Nil, nil
	case vm.KindBoolean:
		return vm.Bool(c.Bool), nil
	case vm.KindNumber:
		return vm.Number(c.Num), nil
	case vm.KindString:
		return vm.String(c.Str), nil
	}
	return vm.Nil, fmt.Errorf("unknown constant kind %d", c.Kind)
}
