// Package iscc implements the subset of the ISCC codec (ISO 24138) the hub
// depends on: unit header encoding, composite ISCC-CODE composition and
// decomposition, Instance-Code construction, and the ISCC-ID identifier.
package iscc

import (
	"encoding/base32"
	"fmt"
	"sort"
	"strings"
)

// MainType identifies the kind of an ISCC unit.
type MainType int

const (
	MTMeta MainType = iota
	MTSemantic
	MTContent
	MTData
	MTInstance
	MTIscc
	MTID
)

func (mt MainType) String() string {
	switch mt {
	case MTMeta:
		return "META"
	case MTSemantic:
		return "SEMANTIC"
	case MTContent:
		return "CONTENT"
	case MTData:
		return "DATA"
	case MTInstance:
		return "INSTANCE"
	case MTIscc:
		return "ISCC"
	case MTID:
		return "ID"
	}
	return fmt.Sprintf("MainType(%d)", int(mt))
}

// SubTypes of composite ISCC-CODEs (MainType ISCC).
const (
	STText  = 0
	STImage = 1
	STAudio = 2
	STVideo = 3
	STMixed = 4
	STSum   = 5
	STWide  = 7
)

// STNone is the SubType of units that carry no media type.
const STNone = 0

const prefix = "ISCC:"

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Unit is a decoded ISCC unit or composite.
type Unit struct {
	Main    MainType
	Sub     int
	Version int
	Bits    int
	Digest  []byte
}

// String returns the canonical form of a single (non-composite) unit.
func (u Unit) String() string {
	return encodeComponent(u.Main, u.Sub, u.Version, u.Bits, u.Digest)
}

// encodeVarnibble encodes n as a sequence of 4-bit nibbles. Values below 8
// take a single nibble; values 8-71 take two ("10" prefix plus six bits).
func encodeVarnibble(n int) []byte {
	if n < 8 {
		return []byte{byte(n)}
	}
	v := n - 8 // 0..63
	return []byte{byte(0x8 | v>>4), byte(v & 0xF)}
}

type nibbleReader struct {
	data []byte
	pos  int // nibble index
}

func (r *nibbleReader) next() (byte, error) {
	if r.pos/2 >= len(r.data) {
		return 0, fmt.Errorf("iscc: truncated header")
	}
	b := r.data[r.pos/2]
	if r.pos%2 == 0 {
		b >>= 4
	} else {
		b &= 0xF
	}
	r.pos++
	return b, nil
}

func (r *nibbleReader) varnibble() (int, error) {
	n1, err := r.next()
	if err != nil {
		return 0, err
	}
	if n1&0x8 == 0 {
		return int(n1), nil
	}
	if n1&0xC == 0x8 {
		n2, err := r.next()
		if err != nil {
			return 0, err
		}
		return (int(n1&0x3)<<4 | int(n2)) + 8, nil
	}
	return 0, fmt.Errorf("iscc: unsupported varnibble prefix")
}

func encodeHeader(mt MainType, st, vs, ln int) []byte {
	var nibs []byte
	for _, v := range []int{int(mt), st, vs, ln} {
		nibs = append(nibs, encodeVarnibble(v)...)
	}
	if len(nibs)%2 == 1 {
		nibs = append(nibs, 0)
	}
	out := make([]byte, len(nibs)/2)
	for i := range out {
		out[i] = nibs[2*i]<<4 | nibs[2*i+1]
	}
	return out
}

func decodeHeader(data []byte) (mt MainType, st, vs, ln int, body []byte, err error) {
	r := &nibbleReader{data: data}
	fields := make([]int, 4)
	for i := range fields {
		fields[i], err = r.varnibble()
		if err != nil {
			return 0, 0, 0, 0, nil, err
		}
	}
	if r.pos%2 == 1 {
		r.pos++ // header pads to a full byte
	}
	return MainType(fields[0]), fields[1], fields[2], fields[3], data[r.pos/2:], nil
}

// optionalUnits expands the composite length nibble into the optional unit
// MainTypes it encodes (bit2=META, bit1=SEMANTIC, bit0=CONTENT).
func optionalUnits(ln int) []MainType {
	var out []MainType
	if ln&4 != 0 {
		out = append(out, MTMeta)
	}
	if ln&2 != 0 {
		out = append(out, MTSemantic)
	}
	if ln&1 != 0 {
		out = append(out, MTContent)
	}
	return out
}

func encodeUnits(present []MainType) int {
	ln := 0
	for _, mt := range present {
		switch mt {
		case MTMeta:
			ln |= 4
		case MTSemantic:
			ln |= 2
		case MTContent:
			ln |= 1
		}
	}
	return ln
}

func decodeBits(mt MainType, st, ln int) int {
	if mt == MTIscc {
		if st == STWide {
			return 256
		}
		return 64*len(optionalUnits(ln)) + 128
	}
	return (ln + 1) * 32
}

func encodeComponent(mt MainType, st, vs, bits int, digest []byte) string {
	header := encodeHeader(mt, st, vs, bits/32-1)
	return prefix + b32.EncodeToString(append(header, digest[:bits/8]...))
}

// Decode parses a canonical ISCC string into its header fields and digest.
func Decode(s string) (Unit, error) {
	if !strings.HasPrefix(s, prefix) {
		return Unit{}, fmt.Errorf("iscc: missing %q prefix", prefix)
	}
	raw, err := b32.DecodeString(strings.TrimPrefix(s, prefix))
	if err != nil {
		return Unit{}, fmt.Errorf("iscc: invalid base32: %w", err)
	}
	mt, st, vs, ln, body, err := decodeHeader(raw)
	if err != nil {
		return Unit{}, err
	}
	if mt > MTID {
		return Unit{}, fmt.Errorf("iscc: unknown MainType %d", int(mt))
	}
	bits := decodeBits(mt, st, ln)
	if len(body) != bits/8 {
		return Unit{}, fmt.Errorf("iscc: body is %d bytes, expected %d", len(body), bits/8)
	}
	return Unit{Main: mt, Sub: st, Version: vs, Bits: bits, Digest: body}, nil
}

// EncodeInstance builds a 256-bit Instance-Code unit from a raw 32-byte hash.
func EncodeInstance(digest []byte) (string, error) {
	if len(digest) != 32 {
		return "", fmt.Errorf("iscc: instance digest must be 32 bytes, got %d", len(digest))
	}
	return encodeComponent(MTInstance, STNone, 0, 256, digest), nil
}

// Compose builds a composite ISCC-CODE from individual unit strings.
// Units are ordered by MainType; a Data-Code and an Instance-Code are
// mandatory. With exactly those two units, both at 128 bits or more, the
// result is a WIDE composite keeping 128 bits of each; otherwise every unit
// contributes its first 64 bits.
func Compose(codes []string) (string, error) {
	if len(codes) < 2 {
		return "", fmt.Errorf("iscc: composite requires at least two units")
	}
	units := make([]Unit, 0, len(codes))
	for _, code := range codes {
		u, err := Decode(code)
		if err != nil {
			return "", err
		}
		if u.Main == MTIscc || u.Main == MTID {
			return "", fmt.Errorf("iscc: %s is not a valid composite unit", u.Main)
		}
		if u.Version != 0 {
			return "", fmt.Errorf("iscc: unit version %d not supported", u.Version)
		}
		if u.Bits < 64 {
			return "", fmt.Errorf("iscc: cannot compose from units shorter than 64 bits")
		}
		units = append(units, u)
	}
	sort.SliceStable(units, func(i, j int) bool { return units[i].Main < units[j].Main })
	for i := 1; i < len(units); i++ {
		if units[i].Main == units[i-1].Main {
			return "", fmt.Errorf("iscc: duplicate %s unit", units[i].Main)
		}
	}
	n := len(units)
	if units[n-2].Main != MTData || units[n-1].Main != MTInstance {
		return "", fmt.Errorf("iscc: composite requires DATA and INSTANCE units")
	}

	wide := n == 2 && units[0].Bits >= 128 && units[1].Bits >= 128

	st := -1
	for _, u := range units {
		if u.Main == MTSemantic || u.Main == MTContent {
			if st >= 0 && st != u.Sub {
				return "", fmt.Errorf("iscc: SEMANTIC and CONTENT units must share a SubType")
			}
			st = u.Sub
		}
	}
	if st < 0 {
		if wide {
			st = STWide
		} else {
			st = STSum
		}
	}

	keep := 8
	if wide {
		keep = 16
	}
	digest := make([]byte, 0, n*keep)
	var optional []MainType
	for _, u := range units {
		digest = append(digest, u.Digest[:keep]...)
		if u.Main != MTData && u.Main != MTInstance {
			optional = append(optional, u.Main)
		}
	}

	header := encodeHeader(MTIscc, st, 0, encodeUnits(optional))
	return prefix + b32.EncodeToString(append(header, digest...)), nil
}

// Decompose splits a composite ISCC-CODE into its units. SEMANTIC and
// CONTENT units inherit the composite SubType; all others get STNone.
func Decompose(s string) ([]Unit, error) {
	c, err := Decode(s)
	if err != nil {
		return nil, err
	}
	if c.Main != MTIscc {
		return nil, fmt.Errorf("iscc: cannot decompose %s", c.Main)
	}
	if c.Sub == STWide {
		return []Unit{
			{Main: MTData, Sub: STNone, Bits: 128, Digest: c.Digest[:16]},
			{Main: MTInstance, Sub: STNone, Bits: 128, Digest: c.Digest[16:32]},
		}, nil
	}
	_, _, _, ln, err := headerFields(s)
	if err != nil {
		return nil, err
	}
	mts := append(optionalUnits(ln), MTData, MTInstance)
	units := make([]Unit, 0, len(mts))
	for i, mt := range mts {
		sub := STNone
		if mt == MTSemantic || mt == MTContent {
			sub = c.Sub
		}
		units = append(units, Unit{Main: mt, Sub: sub, Bits: 64, Digest: c.Digest[i*8 : (i+1)*8]})
	}
	return units, nil
}

func headerFields(s string) (mt MainType, st, vs, ln int, err error) {
	raw, err := b32.DecodeString(strings.TrimPrefix(s, prefix))
	if err != nil {
		return 0, 0, 0, 0, err
	}
	mt, st, vs, ln, _, err = decodeHeader(raw)
	return mt, st, vs, ln, err
}
