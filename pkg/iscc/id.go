package iscc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Realm selects the ISCC-ID header namespace.
type Realm int

const (
	RealmSandbox     Realm = 0
	RealmOperational Realm = 1
)

// Valid reports whether r is a known realm.
func (r Realm) Valid() bool {
	return r == RealmSandbox || r == RealmOperational
}

// header returns the fixed 2-byte ISCC-ID header for the realm:
// MainType=ID (0110), SubType=realm, Version=0001, Length=0001 (64-bit body).
func (r Realm) header() [2]byte {
	if r == RealmOperational {
		return [2]byte{0b01100001, 0b00010001}
	}
	return [2]byte{0b01100000, 0b00010001}
}

// MaxHubID is the largest hub id that fits the 12-bit field.
const MaxHubID = 4095

// MaxTimestampMicros is the largest microsecond timestamp that fits 52 bits.
const MaxTimestampMicros = 1<<52 - 1

// ID is the 8-byte ISCC-ID body: 52 bits of microseconds since the Unix
// epoch followed by a 12-bit hub id. Equality, hashing and ordering are
// defined on the body, which sorts by timestamp first and hub id second.
type ID [8]byte

// NewID packs a microsecond timestamp and hub id into an ISCC-ID body.
func NewID(tsMicros int64, hubID int) (ID, error) {
	if tsMicros < 0 {
		return ID{}, fmt.Errorf("iscc: timestamp must be non-negative, got %d", tsMicros)
	}
	if tsMicros > MaxTimestampMicros {
		return ID{}, fmt.Errorf("iscc: timestamp exceeds 52 bits, got %d", tsMicros)
	}
	if hubID < 0 || hubID > MaxHubID {
		return ID{}, fmt.Errorf("iscc: hub id must be between 0 and %d, got %d", MaxHubID, hubID)
	}
	var id ID
	binary.BigEndian.PutUint64(id[:], uint64(tsMicros)<<12|uint64(hubID))
	return id, nil
}

// ParseID decodes the canonical ISCC-ID string form and reports the realm
// encoded in its header.
func ParseID(s string) (ID, Realm, error) {
	u, err := Decode(s)
	if err != nil {
		return ID{}, 0, err
	}
	if u.Main != MTID {
		return ID{}, 0, fmt.Errorf("iscc: not an ISCC-ID: MainType %s", u.Main)
	}
	if u.Version != 1 {
		return ID{}, 0, fmt.Errorf("iscc: unsupported ISCC-ID version %d", u.Version)
	}
	realm := Realm(u.Sub)
	if !realm.Valid() {
		return ID{}, 0, fmt.Errorf("iscc: unknown ISCC-ID realm %d", u.Sub)
	}
	if len(u.Digest) != 8 {
		return ID{}, 0, fmt.Errorf("iscc: ISCC-ID body must be 8 bytes, got %d", len(u.Digest))
	}
	var id ID
	copy(id[:], u.Digest)
	return id, realm, nil
}

// IDFromBytes accepts an 8-byte body or the 10-byte header+body form.
func IDFromBytes(b []byte) (ID, error) {
	var id ID
	switch len(b) {
	case 8:
		copy(id[:], b)
	case 10:
		copy(id[:], b[2:])
	default:
		return ID{}, fmt.Errorf("iscc: ISCC-ID must be 8 or 10 bytes, got %d", len(b))
	}
	return id, nil
}

// TimestampMicros extracts the 52-bit microsecond timestamp.
func (id ID) TimestampMicros() int64 {
	return int64(binary.BigEndian.Uint64(id[:]) >> 12)
}

// HubID extracts the 12-bit hub id.
func (id ID) HubID() int {
	return int(binary.BigEndian.Uint64(id[:]) & 0xFFF)
}

// Body returns a copy of the 8-byte ISCC-ID body.
func (id ID) Body() []byte {
	out := make([]byte, 8)
	copy(out, id[:])
	return out
}

// Encode returns the canonical string form under the given realm header.
func (id ID) Encode(r Realm) string {
	h := r.header()
	return prefix + b32.EncodeToString(append(h[:], id[:]...))
}

// Less orders by timestamp first, hub id second. Because the timestamp
// occupies the high bits this is a plain big-endian byte compare.
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// IsZero reports whether the id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}
