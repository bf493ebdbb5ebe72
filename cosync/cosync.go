package cosync

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

// ulids from the same source are ordered by create time.
// request ids use this property: later requests always compare greater.
func (self Id) LessThan(b Id) bool {
	return bytes.Compare(self[0:16], b[0:16]) < 0
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(*self))
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// Version is a per-user monotonic logical counter, the cursor for
// "everything after X" queries. It travels as a decimal string so that
// numerically-unsafe transports cannot corrupt it, and is arbitrary
// precision so it never wraps.
//
// The zero value is version 0. Values are immutable; arithmetic returns
// a new Version.
type Version struct {
	n *big.Int
}

func NewVersion(v int64) Version {
	return Version{n: big.NewInt(v)}
}

func ParseVersion(versionStr string) (Version, error) {
	n, ok := new(big.Int).SetString(versionStr, 10)
	if !ok {
		return Version{}, fmt.Errorf("cannot parse version %q", versionStr)
	}
	if n.Sign() < 0 {
		return Version{}, fmt.Errorf("version must be non-negative: %q", versionStr)
	}
	return Version{n: n}, nil
}

func (self Version) value() *big.Int {
	if self.n == nil {
		return big.NewInt(0)
	}
	return self.n
}

func (self Version) Plus(count int) Version {
	return Version{n: new(big.Int).Add(self.value(), big.NewInt(int64(count)))}
}

// -1, 0, or 1 as self is less than, equal to, or greater than b
func (self Version) Cmp(b Version) int {
	return self.value().Cmp(b.value())
}

func (self Version) IsZero() bool {
	return self.value().Sign() == 0
}

// Int64 is used by stores that index by position. It saturates rather
// than wraps if the counter ever exceeds int64.
func (self Version) Int64() int64 {
	if !self.value().IsInt64() {
		return int64(^uint64(0) >> 1)
	}
	return self.value().Int64()
}

func (self Version) String() string {
	return self.value().String()
}

func (self Version) MarshalJSON() ([]byte, error) {
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(self.value().String())
	buff.WriteByte('"')
	return buff.Bytes(), nil
}

func (self *Version) UnmarshalJSON(src []byte) error {
	if len(src) < 3 || src[0] != '"' || src[len(src)-1] != '"' {
		return fmt.Errorf("version must be a decimal string: %s", src)
	}
	version, err := ParseVersion(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = version
	return nil
}
