package cosync

import (
	"encoding/json"
	"flag"
	"testing"

	"github.com/go-playground/assert/v2"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

func TestIdOrder(t *testing.T) {
	// ulids are ordered by create time. request ids rely on this to be
	// collision-safe and ordered across reconnects.

	a := NewId()
	for i := 0; i < 4096; i += 1 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a,omitempty"`
		B *Id `json:"b,omitempty"`
	}

	test1 := &Test{}
	test1.A = NewId()
	b_ := NewId()
	test1.B = &b_

	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)

	assert.Equal(t, test1.A, test2.A)
	assert.Equal(t, test1.B, test2.B)
}

func TestVersion(t *testing.T) {
	var zero Version
	assert.Equal(t, zero.IsZero(), true)
	assert.Equal(t, zero.String(), "0")
	assert.Equal(t, zero.Cmp(NewVersion(0)), 0)

	v := zero.Plus(3)
	assert.Equal(t, v.String(), "3")
	assert.Equal(t, v.Int64(), int64(3))
	assert.Equal(t, zero.Cmp(v), -1)
	assert.Equal(t, v.Cmp(zero), 1)

	// versions travel as decimal strings to survive numerically-unsafe
	// transports, so they must not lose precision past 2^53
	big, err := ParseVersion("9007199254740993")
	assert.Equal(t, err, nil)
	assert.Equal(t, big.String(), "9007199254740993")
	assert.Equal(t, big.Plus(1).String(), "9007199254740994")

	_, err = ParseVersion("not a number")
	assert.NotEqual(t, err, nil)
	_, err = ParseVersion("-1")
	assert.NotEqual(t, err, nil)
}

func TestVersionJsonCodec(t *testing.T) {
	type Test struct {
		V Version `json:"v"`
	}

	test1 := &Test{V: NewVersion(42)}
	test1Json, err := json.Marshal(test1)
	assert.Equal(t, err, nil)
	assert.Equal(t, string(test1Json), `{"v":"42"}`)

	test2 := &Test{}
	err = json.Unmarshal(test1Json, test2)
	assert.Equal(t, err, nil)
	assert.Equal(t, test2.V.Cmp(test1.V), 0)

	// a bare number is rejected, versions are strings on the wire
	err = json.Unmarshal([]byte(`{"v":42}`), &Test{})
	assert.NotEqual(t, err, nil)
}
