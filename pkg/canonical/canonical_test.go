package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeys(t *testing.T) {
	out, err := MarshalString(map[string]interface{}{
		"zeta":  1,
		"alpha": 2,
		"mid":   nil,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":null,"zeta":1}`, out)
}

func TestMarshalNestedDeterminism(t *testing.T) {
	v := map[string]interface{}{
		"b": []interface{}{map[string]interface{}{"y": 1, "x": 2}, "s"},
		"a": map[string]interface{}{"k": true},
	}
	first, err := MarshalString(v)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := MarshalString(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, `{"a":{"k":true},"b":[{"x":2,"y":1},"s"]}`, first)
}

func TestMarshalIntegersHaveNoFraction(t *testing.T) {
	out, err := MarshalString(map[string]interface{}{"n": float64(1000)})
	require.NoError(t, err)
	assert.Equal(t, `{"n":1000}`, out)
}

func TestMarshalRejectsNonFinite(t *testing.T) {
	_, err := Marshal(map[string]interface{}{"n": nan()})
	assert.ErrorIs(t, err, ErrInvalidNumber)
}

func TestMarshalRejectsCycle(t *testing.T) {
	m := map[string]interface{}{}
	m["self"] = m
	_, err := Marshal(m)
	assert.ErrorIs(t, err, ErrCyclic)
}

func TestMarshalStructUsesJSONTags(t *testing.T) {
	type payload struct {
		GateID string `json:"gateId"`
		Amount int64  `json:"amountCents"`
		Skip   string `json:"-"`
	}
	out, err := MarshalString(payload{GateID: "gate_1", Amount: 1000, Skip: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"amountCents":1000,"gateId":"gate_1"}`, out)
}

func TestMarshalEscapesControlCharacters(t *testing.T) {
	out, err := MarshalString(map[string]interface{}{"s": "a\"b\\c\n\x01"})
	require.NoError(t, err)
	assert.Equal(t, "{\"s\":\"a\\\"b\\\\c\\n\\u0001\"}", out)
}

func TestHashStable(t *testing.T) {
	h1, err := Hash(map[string]interface{}{"a": 1, "b": "two"})
	require.NoError(t, err)
	h2, err := Hash(map[string]interface{}{"b": "two", "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestParseRoundTrip(t *testing.T) {
	raw := []byte(`{"z":[1,2,{"k":"v"}],"a":true,"n":1.5}`)
	v, err := Parse(raw)
	require.NoError(t, err)
	out, err := MarshalString(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":true,"n":1.5,"z":[1,2,{"k":"v"}]}`, out)

	// Canonical form is a fixed point.
	v2, err := Parse([]byte(out))
	require.NoError(t, err)
	again, err := MarshalString(v2)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestUTF16KeyOrder(t *testing.T) {
	// Supplementary-plane keys encode as surrogate pairs (leading unit in
	// 0xD800..0xDBFF), so under UTF-16 code unit order they sort BEFORE
	// U+FF61 — the opposite of code point order.
	out, err := MarshalString(map[string]interface{}{
		"\U00010000": 1,
		"｡":          2,
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"\U00010000\":1,\"｡\":2}", out)
}

func nan() float64 {
	zero := 0.0
	return zero / zero
}
