// ABOUTME: Tests for deterministic CBOR encoding
// ABOUTME: Map key order and corrupt input handling

package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalIsDeterministic(t *testing.T) {
	a := map[string]any{"zeta": 1, "alpha": 2, "mid": []byte("x")}
	b := map[string]any{"mid": []byte("x"), "alpha": 2, "zeta": 1}

	first, err := Marshal(a)
	require.NoError(t, err)
	second, err := Marshal(b)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestUnmarshalStruct(t *testing.T) {
	type creds struct {
		UserID string `cbor:"1,keyasint"`
		Token  string `cbor:"2,keyasint"`
	}

	data, err := Marshal(creds{UserID: "@a:example.org", Token: "syt_x"})
	require.NoError(t, err)

	var got creds
	require.NoError(t, Unmarshal(data, &got))
	assert.Equal(t, "@a:example.org", got.UserID)
	assert.Equal(t, "syt_x", got.Token)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var v map[string]any
	err := Unmarshal([]byte{0xff, 0x00, 0x13}, &v)
	assert.Error(t, err)
}

func TestDiagnose(t *testing.T) {
	data, err := Marshal(map[string]int{"a": 1})
	require.NoError(t, err)

	out, err := Diagnose(data)
	require.NoError(t, err)
	assert.Equal(t, `{"a": 1}`, out)
}
