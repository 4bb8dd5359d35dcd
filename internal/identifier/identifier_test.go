package identifier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumeric(t *testing.T) {
	id, err := Numeric(42)
	require.NoError(t, err)
	assert.True(t, id.IsNumeric())
	assert.Equal(t, uint32(42), id.Number())
	assert.Equal(t, "42", id.String())
	assert.Equal(t, "#42", id.Key())
}

func TestNumeric_ZeroRejected(t *testing.T) {
	_, err := Numeric(0)
	assert.Error(t, err)
}

func TestString(t *testing.T) {
	id, err := String("orders-eu")
	require.NoError(t, err)
	assert.False(t, id.IsNumeric())
	assert.Equal(t, "orders-eu", id.Text())
	assert.Equal(t, "$orders-eu", id.Key())
}

func TestString_CaseFoldedKey(t *testing.T) {
	lower, err := String("orders")
	require.NoError(t, err)
	upper, err := String("ORDERS")
	require.NoError(t, err)
	assert.Equal(t, lower.Key(), upper.Key())
}

func TestString_RejectsEmpty(t *testing.T) {
	_, err := String("")
	assert.Error(t, err)
}

func TestString_RejectsTooLong(t *testing.T) {
	_, err := String(string(make([]byte, 256)))
	assert.Error(t, err)
}

func TestString_RejectsInvalidCharacters(t *testing.T) {
	_, err := String("orders eu!")
	assert.Error(t, err)
}

func TestKey_NumericAndStringNeverCollide(t *testing.T) {
	num, err := Numeric(1)
	require.NoError(t, err)
	str, err := String("1")
	require.NoError(t, err)
	assert.NotEqual(t, num.Key(), str.Key())
}
