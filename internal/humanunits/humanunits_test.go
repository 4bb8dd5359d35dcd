package humanunits

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSize(t *testing.T) {
	cases := []struct {
		in    string
		kind  SizeKind
		bytes uint64
	}{
		{"", SizeServerDefault, 0},
		{"unlimited", SizeUnlimited, 0},
		{"None", SizeUnlimited, 0},
		{"10GB", SizeCustom, 10 << 30},
		{"512MB", SizeCustom, 512 << 20},
		{"1KB", SizeCustom, 1 << 10},
		{"100", SizeCustom, 100},
	}
	for _, c := range cases {
		got, err := ParseSize(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.kind, got.Kind, c.in)
		assert.Equal(t, c.bytes, got.Bytes, c.in)
	}
}

func TestParseSize_Invalid(t *testing.T) {
	_, err := ParseSize("-1GB")
	assert.Error(t, err)

	_, err = ParseSize("notasize")
	assert.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	cases := []struct {
		in   string
		kind DurationKind
		want time.Duration
	}{
		{"", DurationServerDefault, 0},
		{"unlimited", DurationUnlimited, 0},
		{"15m", DurationCustom, 15 * time.Minute},
		{"2h", DurationCustom, 2 * time.Hour},
		{"2 days", DurationCustom, 48 * time.Hour},
		{"1d", DurationCustom, 24 * time.Hour},
	}
	for _, c := range cases {
		got, err := ParseDuration(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.kind, got.Kind, c.in)
		assert.Equal(t, c.want, got.Value, c.in)
	}
}

func TestParseDuration_Invalid(t *testing.T) {
	_, err := ParseDuration("-5m")
	assert.Error(t, err)

	_, err = ParseDuration("notaduration")
	assert.Error(t, err)
}
