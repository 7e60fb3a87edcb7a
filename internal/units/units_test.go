package units

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_HBAR(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"one hbar", "1", 100_000_000},
		{"half hbar", "0.5", 50_000_000},
		{"smallest unit", "0.00000001", 1},
		{"leading dot", ".25", 25_000_000},
		{"truncates beyond precision", "1.123456789", 112_345_678},
		{"empty is zero", "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input, HBARDecimals)
			require.True(t, ok)
			assert.Equal(t, tt.want, got.Int64())
		})
	}
}

func TestParse_USDC(t *testing.T) {
	got, ok := Parse("1.50", USDCDecimals)
	require.True(t, ok)
	assert.Equal(t, int64(1_500_000), got.Int64())
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"-1", "+1", "1.2.3", "abc", "1,5"} {
		_, ok := Parse(in, HBARDecimals)
		assert.False(t, ok, "Parse(%q) should fail", in)
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		amount   *big.Int
		decimals int
		want     string
	}{
		{nil, HBARDecimals, "0"},
		{big.NewInt(0), HBARDecimals, "0"},
		{big.NewInt(50_000_000), HBARDecimals, "0.5"},
		{big.NewInt(100_000_000), HBARDecimals, "1"},
		{big.NewInt(1), HBARDecimals, "0.00000001"},
		{big.NewInt(1_500_000), USDCDecimals, "1.5"},
		{big.NewInt(-2_000_000), USDCDecimals, "-2"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Format(tt.amount, tt.decimals))
	}
}

func TestParseFormat_Roundtrip(t *testing.T) {
	for _, s := range []string{"0.5", "12.345", "1000"} {
		v, ok := Parse(s, HBARDecimals)
		require.True(t, ok)
		assert.Equal(t, s, Format(v, HBARDecimals))
	}
}

func TestParseSmallest(t *testing.T) {
	v, ok := ParseSmallest("50000000")
	require.True(t, ok)
	assert.Equal(t, int64(50_000_000), v.Int64())

	for _, in := range []string{"", "-5", "+5", "1.5", "0x10"} {
		_, ok := ParseSmallest(in)
		assert.False(t, ok, "ParseSmallest(%q) should fail", in)
	}
}

func TestHBAR(t *testing.T) {
	assert.Equal(t, int64(100_000_000_000), HBAR(1000))
	assert.Equal(t, int64(50_000_000), HBAR(0.5))
}
