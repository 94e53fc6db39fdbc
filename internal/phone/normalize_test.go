package phone

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChainVariants(t *testing.T) {
	chain := NewChain([]string{"91"}, 10)

	testCases := []struct {
		name     string
		raw      string
		expected []string
	}{
		{
			name:     "country code and punctuation",
			raw:      "+91 98765-43210",
			expected: []string{"9876543210", "919876543210", "+91 98765-43210"},
		},
		{
			name:     "plain local number",
			raw:      "9876543210",
			expected: []string{"9876543210"},
		},
		{
			name:     "short number keeps its prefix",
			raw:      "91555",
			expected: []string{"91555"},
		},
		{
			name:     "trunk zero",
			raw:      "09876543210",
			expected: []string{"9876543210", "09876543210"},
		},
		{
			name:     "blank",
			raw:      "   ",
			expected: []string{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, chain.Variants(tc.raw))
		})
	}
}

func TestChainKeyMatchesAcrossFormats(t *testing.T) {
	chain := NewChain([]string{"91"}, 10)

	require.Equal(t, chain.Key("9876543210"), chain.Key("+919876543210"))
	require.Equal(t, "555", chain.Key("555"))
	require.Empty(t, chain.Key(""))
}

func TestCustomNormalizerIsTriedInOrder(t *testing.T) {
	upper := func(raw string) string { return "X" + raw }
	chain := Chain{upper, Raw}

	require.Equal(t, []string{"X1", "1"}, chain.Variants("1"))
}

func TestToE164(t *testing.T) {
	require.Equal(t, "+919876543210", ToE164("9876543210", "91", 10))
	require.Equal(t, "+919876543210", ToE164("919876543210", "91", 10))
	require.Equal(t, "+919123456789", ToE164("9123456789", "91", 10))
	require.Equal(t, "+919876543210", ToE164("09876543210", "91", 10))
	require.Equal(t, "+14155550100", ToE164("+1 (415) 555-0100", "91", 10))
	require.Equal(t, "+14155550100", ToE164("0014155550100", "91", 10))
	require.Equal(t, "+555", ToE164("555", "", 10))
	require.Empty(t, ToE164("n/a", "91", 10))
}
