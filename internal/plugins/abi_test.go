package plugins

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHostABIVersionShape(t *testing.T) {
	abi := HostABIVersion()
	parts := strings.SplitN(abi, ":", 2)
	require.Len(t, parts, 2)
	assert.Equal(t, CoreVersion, parts[0])
	assert.NotEmpty(t, parts[1])
}

func TestMajorMinorEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"0.10.0:go1.25.1", "0.10.0:go1.25.1", true},
		{"0.10.0:go1.25.1", "0.10.3:go1.25.9", true},
		{"0.10.0:go1.25.1", "0.9.0:go1.25.1", false},
		{"0.10.0:go1.25.1", "0.10.0:go1.24.1", false},
		{"0.10.0:go1.25.1", "1.10.0:go1.25.1", false},
		{"0.10.0:go1.25.1", "garbage", false},
		{"", "0.10.0:go1.25.1", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, majorMinorEqual(c.a, c.b), "%s vs %s", c.a, c.b)
	}
}

func TestCheckABIDefaultPolicy(t *testing.T) {
	host := HostABIVersion()

	assert.NoError(t, CheckABI(host, MatchMajorMinor))

	// Patch-level differences pass the default policy.
	patched := bumpPatch(host)
	assert.NoError(t, CheckABI(patched, MatchMajorMinor))

	// A different core minor is rejected, the factory is never called.
	err := CheckABI("0.9.0:"+strings.SplitN(host, ":", 2)[1], MatchMajorMinor)
	require.Error(t, err)
	var mismatch *ABIMismatchError
	assert.ErrorAs(t, err, &mismatch)
	assert.Equal(t, host, mismatch.Host)
}

func TestCheckABIStrictPolicy(t *testing.T) {
	host := HostABIVersion()
	assert.NoError(t, CheckABI(host, MatchStrict))
	assert.Error(t, CheckABI(bumpPatch(host), MatchStrict), "strict requires full equality")
}

func TestCheckABIMatchAny(t *testing.T) {
	assert.NoError(t, CheckABI("anything:at-all", MatchAny))
}

// bumpPatch rewrites the core half's patch digit.
func bumpPatch(abi string) string {
	parts := strings.SplitN(abi, ":", 2)
	core := strings.Split(parts[0], ".")
	core[len(core)-1] = core[len(core)-1] + "9"
	return strings.Join(core, ".") + ":" + parts[1]
}
