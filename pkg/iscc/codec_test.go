package iscc

import (
	"encoding/hex"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestDecodeUnits(t *testing.T) {
	cases := []struct {
		name   string
		code   string
		main   MainType
		sub    int
		bits   int
		digest string
	}{
		{"meta64", "ISCC:AAA2VO6M3XXP6AAR", MTMeta, STNone, 64, "aabbccddeeff0011"},
		{"content-text-64", "ISCC:EAARCIRTIRKWM54I", MTContent, STText, 64, "1122334455667788"},
		{"data64", "ISCC:GAAQCAQDAQCQMBYI", MTData, STNone, 64, "0102030405060708"},
		{"data128", "ISCC:GABQCAQDAQCQMBYIBEIBCEQTCQKRM", MTData, STNone, 128, "01020304050607080910111213141516"},
		{
			"instance256",
			"ISCC:IADZ6AICAMCAKBQHBAEQUCYMBUHA6EARCIJRIFIWC4MBSGQ3DQOR4HY",
			MTInstance, STNone, 256,
			"9f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u, err := Decode(tc.code)
			require.NoError(t, err)
			assert.Equal(t, tc.main, u.Main)
			assert.Equal(t, tc.sub, u.Sub)
			assert.Equal(t, 0, u.Version)
			assert.Equal(t, tc.bits, u.Bits)
			assert.Equal(t, mustHex(t, tc.digest), u.Digest)
			assert.Equal(t, tc.code, u.String())
		})
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, bad := range []string{
		"",
		"MAIWGQRD43YZQUAA",       // missing prefix
		"ISCC:",                  // empty body
		"ISCC:mai2",              // lowercase base32
		"ISCC:GAAQCAQDAQCQMBY",   // truncated body
		"ISCC:GAAQCAQDAQCQMBYI0", // invalid base32 character
	} {
		_, err := Decode(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestEncodeInstance(t *testing.T) {
	digest := mustHex(t, "9f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	code, err := EncodeInstance(digest)
	require.NoError(t, err)
	assert.Equal(t, "ISCC:IADZ6AICAMCAKBQHBAEQUCYMBUHA6EARCIJRIFIWC4MBSGQ3DQOR4HY", code)

	_, err = EncodeInstance(digest[:16])
	assert.Error(t, err)
}

func TestComposeSum(t *testing.T) {
	code, err := Compose([]string{
		"ISCC:GAAQCAQDAQCQMBYI",
		"ISCC:IADZ6AICAMCAKBQHBAEQUCYMBUHA6EARCIJRIFIWC4MBSGQ3DQOR4HY",
	})
	require.NoError(t, err)
	assert.Equal(t, "ISCC:KUAACAQDAQCQMBYIT4AQEAYEAUDAO", code)

	u, err := Decode(code)
	require.NoError(t, err)
	assert.Equal(t, MTIscc, u.Main)
	assert.Equal(t, STSum, u.Sub)
	assert.Equal(t, 128, u.Bits)
}

func TestComposeWide(t *testing.T) {
	code, err := Compose([]string{
		"ISCC:GABQCAQDAQCQMBYIBEIBCEQTCQKRM",
		"ISCC:IADZ6AICAMCAKBQHBAEQUCYMBUHA6EARCIJRIFIWC4MBSGQ3DQOR4HY",
	})
	require.NoError(t, err)
	assert.Equal(t, "ISCC:K4AACAQDAQCQMBYIBEIBCEQTCQKRNHYBAIBQIBIGA4EASCQLBQGQ4DY", code)

	u, err := Decode(code)
	require.NoError(t, err)
	assert.Equal(t, STWide, u.Sub)
	assert.Equal(t, 256, u.Bits)
}

func TestComposeFourUnits(t *testing.T) {
	// Unsorted input: Compose orders units by MainType.
	code, err := Compose([]string{
		"ISCC:GAAQCAQDAQCQMBYI",
		"ISCC:AAA2VO6M3XXP6AAR",
		"ISCC:IADZ6AICAMCAKBQHBAEQUCYMBUHA6EARCIJRIFIWC4MBSGQ3DQOR4HY",
		"ISCC:EAARCIRTIRKWM54I",
	})
	require.NoError(t, err)
	assert.Equal(t, "ISCC:KAC2VO6M3XXP6AARCERDGRCVMZ3YQAICAMCAKBQHBCPQCAQDAQCQMBY", code)

	u, err := Decode(code)
	require.NoError(t, err)
	assert.Equal(t, STText, u.Sub)
	assert.Equal(t, 256, u.Bits)
}

func TestComposeErrors(t *testing.T) {
	inst := "ISCC:IADZ6AICAMCAKBQHBAEQUCYMBUHA6EARCIJRIFIWC4MBSGQ3DQOR4HY"
	data := "ISCC:GAAQCAQDAQCQMBYI"

	_, err := Compose([]string{inst})
	assert.Error(t, err, "single unit")

	_, err = Compose([]string{"ISCC:AAA2VO6M3XXP6AAR", inst})
	assert.Error(t, err, "missing data unit")

	_, err = Compose([]string{data, data, inst})
	assert.Error(t, err, "duplicate maintype")

	_, err = Compose([]string{"not-an-iscc", inst})
	assert.Error(t, err, "unparseable unit")
}

func TestDecompose(t *testing.T) {
	units, err := Decompose("ISCC:KAC2VO6M3XXP6AARCERDGRCVMZ3YQAICAMCAKBQHBCPQCAQDAQCQMBY")
	require.NoError(t, err)
	require.Len(t, units, 4)
	assert.Equal(t, MTMeta, units[0].Main)
	assert.Equal(t, MTContent, units[1].Main)
	assert.Equal(t, STText, units[1].Sub)
	assert.Equal(t, MTData, units[2].Main)
	assert.Equal(t, MTInstance, units[3].Main)
	assert.Equal(t, mustHex(t, "9f01020304050607"), units[3].Digest)
}

func TestDecomposeWide(t *testing.T) {
	units, err := Decompose("ISCC:K4AACAQDAQCQMBYIBEIBCEQTCQKRNHYBAIBQIBIGA4EASCQLBQGQ4DY")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, MTData, units[0].Main)
	assert.Equal(t, 128, units[0].Bits)
	assert.Equal(t, MTInstance, units[1].Main)
	assert.Equal(t, mustHex(t, "9f0102030405060708090a0b0c0d0e0f"), units[1].Digest)
}

func TestComposeDecomposeRoundtrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("sum composite reconstructs from its units", prop.ForAll(
		func(dataDigest []byte, instDigest []byte) bool {
			data := encodeComponent(MTData, STNone, 0, 64, dataDigest)
			inst, err := EncodeInstance(instDigest)
			if err != nil {
				return false
			}
			composite, err := Compose([]string{data, inst})
			if err != nil {
				return false
			}
			units, err := Decompose(composite)
			if err != nil || len(units) != 2 {
				return false
			}
			recomposed, err := Compose([]string{units[0].String(), inst})
			return err == nil && recomposed == composite
		},
		gen.SliceOfN(8, gen.UInt8()),
		gen.SliceOfN(32, gen.UInt8()),
	))

	properties.TestingRun(t)
}
