package iscc

import (
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDKnownVector(t *testing.T) {
	id, err := NewID(1746171541264773, 0)
	require.NoError(t, err)
	assert.Equal(t, "ISCC:MAIWGQRD43YZQUAA", id.Encode(RealmSandbox))
	assert.Equal(t, "ISCC:MEIWGQRD43YZQUAA", id.Encode(RealmOperational))
	assert.Equal(t, int64(1746171541264773), id.TimestampMicros())
	assert.Equal(t, 0, id.HubID())
}

func TestParseID(t *testing.T) {
	id, realm, err := ParseID("ISCC:MAIWGQRD43YZQUAA")
	require.NoError(t, err)
	assert.Equal(t, RealmSandbox, realm)
	assert.Equal(t, int64(1746171541264773), id.TimestampMicros())

	_, realm, err = ParseID("ISCC:MEIWGQRD43YZQUAA")
	require.NoError(t, err)
	assert.Equal(t, RealmOperational, realm)

	// A composite ISCC-CODE is not an ISCC-ID.
	_, _, err = ParseID("ISCC:KUAACAQDAQCQMBYIT4AQEAYEAUDAO")
	assert.Error(t, err)
}

func TestIDFromBytes(t *testing.T) {
	id, err := NewID(1746171541264773, 7)
	require.NoError(t, err)

	fromBody, err := IDFromBytes(id.Body())
	require.NoError(t, err)
	assert.Equal(t, id, fromBody)

	h := RealmSandbox.header()
	fromFull, err := IDFromBytes(append(h[:], id.Body()...))
	require.NoError(t, err)
	assert.Equal(t, id, fromFull)

	_, err = IDFromBytes(id.Body()[:5])
	assert.Error(t, err)
}

func TestNewIDRange(t *testing.T) {
	_, err := NewID(-1, 0)
	assert.Error(t, err)

	_, err = NewID(MaxTimestampMicros+1, 0)
	assert.Error(t, err)

	_, err = NewID(0, MaxHubID+1)
	assert.Error(t, err)

	_, err = NewID(0, -1)
	assert.Error(t, err)

	id, err := NewID(MaxTimestampMicros, MaxHubID)
	require.NoError(t, err)
	assert.Equal(t, int64(MaxTimestampMicros), id.TimestampMicros())
	assert.Equal(t, MaxHubID, id.HubID())
}

func TestIDOrdering(t *testing.T) {
	a, _ := NewID(100, 5)
	b, _ := NewID(100, 6)
	c, _ := NewID(101, 0)
	ids := []ID{c, b, a}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	assert.Equal(t, []ID{a, b, c}, ids)
}

func TestIDRoundtripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("string/bytes/body forms interconvert losslessly", prop.ForAll(
		func(ts int64, hub int) bool {
			id, err := NewID(ts, hub)
			if err != nil {
				return false
			}
			if id.TimestampMicros() != ts || id.HubID() != hub {
				return false
			}
			parsed, realm, err := ParseID(id.Encode(RealmSandbox))
			if err != nil || realm != RealmSandbox || parsed != id {
				return false
			}
			fromBytes, err := IDFromBytes(id.Body())
			return err == nil && fromBytes == id
		},
		gen.Int64Range(0, MaxTimestampMicros),
		gen.IntRange(0, MaxHubID),
	))

	properties.TestingRun(t)
}
