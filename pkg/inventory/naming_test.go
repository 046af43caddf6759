package inventory

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlockNameRoundTrip(t *testing.T) {
	display := "4fa9e6a2-0c1b-11e5-b6a5-001e67abf518"
	name, err := ParseBlockName(display)
	require.NoError(t, err)
	assert.Equal(t, display, name.String())
	assert.False(t, name.IsZero())

	full := FullBlockName("/A/B/RAW", name)
	assert.Equal(t, "/A/B/RAW#"+display, full)

	ds, parsed, err := SplitBlockName(full)
	require.NoError(t, err)
	assert.Equal(t, "/A/B/RAW", ds)
	assert.Equal(t, name, parsed)
}

func TestBlockNameRejectsMalformed(t *testing.T) {
	for _, s := range []string{
		"",
		"4fa9e6a20c1b11e5b6a5001e67abf518",
		"{4fa9e6a2-0c1b-11e5-b6a5-001e67abf518}",
		"4fa9e6a2-0c1b-11e5-b6a5-001e67abf5zz",
	} {
		_, err := ParseBlockName(s)
		assert.Error(t, err, s)
	}

	_, _, err := SplitBlockName("no-separator")
	assert.Error(t, err)
	_, _, err = SplitBlockName("#4fa9e6a2-0c1b-11e5-b6a5-001e67abf518")
	assert.Error(t, err)
}

func TestBlockNameText(t *testing.T) {
	type doc struct {
		Name BlockName `json:"name"`
	}
	in := doc{Name: block2}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"00000000-0000-0000-0000-000000000002"}`, string(data))

	var out doc
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestEnumLookup(t *testing.T) {
	status, err := ParseDatasetStatus("Production")
	require.NoError(t, err)
	assert.Equal(t, DatasetProduction, status)
	assert.Equal(t, "production", status.String())

	_, err = ParseDatasetStatus("shiny")
	assert.Error(t, err)

	st, err := ParseStorageType("mss")
	require.NoError(t, err)
	assert.Equal(t, StorageMSS, st)

	var level OwnershipLevel
	require.NoError(t, level.UnmarshalText([]byte("block")))
	assert.Equal(t, OwnBlock, level)

	dt, err := ParseDataType("MC")
	require.NoError(t, err)
	assert.Equal(t, DataTypeMC, dt)
}

func TestSoftwareVersion(t *testing.T) {
	v, err := ParseSoftwareVersion("CMSSW_10_2_3_patch1")
	require.NoError(t, err)
	assert.Equal(t, SoftwareVersion{Cycle: 10, Major: 2, Minor: 3, Suffix: "patch1"}, v)
	assert.Equal(t, "CMSSW_10_2_3_patch1", v.String())

	older, err := ParseSoftwareVersion("9_4_0")
	require.NoError(t, err)
	assert.True(t, older.Less(v))
	assert.False(t, v.Less(older))

	zero, err := ParseSoftwareVersion("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())

	_, err = ParseSoftwareVersion("CMSSW_10_x")
	assert.Error(t, err)
}

func TestLockedBlocks(t *testing.T) {
	ds := NewDataset(testDataset)
	ds.Attr[AttrLockedBlocks] = map[string]interface{}{
		"A": []interface{}{block1.String()},
		"*": []interface{}{block2.String()},
		"B": []interface{}{"*"},
	}

	all, blocks := ds.LockedBlocks("A")
	assert.False(t, all)
	assert.True(t, blocks[block1])
	assert.True(t, blocks[block2])

	all, _ = ds.LockedBlocks("B")
	assert.True(t, all)

	all, blocks = NewDataset("x").LockedBlocks("A")
	assert.False(t, all)
	assert.Empty(t, blocks)
}
