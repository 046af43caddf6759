package deletion

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynamo/pkg/inventory"
)

func testReplica(t *testing.T, site string) *inventory.DatasetReplica {
	inv := inventory.New(inventory.Options{})
	ctx := context.Background()
	name := inventory.MustParseBlockName("00000000-0000-0000-0000-0000000000aa")
	block := inventory.NewBlock("/A/B/RAW", name)
	block.Size = 10
	br := inventory.NewBlockReplica("/A/B/RAW", name, site)
	br.Size = 10
	for _, e := range []inventory.Entity{inventory.NewSite(site), inventory.NewDataset("/A/B/RAW"), block, br} {
		_, _, err := inv.Embed(ctx, e, false)
		require.NoError(t, err)
	}
	return inv.Site(site).FindDatasetReplica("/A/B/RAW")
}

func TestLocalSchedulesOneOperationPerSite(t *testing.T) {
	local := NewLocal(nil)
	a, b := testReplica(t, "A"), testReplica(t, "B")

	ops, err := local.Schedule(context.Background(), []Request{
		{Replica: a},
		{Replica: b, Blocks: b.BlockReplicas()},
	})
	require.NoError(t, err)
	require.Len(t, ops, 2)

	for id, status := range ops {
		assert.True(t, status.Completed)
		polled, err := local.Poll(context.Background(), id)
		require.NoError(t, err)
		assert.Same(t, status, polled)
	}

	all := local.Operations()
	require.Len(t, all, 2)
	assert.Equal(t, []string{"/A/B/RAW@A"}, all[0].Replicas)
	assert.Equal(t, []string{"/A/B/RAW#00000000-0000-0000-0000-0000000000aa@B"}, all[1].Replicas)
}

func TestLocalPollUnknown(t *testing.T) {
	_, err := NewLocal(nil).Poll(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownOperation)
}

func TestRequestSize(t *testing.T) {
	rep := testReplica(t, "A")
	assert.Equal(t, int64(10), Request{Replica: rep}.Size())
	assert.Equal(t, int64(10), Request{Replica: rep, Blocks: rep.BlockReplicas()}.Size())
	assert.Equal(t, "A", Request{Replica: rep}.Site())
}
