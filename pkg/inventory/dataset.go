package inventory

import (
	"context"
	"reflect"
	"sort"
	"time"
)

// Attribute keys producers store in Dataset.Attr.
const (
	// AttrLockedBlocks maps a site name (or "*" for every site) to the
	// display names of locked blocks; a "*" entry locks the whole replica.
	AttrLockedBlocks = "locked_blocks"
	AttrUsageRank    = "usage_rank"
	AttrLastUsed     = "last_used"
)

const wildcard = "*"

type Dataset struct {
	Name            string
	Status          DatasetStatus
	DataType        DataType
	SoftwareVersion SoftwareVersion
	LastUpdate      time.Time
	IsOpen          bool
	Attr            map[string]interface{}

	blocks   map[BlockName]*Block
	replicas map[string]*DatasetReplica
}

// NewDataset returns a detached dataset.
func NewDataset(name string) *Dataset {
	return &Dataset{
		Name:     name,
		Attr:     make(map[string]interface{}),
		blocks:   make(map[BlockName]*Block),
		replicas: make(map[string]*DatasetReplica),
	}
}

func (d *Dataset) Key() string  { return d.Name }
func (d *Dataset) Kind() string { return KindDataset }

// Size is the sum of the block sizes. It is never cached.
func (d *Dataset) Size() int64 {
	var size int64
	for _, b := range d.blocks {
		size += b.Size
	}
	return size
}

// NumFiles is the sum of the block file counts.
func (d *Dataset) NumFiles() int {
	n := 0
	for _, b := range d.blocks {
		n += b.NumFiles
	}
	return n
}

func (d *Dataset) NumBlocks() int { return len(d.blocks) }

func (d *Dataset) FindBlock(name BlockName) *Block { return d.blocks[name] }

// Blocks returns the owned blocks ordered by name.
func (d *Dataset) Blocks() []*Block {
	out := make([]*Block, 0, len(d.blocks))
	for _, b := range d.blocks {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name.String() < out[j].Name.String() })
	return out
}

func (d *Dataset) FindReplica(site string) *DatasetReplica { return d.replicas[site] }

func (d *Dataset) NumReplicas() int { return len(d.replicas) }

// Replicas returns the dataset replicas ordered by site name.
func (d *Dataset) Replicas() []*DatasetReplica {
	out := make([]*DatasetReplica, 0, len(d.replicas))
	for _, r := range d.replicas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site.Name() < out[j].Site.Name() })
	return out
}

// LockedBlocks reports which blocks of the replica at site are locked. all is
// true when the whole replica is locked.
func (d *Dataset) LockedBlocks(site string) (all bool, blocks map[BlockName]bool) {
	blocks = make(map[BlockName]bool)
	raw, ok := d.Attr[AttrLockedBlocks]
	if !ok {
		return false, blocks
	}

	var entries map[string][]string
	switch v := raw.(type) {
	case map[string][]string:
		entries = v
	case map[string]interface{}:
		entries = make(map[string][]string, len(v))
		for k, list := range v {
			items, _ := list.([]interface{})
			for _, item := range items {
				if s, ok := item.(string); ok {
					entries[k] = append(entries[k], s)
				}
			}
		}
	default:
		return false, blocks
	}

	for _, key := range []string{site, wildcard} {
		for _, name := range entries[key] {
			if name == wildcard {
				all = true
				continue
			}
			if bn, err := ParseBlockName(name); err == nil {
				blocks[bn] = true
			}
		}
	}
	return all, blocks
}

// AttrFloat returns a numeric attribute.
func (d *Dataset) AttrFloat(key string) (float64, bool) {
	switch v := d.Attr[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// AttrTime returns a time attribute stored as time.Time, RFC3339 text or
// unix seconds.
func (d *Dataset) AttrTime(key string) (time.Time, bool) {
	switch v := d.Attr[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		return t, err == nil
	case float64:
		return time.Unix(int64(v), 0).UTC(), true
	case int64:
		return time.Unix(v, 0).UTC(), true
	}
	return time.Time{}, false
}

// Clone returns a detached copy of the scalar fields.
func (d *Dataset) Clone() *Dataset {
	c := NewDataset(d.Name)
	c.copyFrom(d)
	return c
}

func (d *Dataset) copyFrom(o *Dataset) {
	d.Status = o.Status
	d.DataType = o.DataType
	d.SoftwareVersion = o.SoftwareVersion
	d.LastUpdate = o.LastUpdate
	d.IsOpen = o.IsOpen
	d.Attr = make(map[string]interface{}, len(o.Attr))
	for k, v := range o.Attr {
		d.Attr[k] = v
	}
}

func (d *Dataset) equalFields(o *Dataset) bool {
	if d.Status != o.Status || d.DataType != o.DataType || d.SoftwareVersion != o.SoftwareVersion ||
		!d.LastUpdate.Equal(o.LastUpdate) || d.IsOpen != o.IsOpen {
		return false
	}
	if len(d.Attr) == 0 && len(o.Attr) == 0 {
		return true
	}
	return reflect.DeepEqual(d.Attr, o.Attr)
}

func (d *Dataset) EmbedInto(inv *Inventory, checkOnly bool) (Entity, bool, error) {
	existing, ok := inv.datasets[d.Name]
	if !ok {
		existing = NewDataset(d.Name)
		existing.copyFrom(d)
		inv.datasets[d.Name] = existing
		return existing, true, nil
	}
	if existing == d {
		return existing, false, nil
	}
	changed := !existing.equalFields(d)
	if checkOnly && !changed {
		return existing, false, nil
	}
	existing.copyFrom(d)
	return existing, changed, nil
}

func (d *Dataset) UnlinkFrom(inv *Inventory) Entity {
	existing, ok := inv.datasets[d.Name]
	if !ok {
		return nil
	}
	inv.unlinkDataset(existing)
	return existing
}

func (d *Dataset) WriteInto(ctx context.Context, store Store) error {
	return store.SaveDataset(ctx, d)
}

func (d *Dataset) DeleteFrom(ctx context.Context, store Store) error {
	return store.DeleteDataset(ctx, d)
}
