package store

import (
	"time"

	"dynamo/pkg/inventory"
)

// Records are the persisted form of the inventory entities. References are
// stored by name.

type datasetRecord struct {
	Name            string                    `json:"name"`
	Status          inventory.DatasetStatus   `json:"status"`
	DataType        inventory.DataType        `json:"data_type"`
	SoftwareVersion inventory.SoftwareVersion `json:"software_version"`
	LastUpdate      time.Time                 `json:"last_update"`
	IsOpen          bool                      `json:"is_open"`
	Attr            map[string]interface{}    `json:"attr,omitempty"`
}

func newDatasetRecord(d *inventory.Dataset) datasetRecord {
	return datasetRecord{
		Name:            d.Name,
		Status:          d.Status,
		DataType:        d.DataType,
		SoftwareVersion: d.SoftwareVersion,
		LastUpdate:      d.LastUpdate,
		IsOpen:          d.IsOpen,
		Attr:            d.Attr,
	}
}

func (r datasetRecord) entity() *inventory.Dataset {
	d := inventory.NewDataset(r.Name)
	d.Status = r.Status
	d.DataType = r.DataType
	d.SoftwareVersion = r.SoftwareVersion
	d.LastUpdate = r.LastUpdate
	d.IsOpen = r.IsOpen
	for k, v := range r.Attr {
		d.Attr[k] = v
	}
	return d
}

type blockRecord struct {
	Dataset    string              `json:"dataset"`
	Name       inventory.BlockName `json:"name"`
	Size       int64               `json:"size"`
	NumFiles   int                 `json:"num_files"`
	IsOpen     bool                `json:"is_open"`
	LastUpdate time.Time           `json:"last_update"`
}

func newBlockRecord(b *inventory.Block) blockRecord {
	return blockRecord{
		Dataset:    b.Dataset.Name(),
		Name:       b.Name,
		Size:       b.Size,
		NumFiles:   b.NumFiles,
		IsOpen:     b.IsOpen,
		LastUpdate: b.LastUpdate,
	}
}

func (r blockRecord) entity() *inventory.Block {
	b := inventory.NewBlock(r.Dataset, r.Name)
	b.Size = r.Size
	b.NumFiles = r.NumFiles
	b.IsOpen = r.IsOpen
	b.LastUpdate = r.LastUpdate
	return b
}

type fileRecord struct {
	Block string `json:"block"`
	LFN   string `json:"lfn"`
	Size  int64  `json:"size"`
	ID    int64  `json:"id"`
}

func (r fileRecord) entity() *inventory.File {
	f := inventory.NewFile(r.Block, r.LFN, r.Size)
	f.ID = r.ID
	return f
}

type siteRecord struct {
	Name        string                `json:"name"`
	Host        string                `json:"host"`
	StorageType inventory.StorageType `json:"storage_type"`
	Status      inventory.SiteStatus  `json:"status"`
	Backend     string                `json:"backend"`
}

func (r siteRecord) entity() *inventory.Site {
	s := inventory.NewSite(r.Name)
	s.Host = r.Host
	s.StorageType = r.StorageType
	s.Status = r.Status
	s.Backend = r.Backend
	return s
}

type groupRecord struct {
	Name   string                   `json:"name"`
	OLevel inventory.OwnershipLevel `json:"olevel"`
}

type partitionRecord struct {
	Name          string                  `json:"name"`
	Groups        []string                `json:"groups,omitempty"`
	StorageTypes  []inventory.StorageType `json:"storage_types,omitempty"`
	Subpartitions []string                `json:"subpartitions,omitempty"`
}

func newPartitionRecord(p *inventory.Partition) partitionRecord {
	rec := partitionRecord{
		Name:         p.Name,
		Groups:       p.Groups,
		StorageTypes: p.StorageTypes,
	}
	for _, ref := range p.Subpartitions {
		rec.Subpartitions = append(rec.Subpartitions, ref.Name())
	}
	return rec
}

func (r partitionRecord) entity() *inventory.Partition {
	p := inventory.NewPartition(r.Name)
	p.Groups = append([]string(nil), r.Groups...)
	p.StorageTypes = append([]inventory.StorageType(nil), r.StorageTypes...)
	for _, name := range r.Subpartitions {
		p.Subpartitions = append(p.Subpartitions, inventory.Unresolved[inventory.Partition](name))
	}
	return p
}

type sitePartitionRecord struct {
	Site      string `json:"site"`
	Partition string `json:"partition"`
	Quota     int64  `json:"quota"`
}

type datasetReplicaRecord struct {
	Dataset string `json:"dataset"`
	Site    string `json:"site"`
	Growing bool   `json:"growing"`
	Group   string `json:"group"`
}

func (r datasetReplicaRecord) entity() *inventory.DatasetReplica {
	rep := inventory.NewDatasetReplica(r.Dataset, r.Site)
	rep.Growing = r.Growing
	rep.Group = inventory.Unresolved[inventory.Group](r.Group)
	return rep
}

type blockReplicaRecord struct {
	Block       string    `json:"block"`
	Site        string    `json:"site"`
	Group       string    `json:"group"`
	IsCustodial bool      `json:"is_custodial"`
	Size        int64     `json:"size"`
	LastUpdate  time.Time `json:"last_update"`
	FileIDs     []int64   `json:"file_ids,omitempty"`
}

func newBlockReplicaRecord(r *inventory.BlockReplica) blockReplicaRecord {
	return blockReplicaRecord{
		Block:       r.Block.Name(),
		Site:        r.Site.Name(),
		Group:       r.Group.Name(),
		IsCustodial: r.IsCustodial,
		Size:        r.Size,
		LastUpdate:  r.LastUpdate,
		FileIDs:     r.FileIDs,
	}
}

func (r blockReplicaRecord) entity() (*inventory.BlockReplica, error) {
	dataset, name, err := inventory.SplitBlockName(r.Block)
	if err != nil {
		return nil, err
	}
	br := inventory.NewBlockReplica(dataset, name, r.Site)
	br.Group = inventory.Unresolved[inventory.Group](r.Group)
	br.IsCustodial = r.IsCustodial
	br.Size = r.Size
	br.LastUpdate = r.LastUpdate
	br.FileIDs = append([]int64(nil), r.FileIDs...)
	return br, nil
}

func (r blockReplicaRecord) dataset() string {
	dataset, _, _ := inventory.SplitBlockName(r.Block)
	return dataset
}

type lockRecord struct {
	Owner    string    `json:"owner"`
	Acquired time.Time `json:"acquired"`
	Expires  time.Time `json:"expires"`
}
