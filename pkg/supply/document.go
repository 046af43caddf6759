// Package supply turns the output of external data suppliers into detached
// inventory entities and merges them into the inventory.
package supply

import (
	"fmt"
	"sort"
	"time"

	"dynamo/pkg/inventory"
	"dynamo/pkg/utils"
)

// Document is the JSON form a supplier publishes. Owners are referenced by
// name. Sizes are bytes or human strings such as "2.5TB".
type Document struct {
	Groups     []GroupSpec     `json:"groups,omitempty"`
	Partitions []PartitionSpec `json:"partitions,omitempty"`
	Sites      []SiteSpec      `json:"sites,omitempty"`
	// Quotas maps site -> partition -> quota ("unlimited" or a negative
	// number for no limit).
	Quotas    map[string]map[string]interface{} `json:"quotas,omitempty"`
	Datasets  []DatasetSpec                     `json:"datasets,omitempty"`
	Replicas  []ReplicaSpec                     `json:"replicas,omitempty"`
	Deletions *DeletionSpec                     `json:"deletions,omitempty"`
}

type GroupSpec struct {
	Name   string                   `json:"name"`
	OLevel inventory.OwnershipLevel `json:"olevel,omitempty"`
}

type PartitionSpec struct {
	Name          string                  `json:"name"`
	Groups        []string                `json:"groups,omitempty"`
	StorageTypes  []inventory.StorageType `json:"storage_types,omitempty"`
	Subpartitions []string                `json:"subpartitions,omitempty"`
}

type SiteSpec struct {
	Name        string                `json:"name"`
	Host        string                `json:"host,omitempty"`
	StorageType inventory.StorageType `json:"storage_type,omitempty"`
	Status      inventory.SiteStatus  `json:"status,omitempty"`
	Backend     string                `json:"backend,omitempty"`
}

type DatasetSpec struct {
	Name            string                  `json:"name"`
	Status          inventory.DatasetStatus `json:"status,omitempty"`
	DataType        inventory.DataType      `json:"data_type,omitempty"`
	SoftwareVersion string                  `json:"software_version,omitempty"`
	LastUpdate      time.Time               `json:"last_update,omitempty"`
	IsOpen          bool                    `json:"is_open,omitempty"`
	Attr            map[string]interface{}  `json:"attr,omitempty"`
	Blocks          []BlockSpec             `json:"blocks,omitempty"`
}

type BlockSpec struct {
	Name       inventory.BlockName `json:"name"`
	Size       interface{}         `json:"size"`
	NumFiles   int                 `json:"num_files,omitempty"`
	IsOpen     bool                `json:"is_open,omitempty"`
	LastUpdate time.Time           `json:"last_update,omitempty"`
	Files      []FileSpec          `json:"files,omitempty"`
}

type FileSpec struct {
	LFN  string      `json:"lfn"`
	Size interface{} `json:"size"`
	ID   int64       `json:"id,omitempty"`
}

// ReplicaSpec describes a dataset replica and the block replicas it holds.
type ReplicaSpec struct {
	Dataset string             `json:"dataset"`
	Site    string             `json:"site"`
	Growing bool               `json:"growing,omitempty"`
	Group   string             `json:"group,omitempty"`
	Blocks  []BlockReplicaSpec `json:"blocks,omitempty"`
}

// BlockReplicaSpec describes one block replica. A missing size means the
// replica is complete.
type BlockReplicaSpec struct {
	Block      inventory.BlockName `json:"block"`
	Group      string              `json:"group,omitempty"`
	Custodial  bool                `json:"custodial,omitempty"`
	Size       interface{}         `json:"size,omitempty"`
	LastUpdate time.Time           `json:"last_update,omitempty"`
	FileIDs    []int64             `json:"file_ids,omitempty"`
}

// DeletionSpec names entities that disappeared at the source.
type DeletionSpec struct {
	Datasets      []string          `json:"datasets,omitempty"`
	Replicas      []ReplicaRef      `json:"replicas,omitempty"`
	BlockReplicas []BlockReplicaRef `json:"block_replicas,omitempty"`
	Sites         []string          `json:"sites,omitempty"`
	Groups        []string          `json:"groups,omitempty"`
	Partitions    []string          `json:"partitions,omitempty"`
}

type ReplicaRef struct {
	Dataset string `json:"dataset"`
	Site    string `json:"site"`
}

type BlockReplicaRef struct {
	Dataset string              `json:"dataset"`
	Block   inventory.BlockName `json:"block"`
	Site    string              `json:"site"`
}

// Batch is what a supplier hands to the Updater: entities to merge, in
// embedding order, and entities to unlink.
type Batch struct {
	Updates   []inventory.Entity
	Deletions []inventory.Entity
}

// Batch converts the document into detached entities. Parents always come
// before the entities referencing them.
func (d *Document) Batch() (*Batch, error) {
	res := &inventory.LoadResult{}
	var files []inventory.Entity
	blockSizes := make(map[string]int64)

	for _, g := range d.Groups {
		if g.Name == "" {
			return nil, fmt.Errorf("group without a name")
		}
		group := inventory.NewGroup(g.Name)
		group.OLevel = g.OLevel
		res.Groups = append(res.Groups, group)
	}

	for _, p := range d.Partitions {
		part := inventory.NewPartition(p.Name)
		part.Groups = append([]string(nil), p.Groups...)
		part.StorageTypes = append([]inventory.StorageType(nil), p.StorageTypes...)
		for _, sub := range p.Subpartitions {
			part.Subpartitions = append(part.Subpartitions, inventory.Unresolved[inventory.Partition](sub))
		}
		res.Partitions = append(res.Partitions, part)
	}

	for _, s := range d.Sites {
		site := inventory.NewSite(s.Name)
		site.Host = s.Host
		site.StorageType = s.StorageType
		site.Status = s.Status
		site.Backend = s.Backend
		res.Sites = append(res.Sites, site)
	}

	quotas, err := d.sitePartitions()
	if err != nil {
		return nil, err
	}
	res.SitePartitions = quotas

	for _, ds := range d.Datasets {
		dataset := inventory.NewDataset(ds.Name)
		dataset.Status = ds.Status
		dataset.DataType = ds.DataType
		dataset.LastUpdate = ds.LastUpdate
		dataset.IsOpen = ds.IsOpen
		version, err := inventory.ParseSoftwareVersion(ds.SoftwareVersion)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", ds.Name, err)
		}
		dataset.SoftwareVersion = version
		for k, v := range ds.Attr {
			dataset.Attr[k] = v
		}
		res.Datasets = append(res.Datasets, dataset)

		for _, bs := range ds.Blocks {
			block := inventory.NewBlock(ds.Name, bs.Name)
			if block.Size, err = utils.ParseSizeValue(bs.Size, 0); err != nil || block.Size < 0 {
				return nil, fmt.Errorf("block %s: invalid size %v", block.Key(), bs.Size)
			}
			block.NumFiles = bs.NumFiles
			block.IsOpen = bs.IsOpen
			block.LastUpdate = bs.LastUpdate
			if block.NumFiles == 0 {
				block.NumFiles = len(bs.Files)
			}
			blockSizes[block.Key()] = block.Size
			res.Blocks = append(res.Blocks, block)

			for _, fs := range bs.Files {
				size, err := utils.ParseSizeValue(fs.Size, 0)
				if err != nil || size < 0 {
					return nil, fmt.Errorf("file %s: invalid size %v", fs.LFN, fs.Size)
				}
				f := inventory.NewFile(block.Key(), fs.LFN, size)
				f.ID = fs.ID
				files = append(files, f)
			}
		}
	}

	for _, rs := range d.Replicas {
		rep := inventory.NewDatasetReplica(rs.Dataset, rs.Site)
		rep.Growing = rs.Growing
		rep.Group = inventory.Unresolved[inventory.Group](rs.Group)
		for _, bs := range rs.Blocks {
			br := inventory.NewBlockReplica(rs.Dataset, bs.Block, rs.Site)
			group := bs.Group
			if group == "" {
				group = rs.Group
			}
			br.Group = inventory.Unresolved[inventory.Group](group)
			br.IsCustodial = bs.Custodial
			br.LastUpdate = bs.LastUpdate
			br.FileIDs = append([]int64(nil), bs.FileIDs...)
			if bs.Size == nil {
				size, ok := blockSizes[br.Block.Name()]
				if !ok {
					return nil, fmt.Errorf("block replica %s: size is required when the block is not in the document", br.Key())
				}
				br.Size = size
			} else if br.Size, err = utils.ParseSizeValue(bs.Size, 0); err != nil || br.Size < 0 {
				return nil, fmt.Errorf("block replica %s: invalid size %v", br.Key(), bs.Size)
			}
			rep.AddBlockReplica(br)
		}
		res.DatasetReplicas = append(res.DatasetReplicas, rep)
	}

	batch := &Batch{Updates: append(res.Entities(), files...)}
	if d.Deletions != nil {
		batch.Deletions = d.Deletions.entities()
	}
	return batch, nil
}

func (d *Document) sitePartitions() ([]*inventory.SitePartition, error) {
	sites := make([]string, 0, len(d.Quotas))
	for site := range d.Quotas {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	var out []*inventory.SitePartition
	for _, site := range sites {
		parts := make([]string, 0, len(d.Quotas[site]))
		for part := range d.Quotas[site] {
			parts = append(parts, part)
		}
		sort.Strings(parts)
		for _, part := range parts {
			quota, err := utils.ParseSizeValue(d.Quotas[site][part], 0)
			if err != nil {
				return nil, fmt.Errorf("quota of %s/%s: %w", site, part, err)
			}
			out = append(out, inventory.NewSitePartition(site, part, quota))
		}
	}
	return out, nil
}

// entities lists the deletions children first, so that a cascade never
// removes something a later entry still names.
func (s *DeletionSpec) entities() []inventory.Entity {
	var out []inventory.Entity
	for _, ref := range s.BlockReplicas {
		out = append(out, inventory.NewBlockReplica(ref.Dataset, ref.Block, ref.Site))
	}
	for _, ref := range s.Replicas {
		out = append(out, inventory.NewDatasetReplica(ref.Dataset, ref.Site))
	}
	for _, name := range s.Datasets {
		out = append(out, inventory.NewDataset(name))
	}
	for _, name := range s.Sites {
		out = append(out, inventory.NewSite(name))
	}
	for _, name := range s.Groups {
		out = append(out, inventory.NewGroup(name))
	}
	for _, name := range s.Partitions {
		out = append(out, inventory.NewPartition(name))
	}
	return out
}
