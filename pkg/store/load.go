package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"dynamo/pkg/inventory"
)

type nameSet map[string]bool

func newNameSet(names []string) nameSet {
	if len(names) == 0 {
		return nil
	}
	set := make(nameSet, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

// has reports membership; a nil set holds everything.
func (s nameSet) has(name string) bool {
	return s == nil || s[name]
}

func decodeAll[T any](b *bolt.Bucket, fn func(rec T) error) error {
	return b.ForEach(func(k, v []byte) error {
		var rec T
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal %s: %w", k, err)
		}
		return fn(rec)
	})
}

// Load returns the stored entities matching filter. Site, group and dataset
// filters restrict the replicas; a group filter also restricts the groups.
// Block replicas come before dataset replicas so that only growing replicas
// need their own record to be embedded.
func (s *Store) Load(ctx context.Context, filter inventory.LoadFilter) (*inventory.LoadResult, error) {
	sites := newNameSet(filter.Sites)
	groups := newNameSet(filter.Groups)
	datasets := newNameSet(filter.Datasets)
	res := &inventory.LoadResult{}

	err := s.view(func(tx *bolt.Tx) error {
		err := decodeAll(tx.Bucket(bucketGroups), func(rec groupRecord) error {
			if groups.has(rec.Name) {
				g := inventory.NewGroup(rec.Name)
				g.OLevel = rec.OLevel
				res.Groups = append(res.Groups, g)
			}
			return nil
		})
		if err != nil {
			return err
		}

		depth := make(map[string]int)
		var partitions []partitionRecord
		err = decodeAll(tx.Bucket(bucketPartitions), func(rec partitionRecord) error {
			partitions = append(partitions, rec)
			res.Partitions = append(res.Partitions, rec.entity())
			return nil
		})
		if err != nil {
			return err
		}
		for _, p := range partitions {
			depth[p.Name] = partitionDepth(p.Name, partitions)
		}

		err = decodeAll(tx.Bucket(bucketSites), func(rec siteRecord) error {
			if sites.has(rec.Name) {
				res.Sites = append(res.Sites, rec.entity())
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = decodeAll(tx.Bucket(bucketSitePartitions), func(rec sitePartitionRecord) error {
			if sites.has(rec.Site) {
				res.SitePartitions = append(res.SitePartitions, inventory.NewSitePartition(rec.Site, rec.Partition, rec.Quota))
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Subpartitions first: a parent quota already includes theirs.
		sort.SliceStable(res.SitePartitions, func(i, j int) bool {
			return depth[res.SitePartitions[i].Partition.Name()] > depth[res.SitePartitions[j].Partition.Name()]
		})

		err = decodeAll(tx.Bucket(bucketDatasets), func(rec datasetRecord) error {
			if datasets.has(rec.Name) {
				res.Datasets = append(res.Datasets, rec.entity())
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = decodeAll(tx.Bucket(bucketBlocks), func(rec blockRecord) error {
			if datasets.has(rec.Dataset) {
				res.Blocks = append(res.Blocks, rec.entity())
			}
			return nil
		})
		if err != nil {
			return err
		}

		err = decodeAll(tx.Bucket(bucketBlockReplicas), func(rec blockReplicaRecord) error {
			if !datasets.has(rec.dataset()) || !sites.has(rec.Site) || !groups.has(rec.Group) {
				return nil
			}
			br, err := rec.entity()
			if err != nil {
				return err
			}
			res.BlockReplicas = append(res.BlockReplicas, br)
			return nil
		})
		if err != nil {
			return err
		}

		return decodeAll(tx.Bucket(bucketDatasetReplicas), func(rec datasetReplicaRecord) error {
			if !datasets.has(rec.Dataset) || !sites.has(rec.Site) {
				return nil
			}
			if groups != nil && !(rec.Growing && groups.has(rec.Group)) {
				return nil
			}
			res.DatasetReplicas = append(res.DatasetReplicas, rec.entity())
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load inventory: %w", err)
	}
	s.logger.Debug("Loaded inventory records",
		zap.Int("datasets", len(res.Datasets)),
		zap.Int("block_replicas", len(res.BlockReplicas)))
	return res, nil
}

func partitionDepth(name string, partitions []partitionRecord) int {
	depth := 0
	for guard := 0; guard < len(partitions); guard++ {
		parent := ""
		for _, p := range partitions {
			for _, sub := range p.Subpartitions {
				if sub == name {
					parent = p.Name
				}
			}
		}
		if parent == "" {
			break
		}
		depth++
		name = parent
	}
	return depth
}

// LoadFiles returns the files of the block with the given full name.
func (s *Store) LoadFiles(ctx context.Context, block string) ([]*inventory.File, error) {
	var files []*inventory.File
	err := s.view(func(tx *bolt.Tx) error {
		return forEachPrefix(tx.Bucket(bucketFiles), join(block, ""), func(k, v []byte) error {
			var rec fileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal %s: %w", k, err)
			}
			files = append(files, rec.entity())
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load files of %s: %w", block, err)
	}
	return files, nil
}
