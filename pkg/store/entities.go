package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	bolt "go.etcd.io/bbolt"

	"dynamo/pkg/inventory"
)

// blockPrefix is the key prefix of everything stored per block of dataset.
func blockPrefix(dataset string) []byte {
	return []byte(dataset + "#")
}

// splitLast splits a composite key at its last separator.
func splitLast(k []byte) (string, string) {
	i := bytes.LastIndex(k, []byte(keySep))
	if i < 0 {
		return string(k), ""
	}
	return string(k[:i]), string(k[i+len(keySep):])
}

func (s *Store) SaveDataset(ctx context.Context, d *inventory.Dataset) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketDatasets), []byte(d.Name), newDatasetRecord(d))
	})
}

func (s *Store) DeleteDataset(ctx context.Context, d *inventory.Dataset) error {
	return s.update(func(tx *bolt.Tx) error {
		return deleteDatasetTx(tx, d.Name)
	})
}

// SaveBlock writes the block and its replicas, which covers the replicas a
// growing dataset replica subscribed to when the block was added.
func (s *Store) SaveBlock(ctx context.Context, b *inventory.Block) error {
	return s.update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketBlocks), []byte(b.Key()), newBlockRecord(b)); err != nil {
			return err
		}
		for _, br := range b.Replicas() {
			if err := saveBlockReplicaTx(tx, br); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteBlock(ctx context.Context, b *inventory.Block) error {
	key := inventory.FullBlockName(b.Dataset.Name(), b.Name)
	return s.update(func(tx *bolt.Tx) error {
		var sites []string
		brs := tx.Bucket(bucketBlockReplicas)
		var keys [][]byte
		err := forEachPrefix(brs, join(key, ""), func(k, _ []byte) error {
			_, site := splitLast(k)
			sites = append(sites, site)
			keys = append(keys, copyKey(k))
			return nil
		})
		if err != nil {
			return err
		}
		if err := deleteKeys(brs, keys); err != nil {
			return err
		}
		if err := deletePrefix(tx.Bucket(bucketFiles), join(key, "")); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlocks).Delete([]byte(key)); err != nil {
			return err
		}
		for _, site := range sites {
			if err := pruneReplicaTx(tx, b.Dataset.Name(), site); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SaveFile(ctx context.Context, f *inventory.File) error {
	rec := fileRecord{Block: f.Block.Name(), LFN: f.LFN, Size: f.Size, ID: f.ID}
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketFiles), join(rec.Block, rec.LFN), rec)
	})
}

func (s *Store) DeleteFile(ctx context.Context, f *inventory.File) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete(join(f.Block.Name(), f.LFN))
	})
}

func (s *Store) SaveSite(ctx context.Context, site *inventory.Site) error {
	rec := siteRecord{
		Name:        site.Name,
		Host:        site.Host,
		StorageType: site.StorageType,
		Status:      site.Status,
		Backend:     site.Backend,
	}
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketSites), []byte(site.Name), rec)
	})
}

// DeleteSite removes the site with its quotas and replicas. Datasets left
// without replicas go as well.
func (s *Store) DeleteSite(ctx context.Context, site *inventory.Site) error {
	return s.update(func(tx *bolt.Tx) error {
		if err := deletePrefix(tx.Bucket(bucketSitePartitions), join(site.Name, "")); err != nil {
			return err
		}
		var datasets []string
		reps := tx.Bucket(bucketDatasetReplicas)
		err := reps.ForEach(func(k, _ []byte) error {
			if ds, name := splitLast(k); name == site.Name {
				datasets = append(datasets, ds)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, ds := range datasets {
			if err := deleteDatasetReplicaTx(tx, ds, site.Name, true); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketSites).Delete([]byte(site.Name))
	})
}

func (s *Store) SaveGroup(ctx context.Context, g *inventory.Group) error {
	if g.IsNull() {
		return nil
	}
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketGroups), []byte(g.Name), groupRecord{Name: g.Name, OLevel: g.OLevel})
	})
}

// DeleteGroup hands the replicas of the group to the null group.
func (s *Store) DeleteGroup(ctx context.Context, g *inventory.Group) error {
	return s.update(func(tx *bolt.Tx) error {
		err := rewrite(tx.Bucket(bucketDatasetReplicas), func(rec *datasetReplicaRecord) bool {
			if rec.Group != g.Name {
				return false
			}
			rec.Group = ""
			return true
		})
		if err != nil {
			return err
		}
		err = rewrite(tx.Bucket(bucketBlockReplicas), func(rec *blockReplicaRecord) bool {
			if rec.Group != g.Name {
				return false
			}
			rec.Group = ""
			return true
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketGroups).Delete([]byte(g.Name))
	})
}

func (s *Store) SavePartition(ctx context.Context, p *inventory.Partition) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketPartitions), []byte(p.Name), newPartitionRecord(p))
	})
}

// DeletePartition removes the partition and its quotas. Parents forget the
// partition and give back the quota it contributed.
func (s *Store) DeletePartition(ctx context.Context, p *inventory.Partition) error {
	return s.update(func(tx *bolt.Tx) error {
		quotas := make(map[string]int64)
		sps := tx.Bucket(bucketSitePartitions)
		var keys [][]byte
		err := sps.ForEach(func(k, v []byte) error {
			site, partition := splitLast(k)
			if partition != p.Name {
				return nil
			}
			var rec sitePartitionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			quotas[site] = rec.Quota
			keys = append(keys, copyKey(k))
			return nil
		})
		if err != nil {
			return err
		}
		if err := deleteKeys(sps, keys); err != nil {
			return err
		}

		var parents []partitionRecord
		err = rewrite(tx.Bucket(bucketPartitions), func(rec *partitionRecord) bool {
			for i, name := range rec.Subpartitions {
				if name == p.Name {
					rec.Subpartitions = append(rec.Subpartitions[:i:i], rec.Subpartitions[i+1:]...)
					parents = append(parents, *rec)
					return true
				}
			}
			return false
		})
		if err != nil {
			return err
		}
		for _, parent := range parents {
			for site, quota := range quotas {
				key := join(site, parent.Name)
				var rec sitePartitionRecord
				found, err := getJSON(sps, key, &rec)
				if err != nil {
					return err
				}
				if !found || quota <= 0 {
					continue
				}
				rec.Quota -= quota
				if err := putJSON(sps, key, rec); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(bucketPartitions).Delete([]byte(p.Name))
	})
}

// SaveSitePartition writes the quota. For a live subpartition the ancestors
// at the same site are written too, since their quotas include it.
func (s *Store) SaveSitePartition(ctx context.Context, sp *inventory.SitePartition) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSitePartitions)
		rec := sitePartitionRecord{Site: sp.Site.Name(), Partition: sp.Partition.Name(), Quota: sp.Quota}
		if err := putJSON(b, join(rec.Site, rec.Partition), rec); err != nil {
			return err
		}
		return saveAncestorQuotas(b, sp)
	})
}

func (s *Store) DeleteSitePartition(ctx context.Context, sp *inventory.SitePartition) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSitePartitions)
		if err := b.Delete(join(sp.Site.Name(), sp.Partition.Name())); err != nil {
			return err
		}
		return saveAncestorQuotas(b, sp)
	})
}

func saveAncestorQuotas(b *bolt.Bucket, sp *inventory.SitePartition) error {
	site, p := sp.Site.Get(), sp.Partition.Get()
	if site == nil || p == nil {
		return nil
	}
	for parent := p.Parent(); parent != nil; parent = parent.Parent() {
		psp := site.Partition(parent.Name)
		if psp == nil {
			break
		}
		rec := sitePartitionRecord{Site: site.Name, Partition: parent.Name, Quota: psp.Quota}
		if err := putJSON(b, join(rec.Site, rec.Partition), rec); err != nil {
			return err
		}
	}
	return nil
}

// SaveDatasetReplica writes the replica with all of its block replicas.
func (s *Store) SaveDatasetReplica(ctx context.Context, r *inventory.DatasetReplica) error {
	rec := datasetReplicaRecord{
		Dataset: r.Dataset.Name(),
		Site:    r.Site.Name(),
		Growing: r.Growing,
		Group:   r.Group.Name(),
	}
	return s.update(func(tx *bolt.Tx) error {
		if err := putJSON(tx.Bucket(bucketDatasetReplicas), join(rec.Dataset, rec.Site), rec); err != nil {
			return err
		}
		for _, br := range r.BlockReplicas() {
			if err := saveBlockReplicaTx(tx, br); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeleteDatasetReplica(ctx context.Context, r *inventory.DatasetReplica) error {
	return s.update(func(tx *bolt.Tx) error {
		return deleteDatasetReplicaTx(tx, r.Dataset.Name(), r.Site.Name(), true)
	})
}

// SaveBlockReplica writes the block replica and creates its dataset replica
// record when there is none yet.
func (s *Store) SaveBlockReplica(ctx context.Context, r *inventory.BlockReplica) error {
	return s.update(func(tx *bolt.Tx) error {
		return saveBlockReplicaTx(tx, r)
	})
}

func (s *Store) DeleteBlockReplica(ctx context.Context, r *inventory.BlockReplica) error {
	return s.update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketBlockReplicas).Delete(join(r.Block.Name(), r.Site.Name())); err != nil {
			return err
		}
		return pruneReplicaTx(tx, r.DatasetName(), r.Site.Name())
	})
}

func saveBlockReplicaTx(tx *bolt.Tx, br *inventory.BlockReplica) error {
	rec := newBlockReplicaRecord(br)
	if err := putJSON(tx.Bucket(bucketBlockReplicas), join(rec.Block, rec.Site), rec); err != nil {
		return err
	}
	reps := tx.Bucket(bucketDatasetReplicas)
	key := join(rec.dataset(), rec.Site)
	if reps.Get(key) != nil {
		return nil
	}
	return putJSON(reps, key, datasetReplicaRecord{Dataset: rec.dataset(), Site: rec.Site})
}

func deleteDatasetTx(tx *bolt.Tx, dataset string) error {
	prefix := blockPrefix(dataset)
	for _, name := range [][]byte{bucketBlocks, bucketFiles, bucketBlockReplicas} {
		if err := deletePrefix(tx.Bucket(name), prefix); err != nil {
			return err
		}
	}
	if err := deletePrefix(tx.Bucket(bucketDatasetReplicas), join(dataset, "")); err != nil {
		return err
	}
	return tx.Bucket(bucketDatasets).Delete([]byte(dataset))
}

func deleteDatasetReplicaTx(tx *bolt.Tx, dataset, site string, pruneDataset bool) error {
	brs := tx.Bucket(bucketBlockReplicas)
	var keys [][]byte
	err := forEachPrefix(brs, blockPrefix(dataset), func(k, _ []byte) error {
		if _, s := splitLast(k); s == site {
			keys = append(keys, copyKey(k))
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := deleteKeys(brs, keys); err != nil {
		return err
	}
	if err := tx.Bucket(bucketDatasetReplicas).Delete(join(dataset, site)); err != nil {
		return err
	}
	if !pruneDataset {
		return nil
	}
	return pruneDatasetTx(tx, dataset)
}

// pruneReplicaTx drops a non-growing dataset replica without block
// replicas, and the dataset when that was its last replica.
func pruneReplicaTx(tx *bolt.Tx, dataset, site string) error {
	var rec datasetReplicaRecord
	found, err := getJSON(tx.Bucket(bucketDatasetReplicas), join(dataset, site), &rec)
	if err != nil || !found || rec.Growing {
		return err
	}
	empty := true
	err = forEachPrefix(tx.Bucket(bucketBlockReplicas), blockPrefix(dataset), func(k, _ []byte) error {
		if _, s := splitLast(k); s == site {
			empty = false
		}
		return nil
	})
	if err != nil || !empty {
		return err
	}
	return deleteDatasetReplicaTx(tx, dataset, site, true)
}

func pruneDatasetTx(tx *bolt.Tx, dataset string) error {
	c := tx.Bucket(bucketDatasetReplicas).Cursor()
	prefix := join(dataset, "")
	if k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix) {
		return nil
	}
	if tx.Bucket(bucketDatasets).Get([]byte(dataset)) == nil {
		return nil
	}
	return deleteDatasetTx(tx, dataset)
}

func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	var keys [][]byte
	err := forEachPrefix(b, prefix, func(k, _ []byte) error {
		keys = append(keys, copyKey(k))
		return nil
	})
	if err != nil {
		return err
	}
	return deleteKeys(b, keys)
}

// rewrite decodes every record of b and stores back those fn changed.
func rewrite[T any](b *bolt.Bucket, fn func(rec *T) bool) error {
	type change struct {
		key []byte
		rec T
	}
	var changes []change
	err := b.ForEach(func(k, v []byte) error {
		var rec T
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("unmarshal %s: %w", k, err)
		}
		if fn(&rec) {
			changes = append(changes, change{key: copyKey(k), rec: rec})
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, c := range changes {
		if err := putJSON(b, c.key, c.rec); err != nil {
			return err
		}
	}
	return nil
}
