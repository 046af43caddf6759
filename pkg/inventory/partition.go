package inventory

import (
	"context"
	"sort"
	"strings"
)

// Partition is a named predicate carving the global replica set into
// accounting domains. A leaf partition matches block replicas by owning group
// and site storage type (an empty list matches anything). A parent
// partition matches whatever one of its subpartitions matches.
type Partition struct {
	Name          string
	Groups        []string
	StorageTypes  []StorageType
	Subpartitions []Ref[Partition]

	parent *Partition
}

func NewPartition(name string) *Partition {
	return &Partition{Name: name}
}

func (p *Partition) Key() string  { return p.Name }
func (p *Partition) Kind() string { return KindPartition }

// Parent returns the partition this one is a subpartition of, if any.
func (p *Partition) Parent() *Partition { return p.parent }

func (p *Partition) IsSubpartition() bool { return p.parent != nil }

// Contains evaluates the partition predicate on a canonical block replica.
func (p *Partition) Contains(br *BlockReplica) bool {
	if len(p.Subpartitions) > 0 {
		for _, ref := range p.Subpartitions {
			if sub := ref.Get(); sub != nil && sub.Contains(br) {
				return true
			}
		}
		return false
	}

	if len(p.Groups) > 0 {
		found := false
		for _, g := range p.Groups {
			if g == br.Group.Name() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(p.StorageTypes) > 0 {
		site := br.Site.Get()
		if site == nil {
			return false
		}
		found := false
		for _, st := range p.StorageTypes {
			if st == site.StorageType {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (p *Partition) String() string {
	if len(p.Subpartitions) > 0 {
		names := make([]string, 0, len(p.Subpartitions))
		for _, ref := range p.Subpartitions {
			names = append(names, ref.Name())
		}
		return p.Name + "(" + strings.Join(names, "|") + ")"
	}
	return p.Name
}

func (p *Partition) Clone() *Partition {
	c := &Partition{
		Name:         p.Name,
		Groups:       append([]string(nil), p.Groups...),
		StorageTypes: append([]StorageType(nil), p.StorageTypes...),
	}
	for _, ref := range p.Subpartitions {
		c.Subpartitions = append(c.Subpartitions, ref.Detach())
	}
	return c
}

func (p *Partition) equalFields(o *Partition) bool {
	if len(p.Groups) != len(o.Groups) || len(p.StorageTypes) != len(o.StorageTypes) ||
		len(p.Subpartitions) != len(o.Subpartitions) {
		return false
	}
	for i := range p.Groups {
		if p.Groups[i] != o.Groups[i] {
			return false
		}
	}
	for i := range p.StorageTypes {
		if p.StorageTypes[i] != o.StorageTypes[i] {
			return false
		}
	}
	for i := range p.Subpartitions {
		if p.Subpartitions[i].Name() != o.Subpartitions[i].Name() {
			return false
		}
	}
	return true
}

func (p *Partition) EmbedInto(inv *Inventory, checkOnly bool) (Entity, bool, error) {
	subs := make([]*Partition, 0, len(p.Subpartitions))
	for _, ref := range p.Subpartitions {
		if ref.Name() == p.Name {
			return nil, false, integrityErrorf("partition %s lists itself as a subpartition", p.Name)
		}
		sub, ok := inv.partitions[ref.Name()]
		if !ok {
			return nil, false, unknownReference(KindPartition, ref.Name(), p.Name)
		}
		if sub.parent != nil && sub.parent.Name != p.Name {
			return nil, false, integrityErrorf("partition %s is already a subpartition of %s", sub.Name, sub.parent.Name)
		}
		for a := inv.partitions[p.Name]; a != nil; a = a.parent {
			if a == sub {
				return nil, false, integrityErrorf("partition %s is an ancestor of %s", sub.Name, p.Name)
			}
		}
		for _, site := range inv.sites {
			if sp := site.partitions[sub.Name]; sp != nil && sp.Quota < 0 {
				return nil, false, integrityErrorf("partition %s has an unlimited quota at %s and cannot be a subpartition", sub.Name, site.Name)
			}
		}
		subs = append(subs, sub)
	}

	existing, ok := inv.partitions[p.Name]
	created := false
	if !ok {
		existing = NewPartition(p.Name)
		inv.partitions[p.Name] = existing
		for _, site := range inv.sites {
			site.partitions[p.Name] = newSitePartition(site, existing, inv.logger)
		}
		created = true
	} else if existing == p {
		return existing, false, nil
	}

	changed := created || !existing.equalFields(p)
	if checkOnly && !changed {
		return existing, false, nil
	}

	for _, ref := range existing.Subpartitions {
		if sub := ref.Get(); sub != nil && sub.parent == existing {
			sub.parent = nil
			inv.moveSubpartitionQuota(existing, sub, -1)
		}
	}
	existing.Groups = append([]string(nil), p.Groups...)
	existing.StorageTypes = append([]StorageType(nil), p.StorageTypes...)
	existing.Subpartitions = existing.Subpartitions[:0]
	for _, sub := range subs {
		existing.Subpartitions = append(existing.Subpartitions, Resolved(sub))
		sub.parent = existing
		inv.moveSubpartitionQuota(existing, sub, 1)
	}

	if changed {
		for q := existing; q != nil; q = q.parent {
			for _, site := range inv.sites {
				sp := site.partitions[q.Name]
				for _, rep := range site.datasetReplicas {
					sp.refresh(rep)
				}
			}
		}
	}
	return existing, changed, nil
}

func (p *Partition) UnlinkFrom(inv *Inventory) Entity {
	existing, ok := inv.partitions[p.Name]
	if !ok {
		return nil
	}
	inv.unlinkPartition(existing)
	return existing
}

func (p *Partition) WriteInto(ctx context.Context, store Store) error {
	return store.SavePartition(ctx, p)
}

func (p *Partition) DeleteFrom(ctx context.Context, store Store) error {
	return store.DeletePartition(ctx, p)
}

// orderPartitions puts every subpartition before its parent.
func orderPartitions(parts []*Partition) []*Partition {
	byName := make(map[string]*Partition, len(parts))
	for _, p := range parts {
		byName[p.Name] = p
	}
	names := make([]string, 0, len(byName))
	for name := range byName {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]*Partition, 0, len(parts))
	done := make(map[string]bool, len(parts))
	var visit func(p *Partition, depth int)
	visit = func(p *Partition, depth int) {
		if done[p.Name] || depth > len(parts) {
			return
		}
		for _, ref := range p.Subpartitions {
			if sub, ok := byName[ref.Name()]; ok {
				visit(sub, depth+1)
			}
		}
		done[p.Name] = true
		out = append(out, p)
	}
	for _, name := range names {
		visit(byName[name], 0)
	}
	return out
}
