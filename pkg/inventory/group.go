package inventory

import "context"

// Group is an ownership label for block replicas. The group with the empty
// name is the null group: it owns replicas whose group was deleted or never
// assigned. Every inventory has its own null group instance.
type Group struct {
	Name   string
	OLevel OwnershipLevel
}

func NewGroup(name string) *Group {
	return &Group{Name: name}
}

func (g *Group) Key() string  { return g.Name }
func (g *Group) Kind() string { return KindGroup }

func (g *Group) IsNull() bool { return g.Name == "" }

func (g *Group) Clone() *Group {
	c := *g
	return &c
}

func (g *Group) EmbedInto(inv *Inventory, checkOnly bool) (Entity, bool, error) {
	if g.IsNull() {
		return inv.nullGroup, false, nil
	}
	existing, ok := inv.groups[g.Name]
	if !ok {
		existing = g.Clone()
		inv.groups[g.Name] = existing
		return existing, true, nil
	}
	if existing == g {
		return existing, false, nil
	}
	changed := existing.OLevel != g.OLevel
	if checkOnly && !changed {
		return existing, false, nil
	}
	existing.OLevel = g.OLevel
	return existing, changed, nil
}

func (g *Group) UnlinkFrom(inv *Inventory) Entity {
	if g.IsNull() {
		return nil
	}
	existing, ok := inv.groups[g.Name]
	if !ok {
		return nil
	}
	inv.unlinkGroup(existing)
	return existing
}

func (g *Group) WriteInto(ctx context.Context, store Store) error {
	return store.SaveGroup(ctx, g)
}

func (g *Group) DeleteFrom(ctx context.Context, store Store) error {
	return store.DeleteGroup(ctx, g)
}
