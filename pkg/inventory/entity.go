package inventory

import "context"

// Entity is implemented by every object of the replica graph. A detached
// entity (built by a supplier, decoded from the store or cloned) is merged
// into the graph with EmbedInto and removed with UnlinkFrom. WriteInto and
// DeleteFrom pass the canonical instance to the persistence collaborator,
// whose per-entity operations mirror the in-memory cascades.
type Entity interface {
	Key() string
	Kind() string

	// EmbedInto resolves the canonical instance by natural key, creating it
	// when absent, and copies the mutable fields over. It returns the
	// canonical instance and whether anything changed. With checkOnly set, an
	// identical or field-equal entity leaves the graph untouched.
	EmbedInto(inv *Inventory, checkOnly bool) (Entity, bool, error)

	// UnlinkFrom removes the canonical instance and everything it
	// exclusively owns. It returns nil when the entity is not present.
	UnlinkFrom(inv *Inventory) Entity

	WriteInto(ctx context.Context, store Store) error
	DeleteFrom(ctx context.Context, store Store) error
}

const (
	KindDataset        = "dataset"
	KindBlock          = "block"
	KindFile           = "file"
	KindSite           = "site"
	KindGroup          = "group"
	KindPartition      = "partition"
	KindSitePartition  = "sitepartition"
	KindDatasetReplica = "datasetreplica"
	KindBlockReplica   = "blockreplica"
)
