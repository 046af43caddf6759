package policy

import (
	"sort"
	"time"

	"dynamo/pkg/inventory"
)

// Level tells which part of a target a variable reads.
type Level int

const (
	LevelSite Level = iota
	LevelReplica
	LevelBlock
)

// Variable extracts a typed value from a target. Block level variables
// yield one value per target block replica; a predicate over them holds if
// it holds for any value.
type Variable struct {
	Name  string
	Type  ValueType
	Level Level
	// Multi is set for replica level variables yielding several values.
	Multi bool

	get     func(t *Target) []interface{}
	literal func(lit string, now time.Time) (interface{}, error)
}

// Values extracts the values of v from t.
func (v *Variable) Values(t *Target) []interface{} {
	if v.Level != LevelSite && t.Replica == nil {
		return nil
	}
	return v.get(t)
}

func siteVar(name string, typ ValueType, f func(s *SiteState) interface{}) *Variable {
	return &Variable{Name: name, Type: typ, Level: LevelSite, get: func(t *Target) []interface{} {
		return []interface{}{f(t.Site)}
	}}
}

func replicaVar(name string, typ ValueType, f func(t *Target) interface{}) *Variable {
	return &Variable{Name: name, Type: typ, Level: LevelReplica, get: func(t *Target) []interface{} {
		return []interface{}{f(t)}
	}}
}

func blockVar(name string, typ ValueType, f func(br *inventory.BlockReplica, t *Target) interface{}) *Variable {
	return &Variable{Name: name, Type: typ, Level: LevelBlock, get: func(t *Target) []interface{} {
		out := make([]interface{}, 0, len(t.Blocks))
		for _, br := range t.Blocks {
			out = append(out, f(br, t))
		}
		return out
	}}
}

func withLiteral(v *Variable, f func(string, time.Time) (interface{}, error)) *Variable {
	v.literal = f
	return v
}

func isFullDiskCopy(rep *inventory.DatasetReplica) bool {
	site := rep.Site.Get()
	return site != nil && site.StorageType == inventory.StorageDisk && rep.IsFull()
}

func numFullDiskCopies(ds *inventory.Dataset) int {
	n := 0
	for _, rep := range ds.Replicas() {
		if isFullDiskCopy(rep) {
			n++
		}
	}
	return n
}

func isLocked(t *Target, br *inventory.BlockReplica) bool {
	all, blocks := t.dataset().LockedBlocks(t.Replica.Site.Name())
	return all || blocks[br.BlockName()]
}

var variables = map[string]*Variable{}

func register(vs ...*Variable) {
	for _, v := range vs {
		variables[v.Name] = v
	}
}

func init() {
	register(
		replicaVar("dataset.name", TypeText, func(t *Target) interface{} {
			return t.dataset().Name
		}),
		withLiteral(replicaVar("dataset.status", TypeEnum, func(t *Target) interface{} {
			return float64(t.dataset().Status)
		}), enumLiteral(inventory.ParseDatasetStatus)),
		withLiteral(replicaVar("dataset.data_type", TypeEnum, func(t *Target) interface{} {
			return float64(t.dataset().DataType)
		}), enumLiteral(inventory.ParseDataType)),
		replicaVar("dataset.software_version", TypeVersion, func(t *Target) interface{} {
			return t.dataset().SoftwareVersion
		}),
		replicaVar("dataset.is_open", TypeBool, func(t *Target) interface{} {
			return t.dataset().IsOpen
		}),
		replicaVar("dataset.last_update", TypeTime, func(t *Target) interface{} {
			return t.dataset().LastUpdate
		}),
		withLiteral(replicaVar("dataset.size", TypeNumber, func(t *Target) interface{} {
			return float64(t.dataset().Size())
		}), parseSize),
		replicaVar("dataset.num_files", TypeNumber, func(t *Target) interface{} {
			return float64(t.dataset().NumFiles())
		}),
		replicaVar("dataset.num_full_disk_copy", TypeNumber, func(t *Target) interface{} {
			return float64(numFullDiskCopies(t.dataset()))
		}),
		replicaVar("dataset.on_tape", TypeBool, func(t *Target) interface{} {
			for _, rep := range t.dataset().Replicas() {
				if site := rep.Site.Get(); site != nil && site.StorageType == inventory.StorageMSS && rep.IsFull() {
					return true
				}
			}
			return false
		}),
		replicaVar("dataset.usage_rank", TypeNumber, func(t *Target) interface{} {
			rank, _ := t.dataset().AttrFloat(inventory.AttrUsageRank)
			return rank
		}),
		replicaVar("dataset.last_used", TypeTime, func(t *Target) interface{} {
			last, _ := t.dataset().AttrTime(inventory.AttrLastUsed)
			return last
		}),

		replicaVar("replica.is_locked", TypeBool, func(t *Target) interface{} {
			for _, br := range t.Blocks {
				if isLocked(t, br) {
					return true
				}
			}
			return false
		}),
		replicaVar("replica.is_complete", TypeBool, func(t *Target) interface{} {
			return t.Replica.IsComplete()
		}),
		replicaVar("replica.is_partial", TypeBool, func(t *Target) interface{} {
			return !t.Replica.IsFull()
		}),
		replicaVar("replica.is_growing", TypeBool, func(t *Target) interface{} {
			return t.Replica.Growing
		}),
		replicaVar("replica.is_last_disk_copy", TypeBool, func(t *Target) interface{} {
			return isFullDiskCopy(t.Replica) && numFullDiskCopies(t.dataset()) == 1
		}),
		withLiteral(replicaVar("replica.size", TypeNumber, func(t *Target) interface{} {
			return float64(t.Size())
		}), parseSize),
		replicaVar("replica.num_blocks", TypeNumber, func(t *Target) interface{} {
			return float64(len(t.Blocks))
		}),
		replicaVar("replica.last_block_update", TypeTime, func(t *Target) interface{} {
			var last time.Time
			for _, br := range t.Blocks {
				if br.LastUpdate.After(last) {
					last = br.LastUpdate
				}
			}
			return last
		}),
		&Variable{Name: "replica.owners", Type: TypeText, Level: LevelReplica, Multi: true,
			get: func(t *Target) []interface{} {
				seen := make(map[string]bool)
				var out []interface{}
				for _, br := range t.Blocks {
					if name := br.Group.Name(); !seen[name] {
						seen[name] = true
						out = append(out, name)
					}
				}
				return out
			}},

		blockVar("blockreplica.owner", TypeText, func(br *inventory.BlockReplica, _ *Target) interface{} {
			return br.Group.Name()
		}),
		blockVar("blockreplica.last_update", TypeTime, func(br *inventory.BlockReplica, _ *Target) interface{} {
			return br.LastUpdate
		}),
		blockVar("blockreplica.is_custodial", TypeBool, func(br *inventory.BlockReplica, _ *Target) interface{} {
			return br.IsCustodial
		}),
		blockVar("blockreplica.is_complete", TypeBool, func(br *inventory.BlockReplica, _ *Target) interface{} {
			return br.IsComplete()
		}),
		blockVar("blockreplica.is_locked", TypeBool, func(br *inventory.BlockReplica, t *Target) interface{} {
			return isLocked(t, br)
		}),
		withLiteral(blockVar("blockreplica.size", TypeNumber, func(br *inventory.BlockReplica, _ *Target) interface{} {
			return float64(br.Size)
		}), parseSize),
		blockVar("block.name", TypeText, func(br *inventory.BlockReplica, _ *Target) interface{} {
			return br.BlockName().String()
		}),

		siteVar("site.name", TypeText, func(s *SiteState) interface{} {
			return s.Site.Name
		}),
		withLiteral(siteVar("site.status", TypeEnum, func(s *SiteState) interface{} {
			return float64(s.Site.Status)
		}), enumLiteral(inventory.ParseSiteStatus)),
		withLiteral(siteVar("site.storage_type", TypeEnum, func(s *SiteState) interface{} {
			return float64(s.Site.StorageType)
		}), enumLiteral(inventory.ParseStorageType)),
		siteVar("site.occupancy", TypeNumber, func(s *SiteState) interface{} {
			return s.Occupancy()
		}),
		withLiteral(siteVar("site.quota", TypeNumber, func(s *SiteState) interface{} {
			return float64(s.Partition.Quota)
		}), parseSize),
		siteVar("site.protected_fraction", TypeNumber, func(s *SiteState) interface{} {
			return s.ProtectedFraction()
		}),
	)
}

// LookupVariable returns the named variable.
func LookupVariable(name string) (*Variable, bool) {
	v, ok := variables[name]
	return v, ok
}

// VariableNames lists every known variable in order.
func VariableNames() []string {
	names := make([]string, 0, len(variables))
	for name := range variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
