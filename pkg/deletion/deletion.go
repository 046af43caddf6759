// Package deletion defines the collaborator that physically removes replicas
// once detox has decided on them.
package deletion

import (
	"context"
	"errors"

	"dynamo/pkg/inventory"
)

// ErrUnknownOperation is returned by Poll for an id it never issued.
var ErrUnknownOperation = errors.New("unknown deletion operation")

// Request asks for the removal of a dataset replica, or of some of its block
// replicas when Blocks is not empty.
type Request struct {
	Replica *inventory.DatasetReplica
	Blocks  []*inventory.BlockReplica
}

// Site returns the site the request applies to.
func (r Request) Site() string { return r.Replica.Site.Name() }

// Replicas returns the keys of the replicas the request removes.
func (r Request) Replicas() []string {
	if len(r.Blocks) == 0 {
		return []string{r.Replica.Key()}
	}
	keys := make([]string, 0, len(r.Blocks))
	for _, br := range r.Blocks {
		keys = append(keys, br.Key())
	}
	return keys
}

// Size is the physical size the request frees.
func (r Request) Size() int64 {
	if len(r.Blocks) == 0 {
		return r.Replica.Size()
	}
	var size int64
	for _, br := range r.Blocks {
		size += br.Size
	}
	return size
}

// Status is the state of one scheduled operation.
type Status struct {
	ID        string
	Site      string
	Completed bool
	Replicas  []string
}

// Interface schedules deletions and reports their progress. Schedule
// returns one status per operation, keyed by an opaque operation id.
type Interface interface {
	Schedule(ctx context.Context, requests []Request) (map[string]*Status, error)
	Poll(ctx context.Context, id string) (*Status, error)
}
