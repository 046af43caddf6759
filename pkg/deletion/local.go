package deletion

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Local completes every operation immediately. It issues one operation per
// site and keeps them for Poll.
type Local struct {
	mu         sync.Mutex
	operations map[string]*Status
	logger     *zap.Logger
}

func NewLocal(logger *zap.Logger) *Local {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Local{operations: make(map[string]*Status), logger: logger}
}

func (l *Local) Schedule(ctx context.Context, requests []Request) (map[string]*Status, error) {
	bySite := make(map[string][]Request)
	for _, req := range requests {
		bySite[req.Site()] = append(bySite[req.Site()], req)
	}
	sites := make([]string, 0, len(bySite))
	for site := range bySite {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]*Status, len(sites))
	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		status := &Status{ID: uuid.NewString(), Site: site, Completed: true}
		var size int64
		for _, req := range bySite[site] {
			status.Replicas = append(status.Replicas, req.Replicas()...)
			size += req.Size()
		}
		l.operations[status.ID] = status
		out[status.ID] = status
		l.logger.Info("Deletion completed",
			zap.String("operation", status.ID),
			zap.String("site", site),
			zap.Int("replicas", len(status.Replicas)),
			zap.Int64("bytes", size))
	}
	return out, nil
}

func (l *Local) Poll(ctx context.Context, id string) (*Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	status, ok := l.operations[id]
	if !ok {
		return nil, ErrUnknownOperation
	}
	return status, nil
}

// Operations returns every operation issued so far.
func (l *Local) Operations() []*Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Status, 0, len(l.operations))
	for _, s := range l.operations {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Site < out[j].Site })
	return out
}
