package registry

import (
	"context"
	"sort"

	"github.com/sirupsen/logrus"
)

// Summary is the fleet status snapshot consumed by observers
type Summary struct {
	Online       int              `json:"online"`
	TotalRunners int              `json:"total_runners"`
	Nodes        []OnlineNodeInfo `json:"nodes"`
}

// SummaryPublisher receives each freshly built fleet summary
type SummaryPublisher func(Summary)

// BuildSummary builds the current fleet status summary
func (r *Registry) BuildSummary() Summary {
	nodes := r.ListOnline()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })

	s := Summary{Online: len(nodes), Nodes: nodes}
	for _, n := range nodes {
		s.TotalRunners += n.ActiveRunners
	}
	return s
}

// StartRefresher consumes the registry's refresh channel and publishes a
// status summary for each batch of changes. Runs until ctx is cancelled.
func StartRefresher(ctx context.Context, r *Registry, logger *logrus.Entry, publish SummaryPublisher) {
	logger = logger.WithField("component", "status-refresher")
	go func() {
		for {
			select {
			case <-r.Refresh():
				publish(r.BuildSummary())
			case <-ctx.Done():
				logger.Info("Stopping status refresher...")
				return
			}
		}
	}()
}
