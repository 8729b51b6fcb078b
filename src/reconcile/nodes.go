package reconcile

import (
	"context"
	"fmt"

	"changes-agent/src/model"
	"changes-agent/src/remote"
	"changes-agent/src/store"
)

// NodeCache remembers nodes resolved during one sync pass. Create one per
// pass; it is not safe for concurrent use.
type NodeCache struct {
	nodes map[string]*model.Node
}

func NewNodeCache() *NodeCache {
	return &NodeCache{nodes: make(map[string]*model.Node)}
}

// EnsureNode returns the node a provider identifies by remoteID, creating
// it on first sight.
func (e *Engine) EnsureNode(ctx context.Context, cache *NodeCache, provider, remoteID, label string) (*model.Node, error) {
	key := provider + "|" + remoteID
	if cache != nil {
		if n, ok := cache.nodes[key]; ok {
			return n, nil
		}
	}

	var node *model.Node
	err := e.withMapping(ctx, model.KindNode, Ref{Provider: provider, RemoteID: remoteID}, func(q store.Querier, id string, created bool) error {
		if !created {
			n, err := q.GetNode(ctx, id)
			if err != nil {
				return fmt.Errorf("%w: node %s mapped from %s/%s is missing: %v", remote.ErrIntegrity, id, provider, remoteID, err)
			}
			node = n
			return nil
		}
		if label == "" {
			label = remoteID
		}
		node = &model.Node{ID: id, Label: label, DateCreated: e.now()}
		return q.SaveNode(ctx, node)
	})
	if err != nil {
		return nil, err
	}

	if cache != nil {
		cache.nodes[key] = node
	}
	return node, nil
}
