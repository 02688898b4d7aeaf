package pipeline

import (
	"fmt"

	"github.com/nadeem4/nl2sql-sub001/core"
)

// topoLayers orders SubQueries into dependency layers: layer 0 has no
// dependencies, layer N depends only on earlier layers. A cycle or a
// dangling depends_on reference is an error; the decomposer rejects the
// graph before fan-out starts.
func topoLayers(subs []core.SubQuery) ([][]core.SubQuery, error) {
	byID := make(map[string]core.SubQuery, len(subs))
	inDegree := make(map[string]int, len(subs))
	dependents := make(map[string][]string)

	for _, sq := range subs {
		if _, dup := byID[sq.ID]; dup {
			return nil, fmt.Errorf("duplicate sub-query id %q", sq.ID)
		}
		byID[sq.ID] = sq
		inDegree[sq.ID] = 0
	}
	for _, sq := range subs {
		for _, dep := range sq.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("sub-query %q depends on unknown id %q", sq.ID, dep)
			}
			inDegree[sq.ID]++
			dependents[dep] = append(dependents[dep], sq.ID)
		}
	}

	var layers [][]core.SubQuery
	remaining := len(subs)

	// Preserve decomposition order within each layer.
	ready := func() []core.SubQuery {
		var layer []core.SubQuery
		for _, sq := range subs {
			if deg, ok := inDegree[sq.ID]; ok && deg == 0 {
				layer = append(layer, sq)
			}
		}
		return layer
	}

	for remaining > 0 {
		layer := ready()
		if len(layer) == 0 {
			return nil, fmt.Errorf("sub-query graph contains a cycle")
		}
		for _, sq := range layer {
			delete(inDegree, sq.ID)
			remaining--
			for _, next := range dependents[sq.ID] {
				if _, ok := inDegree[next]; ok {
					inDegree[next]--
				}
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}
