package main

import (
	"log"
	"slices"
)

// computeServingSTH decides which tree head the cluster should serve,
// given a snapshot of peer states. It returns nil if no tree head has
// enough coverage.
//
// A tree head is servable when enough of the cluster has replicated at
// least that many leaves: at least conf.MinimumServingNodes nodes and
// at least conf.MinimumServingFraction of totalPeers. Peers without a
// tree head count toward totalPeers but can serve nothing.
//
// The candidate must also not shrink the tree below the current
// calculated serving STH, and must carry a timestamp strictly newer
// than the actual serving STH the store currently reports.
func computeServingSTH(peers []ClusterNodeState, totalPeers int, conf ClusterConfig, current, actual *SignedTreeHead) *SignedTreeHead {
	// Bucket peers by tree size, keeping the newest tree head seen
	// at each size.
	sthBySize := make(map[int64]SignedTreeHead)
	numNodesBySize := make(map[int64]int)
	for _, state := range peers {
		if state.NewestSTH == nil {
			continue
		}
		if state.NewestSTH.TreeSize < 0 || state.NewestSTH.Timestamp < 0 {
			log.Fatalf("Peer %s advertises invalid tree head: size=%d timestamp=%d",
				state.NodeID, state.NewestSTH.TreeSize, state.NewestSTH.Timestamp)
		}

		size := state.NewestSTH.TreeSize
		numNodesBySize[size]++
		if best, ok := sthBySize[size]; !ok || state.NewestSTH.Timestamp > best.Timestamp {
			sthBySize[size] = *state.NewestSTH
		}
	}

	var currentSize int64
	if current != nil {
		currentSize = current.TreeSize
	}
	if currentSize < 0 {
		log.Fatalf("Calculated serving STH has negative tree size: %d", currentSize)
	}

	sizes := make([]int64, 0, len(numNodesBySize))
	for size := range numNodesBySize {
		sizes = append(sizes, size)
	}
	slices.Sort(sizes)
	slices.Reverse(sizes)

	// Work down from the largest size. Every node counted so far has
	// replicated at least the current bucket's size, so numNodesSeen
	// is the number of nodes able to serve at this size.
	numNodesSeen := 0
	for _, size := range sizes {
		if size < currentSize {
			break
		}
		numNodesSeen += numNodesBySize[size]

		servingFraction := float64(numNodesSeen) / float64(totalPeers)
		if servingFraction < conf.MinimumServingFraction || numNodesSeen < conf.MinimumServingNodes {
			continue
		}

		candidate := sthBySize[size]

		// Not viable unless strictly newer than whatever the
		// cluster is already serving; a smaller bucket may still
		// hold a newer tree head, so keep scanning.
		if actual != nil && candidate.Timestamp <= actual.Timestamp {
			log.Printf("Discarding candidate STH at size %d: timestamp %d <= serving STH timestamp %d",
				size, candidate.Timestamp, actual.Timestamp)
			continue
		}

		log.Printf("Can serve at size %d with %d nodes (%.0f%% of cluster)",
			size, numNodesSeen, servingFraction*100)
		return &candidate
	}

	return nil
}
