package graphstore

import "sort"

// recoverPartition replays every committed-but-not-yet-delta-logged edge
// op from the WAL into the partition's delta log, in ascending txn_id
// order, guarded by the delta log's own (txn_id, op_index) seen-set so
// replay is idempotent and bounded (spec.md §4.9's recovery algorithm).
//
// committed maps txn_id -> ordered edge ops for transactions with a
// Commit and no Abort record, as bucketed by bucketCommittedEdges.
func recoverPartition(log *DeltaLog, idx *DeltaIndex, partition uint32, committed map[uint64][]EdgeOp) (int, error) {
	txnIDs := make([]uint64, 0, len(committed))
	for id := range committed {
		txnIDs = append(txnIDs, id)
	}
	sort.Slice(txnIDs, func(i, j int) bool { return txnIDs[i] < txnIDs[j] })

	applied := 0
	for _, txnID := range txnIDs {
		ops := committed[txnID]
		opIndex := uint32(0)
		for _, e := range ops {
			if e.Partition != partition {
				opIndex++
				continue
			}
			rec := DeltaRecord{TxnID: txnID, OpIndex: opIndex, Op: e.Op, Src: e.Src, Dst: e.Dst}
			if err := log.Append(rec, idx); err != nil {
				return applied, err
			}
			applied++
			opIndex++
		}
	}
	return applied, nil
}

// bucketCommittedEdges walks decoded WAL records, grouping edge ops by
// txn_id and keeping only transactions that reached Commit without a
// later Abort (spec.md §4.9: "consider only txns with a Commit and no
// Abort").
func bucketCommittedEdges(records []WALRecord) map[uint64][]EdgeOp {
	edgesByTxn := make(map[uint64][]EdgeOp)
	committed := make(map[uint64]bool)
	aborted := make(map[uint64]bool)

	for _, r := range records {
		switch r.Kind {
		case walKindData:
			edgesByTxn[r.TxnID] = append(edgesByTxn[r.TxnID], r.Edges...)
		case walKindCommit:
			committed[r.TxnID] = true
		case walKindAbort:
			aborted[r.TxnID] = true
		}
	}

	out := make(map[uint64][]EdgeOp)
	for txnID, edges := range edgesByTxn {
		if committed[txnID] && !aborted[txnID] {
			out[txnID] = edges
		}
	}
	return out
}

// bucketCommittedNodes mirrors bucketCommittedEdges for node ops, used to
// overlay the node dictionary on open.
func bucketCommittedNodes(records []WALRecord) []NodeDelta {
	nodesByTxn := make(map[uint64][]NodeOp)
	order := make([]uint64, 0)
	committed := make(map[uint64]bool)
	aborted := make(map[uint64]bool)

	for _, r := range records {
		switch r.Kind {
		case walKindData:
			if len(r.Nodes) > 0 {
				if _, seen := nodesByTxn[r.TxnID]; !seen {
					order = append(order, r.TxnID)
				}
				nodesByTxn[r.TxnID] = append(nodesByTxn[r.TxnID], r.Nodes...)
			}
		case walKindCommit:
			committed[r.TxnID] = true
		case walKindAbort:
			aborted[r.TxnID] = true
		}
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	var out []NodeDelta
	for _, txnID := range order {
		if !committed[txnID] || aborted[txnID] {
			continue
		}
		// HasID is always true by the time a node op reaches the WAL: the
		// writer's Dict allocates the dense id before buffering the op.
		for _, n := range nodesByTxn[txnID] {
			out = append(out, NodeDelta{Op: n.Op, Label: n.Label, Key: n.Key, ID: n.NodeID})
		}
	}
	return out
}
