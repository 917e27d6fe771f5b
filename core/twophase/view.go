package twophase

import (
	"sort"
	"time"

	"github.com/sushant-115/gxactdb/core/transaction/txid"
)

// PreparedXactRow is one row of the prepared_transactions view.
type PreparedXactRow struct {
	Xid         txid.TxID
	Gid         string
	PreparedAt  time.Time
	OwnerOid    uint32
	DatabaseOid uint32
}

// PreparedTransactions lists the valid prepared transactions ordered by xid.
func (c *Coordinator) PreparedTransactions() []PreparedXactRow {
	c.pool.mu.RLock()
	rows := make([]PreparedXactRow, 0, len(c.pool.active))
	for _, g := range c.pool.active {
		if !g.valid {
			continue
		}
		rows = append(rows, PreparedXactRow{
			Xid:         g.xid,
			Gid:         g.gid,
			PreparedAt:  g.preparedAt,
			OwnerOid:    g.owner,
			DatabaseOid: g.databaseID,
		})
	}
	c.pool.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].Xid.Precedes(rows[j].Xid) })
	return rows
}
