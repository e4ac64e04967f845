package repo

import (
	"context"
	"fmt"
)

const (
	SyncKindTask = "task"
	SyncKindLink = "link"
)

// SyncIDs returns the temp->real mapping already recorded for a batch.
func (r Repo) SyncIDs(ctx context.Context, batchID, kind string) (map[int64]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT temp_id, real_id FROM sync_id_map WHERE batch_id=? AND kind=?`, batchID, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := make(map[int64]int64)
	for rows.Next() {
		var temp, real int64
		if err := rows.Scan(&temp, &real); err != nil {
			return nil, err
		}
		res[temp] = real
	}
	return res, rows.Err()
}

func (r Repo) RecordSyncID(ctx context.Context, batchID, kind string, tempID, realID int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sync_id_map(batch_id,kind,temp_id,real_id,created_at) VALUES (?,?,?,?,?)`,
		batchID, kind, tempID, realID, now)
	if err != nil {
		return fmt.Errorf("record %s id %d: %w", kind, tempID, err)
	}
	return nil
}
