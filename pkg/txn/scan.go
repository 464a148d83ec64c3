package txn

import (
	"fmt"

	"github.com/bobboyms/oxidb/pkg/errors"
	"github.com/bobboyms/oxidb/pkg/query"
	"github.com/bobboyms/oxidb/pkg/storage"
	"github.com/bobboyms/oxidb/pkg/types"
)

// RowResult is one row surfaced by ScanWithIds: the RecordId the
// executor façade needs for a later Update/Delete by id, plus the
// visible document.
type RowResult struct {
	RecordId types.RecordId
	Document string
}

// ScanWithIds is storage.Transaction.Scan's visibility walk, extended to
// report each visible row's RecordId alongside its payload —
// storage.Transaction.Scan predates the executor façade and only
// returns documents. Serializable transactions record every key
// they observe for SSI rw-antidependency tracking.
func (tx *Tx) ScanWithIds(table, index string, condition *query.ScanCondition) ([]RowResult, error) {
	if err := tx.checkActive(); err != nil {
		return nil, err
	}

	t, err := tx.manager.engine.TableMetaData.GetTableByName(table)
	if err != nil {
		return nil, err
	}
	idx, err := t.GetIndex(index)
	if err != nil {
		return nil, err
	}

	c := tx.manager.engine.Cursor(idx.Tree)
	defer c.Close()

	if condition != nil && condition.ShouldSeek() {
		c.Seek(condition.GetStartKey())
	} else {
		c.Seek(nil)
	}

	var rows []RowResult
	for c.Valid() {
		key := c.Key()
		if condition != nil && !condition.ShouldContinue(key) {
			break
		}
		if condition == nil || condition.Matches(key) {
			for _, offset := range c.Values() {
				for offset != -1 {
					doc, header, readErr := t.Heap.Read(offset)
					if readErr != nil {
						return nil, errors.NewIO(readErr, "scan heap read")
					}
					if tx.read.IsVisible(header.CreateLSN) {
						if header.Valid || header.DeleteLSN > tx.read.SnapshotLSN {
							jsonStr, convErr := storage.BsonToJson(doc)
							if convErr != nil {
								jsonStr = string(doc)
							}
							rows = append(rows, RowResult{
								RecordId: storage.RecordIdFromOffset(offset),
								Document: jsonStr,
							})
							if tx.isolation == Serializable {
								sk := shadowKey{table: table, index: index, key: fmt.Sprintf("%v", key)}
								tx.mu.Lock()
								tx.readSet[sk] = struct{}{}
								tx.mu.Unlock()
								tx.manager.recordRead(tx, sk)
							}
						}
						break
					}
					offset = header.PrevOffset
				}
			}
		}
		c.Next()
	}
	return rows, nil
}
