package audit

import (
	"context"
	"fmt"

	"github.com/fabline/spooltrack/pkg/store"
)

// VerifyChain replays the persisted log and checks every link:
// sequence continuity, prev-hash chaining, and payload-hash
// consistency. Returns the verified events or the first broken link.
func VerifyChain(ctx context.Context, st store.TableStore) ([]*Event, error) {
	rows, err := st.ReadAppends(ctx, Table)
	if err != nil {
		return nil, err
	}

	events := make([]*Event, 0, len(rows))
	head := genesisHash
	var seq uint64
	for i, row := range rows {
		e, err := EventFromRow(row)
		if err != nil {
			return nil, fmt.Errorf("audit: entry %d: %w", i, err)
		}
		if e.Seq != seq+1 {
			return nil, fmt.Errorf("audit: entry %d: sequence gap: want %d, got %d", i, seq+1, e.Seq)
		}
		if e.PrevHash != head {
			return nil, fmt.Errorf("audit: entry %d (seq %d): chain broken: prev_hash mismatch", i, e.Seq)
		}
		payloadHash, err := HashPayload(e.Payload)
		if err != nil {
			return nil, err
		}
		if payloadHash != e.PayloadHash {
			return nil, fmt.Errorf("audit: entry %d (seq %d): payload hash mismatch", i, e.Seq)
		}
		head = chainHash(head, e)
		seq = e.Seq
		events = append(events, e)
	}
	return events, nil
}
