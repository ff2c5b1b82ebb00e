package collective

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/ja7ad/gmr/pkg/gmrerr"
	"github.com/ja7ad/gmr/pkg/group"
	"github.com/ja7ad/gmr/pkg/substrate"
)

// Record is one rank's candidate for a Select call. A non-contributing rank
// passes Contribute=false; its Key and Payload are ignored.
type Record struct {
	Contribute bool
	Key        float64
	Payload    []byte
}

// Mode selects the comparison Select uses among contributing records.
type Mode int

const (
	Min Mode = iota
	Max
)

// Select ("sel"): every member of grp either contributes a payload or
// abstains; the collective result is the single
// payload achieving the min or max Key among contributors, with ties broken
// by lowest rank. If no rank contributes, Select returns Contribute=false.
// All contributing ranks must supply a Payload of the same length; Select
// agrees on the longest one across the group and zero-pads shorter inputs
// (a non-contributor's Payload is never inspected, so it may be nil).
func Select(ctx context.Context, grp *group.Group, rec Record, mode Mode) (Record, error) {
	var payload []byte
	if rec.Contribute {
		payload = rec.Payload
	}
	plen := int64(len(payload))
	lenBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(lenBuf, uint64(plen))
	maxLenBuf := make([]byte, 8)
	if err := grp.Comm().Allreduce(ctx, lenBuf, maxLenBuf, substrate.Int64, substrate.Max); err != nil {
		return Record{}, gmrerr.Substrate("allreduce(select_plen)", err)
	}
	agreed := int64(binary.LittleEndian.Uint64(maxLenBuf))

	local := make([]byte, 9+agreed)
	if rec.Contribute {
		local[0] = 1
	}
	binary.LittleEndian.PutUint64(local[1:9], math.Float64bits(rec.Key))
	copy(local[9:], payload)

	gathered := make([]byte, int64(grp.Size())*(9+agreed))
	if err := grp.Comm().Allgather(ctx, local, gathered); err != nil {
		return Record{}, gmrerr.Substrate("allgather(select)", err)
	}

	best := Record{}
	haveBest := false
	stride := 9 + agreed
	for r := 0; r < grp.Size(); r++ {
		row := gathered[int64(r)*stride : int64(r+1)*stride]
		if row[0] == 0 {
			continue
		}
		key := math.Float64frombits(binary.LittleEndian.Uint64(row[1:9]))
		if !haveBest || better(key, best.Key, mode) {
			best = Record{Contribute: true, Key: key, Payload: append([]byte(nil), row[9:]...)}
			haveBest = true
		}
	}
	return best, nil
}

func better(candidate, current float64, mode Mode) bool {
	if mode == Min {
		return candidate < current
	}
	return candidate > current
}
