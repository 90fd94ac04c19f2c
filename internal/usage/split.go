package usage

import (
	"time"

	"github.com/Elgammal1299/block-app/internal/policy"
	"github.com/Elgammal1299/block-app/internal/storage"
)

// SplitAtMidnight cuts [start, start+d) at each local midnight it crosses.
// The pieces sum to d. A non-positive d yields nothing.
func SplitAtMidnight(start time.Time, d time.Duration) []Piece {
	if d <= 0 {
		return nil
	}

	end := start.Add(d)
	var pieces []Piece
	for cur := start; cur.Before(end); {
		next := policy.StartOfDay(cur).AddDate(0, 0, 1)
		if next.After(end) {
			next = end
		}
		pieces = append(pieces, Piece{
			Date:     storage.DateKey(cur),
			Start:    cur,
			Duration: next.Sub(cur),
		})
		cur = next
	}
	return pieces
}
