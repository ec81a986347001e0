package identity

import (
	"bytes"

	"github.com/pitodo/backend/internal/models"
)

// PickCanonical returns the master row that owns an identity claimed by
// several rows: the oldest by creation time, ties broken by the smaller id.
// Wallets and ledger history stay attached to the original account.
func PickCanonical(users []models.MasterUser) (models.MasterUser, bool) {
	if len(users) == 0 {
		return models.MasterUser{}, false
	}
	best := users[0]
	for _, u := range users[1:] {
		if olderThan(u, best) {
			best = u
		}
	}
	return best, true
}

func olderThan(a, b models.MasterUser) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}
