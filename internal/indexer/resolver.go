package indexer

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/models"
	"github.com/smartdevs17/nft-marketplace-indexer/internal/storage"
	"github.com/smartdevs17/nft-marketplace-indexer/pkg/utils"
)

// UserResolution is the result of ResolveUser. Created is true when the
// record did not exist and was persisted by this call.
type UserResolution struct {
	User    *models.User
	Created bool
}

// ResolveUser loads the user for address, creating and saving a
// zero-initialized record if none exists. It never touches GlobalStats;
// callers count new users from Created.
func ResolveUser(ctx context.Context, store storage.EntityStore, address common.Address) (UserResolution, error) {
	id := utils.AddressID(address)

	user, err := store.GetUser(ctx, id)
	if err != nil {
		return UserResolution{}, err
	}
	if user != nil {
		return UserResolution{User: user}, nil
	}

	user = models.NewUser(id)
	if err := store.SaveUser(ctx, user); err != nil {
		return UserResolution{}, err
	}
	return UserResolution{User: user, Created: true}, nil
}
