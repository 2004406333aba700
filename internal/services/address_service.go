package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"bridge-backend/internal/clients"
	"bridge-backend/internal/metrics"
	"bridge-backend/internal/models"
	"bridge-backend/internal/repository"
)

// ErrInvalidIdentity rejects deposit address requests whose identity is
// not an EVM address.
var ErrInvalidIdentity = errors.New("user identity is not a valid EVM address")

const allocationAttempts = 5

// SubaddressDeriver materializes the wallet subaddress at an exact
// index. Tests substitute a deterministic fake.
type SubaddressDeriver interface {
	Derive(ctx context.Context, account, index uint32, label string) (string, error)
}

// moneroDeriver derives through the wallet RPC. create_address hands
// out indices sequentially, so a wallet that lags the ledger (fresh
// restore) is caught up by creating until the wanted index appears.
type moneroDeriver struct {
	client *clients.MoneroClient
}

// NewMoneroDeriver wraps the wallet RPC as a SubaddressDeriver.
func NewMoneroDeriver(client *clients.MoneroClient) SubaddressDeriver {
	return &moneroDeriver{client: client}
}

const maxDeriveCatchup = 4096

func (d *moneroDeriver) Derive(ctx context.Context, account, index uint32, label string) (string, error) {
	if address, err := d.client.GetSubaddress(ctx, account, index); err == nil {
		return address, nil
	}
	for i := 0; i < maxDeriveCatchup; i++ {
		address, created, err := d.client.CreateSubaddress(ctx, account, label)
		if err != nil {
			return "", err
		}
		if created == index {
			return address, nil
		}
		if created > index {
			// The wallet already holds this index but get_address failed
			// above; surface that instead of creating forever.
			return d.client.GetSubaddress(ctx, account, index)
		}
	}
	return "", fmt.Errorf("wallet refused to reach subaddress index %d", index)
}

// AddressService allocates deposit subaddresses. Each user identity
// owns exactly one subaddress, issued once and never reassigned; the
// database unique indexes arbitrate concurrent allocation so the same
// identity asked twice, even on racing requests, resolves to the same
// address.
type AddressService struct {
	repo    repository.AddressRepository
	deriver SubaddressDeriver
	account uint32
}

// NewAddressService creates a new address service instance
func NewAddressService(repo repository.AddressRepository, deriver SubaddressDeriver, account uint32) *AddressService {
	return &AddressService{repo: repo, deriver: deriver, account: account}
}

// EnsureDepositAddress returns the mapping for the identity, deriving
// and persisting a fresh subaddress on first sight. The second return
// reports whether this call performed the allocation.
func (s *AddressService) EnsureDepositAddress(ctx context.Context, userIdentity string) (*models.AddressMapping, bool, error) {
	if !common.IsHexAddress(userIdentity) {
		return nil, false, ErrInvalidIdentity
	}
	identity := common.HexToAddress(userIdentity).Hex()

	existing, err := s.repo.FindByIdentity(ctx, identity)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	for attempt := 0; attempt < allocationAttempts; attempt++ {
		index, err := s.repo.NextIndex(ctx, s.account)
		if err != nil {
			return nil, false, err
		}
		derived, err := s.deriver.Derive(ctx, s.account, index, "bridge:"+identity)
		if err != nil {
			return nil, false, err
		}
		mapping := &models.AddressMapping{
			Account:         s.account,
			SubaddressIndex: index,
			DerivedAddress:  derived,
			UserIdentity:    identity,
		}
		won, err := s.repo.Insert(ctx, mapping)
		if err != nil {
			return nil, false, err
		}
		if won {
			metrics.AddressesAllocated.Inc()
			logrus.WithFields(logrus.Fields{
				"identity":   identity,
				"account":    s.account,
				"index":      index,
				"subaddress": derived,
			}).Info("deposit subaddress allocated")
			return mapping, true, nil
		}

		// Lost the allocation race. If the same identity won through a
		// concurrent request, its row is the answer; an index clash with
		// a different identity means we retry with a fresh index.
		existing, err = s.repo.FindByIdentity(ctx, identity)
		if err != nil {
			return nil, false, err
		}
		if existing != nil {
			return existing, false, nil
		}
	}
	return nil, false, fmt.Errorf("could not allocate a subaddress for %s after %d attempts", identity, allocationAttempts)
}

// ResolveBySubaddress maps a deposit subaddress back to the identity
// that owns it. nil means the subaddress was never issued by this
// bridge, such as a transfer straight to the wallet account.
func (s *AddressService) ResolveBySubaddress(ctx context.Context, subaddress string) (*models.AddressMapping, error) {
	return s.repo.FindByAddress(ctx, subaddress)
}

// MappingCount reports how many identities hold a deposit address.
func (s *AddressService) MappingCount(ctx context.Context) (int64, error) {
	return s.repo.Count(ctx)
}
