package observer

import (
	"context"

	"github.com/sirupsen/logrus"

	"bridge-backend/internal/clients"
	"bridge-backend/internal/types"
)

// MoneroSource feeds the deposit-side observer from the wallet's
// incoming transfer list.
type MoneroSource struct {
	client       *clients.MoneroClient
	accountIndex uint32
}

// NewMoneroSource scopes the source to one wallet account.
func NewMoneroSource(client *clients.MoneroClient, accountIndex uint32) *MoneroSource {
	return &MoneroSource{client: client, accountIndex: accountIndex}
}

func (s *MoneroSource) Chain() string { return "monero" }

func (s *MoneroSource) Synchronized(ctx context.Context) (bool, error) {
	return s.client.Synchronized(ctx)
}

func (s *MoneroSource) CurrentHeight(ctx context.Context) (uint64, error) {
	return s.client.GetHeight(ctx)
}

func (s *MoneroSource) FetchRange(ctx context.Context, from, to, current uint64) ([]types.TransferEvent, error) {
	transfers, err := s.client.GetIncomingTransfers(ctx, s.accountIndex, from, to)
	if err != nil {
		return nil, err
	}
	events := make([]types.TransferEvent, 0, len(transfers))
	for _, transfer := range transfers {
		events = append(events, types.TransferEvent{
			TxHash:        transfer.TxID,
			Amount:        transfer.Amount,
			Height:        transfer.Height,
			Confirmations: confirmations(current, transfer.Height),
			Address:       transfer.Address,
		})
	}
	return events, nil
}

// EVMSource feeds the withdrawal-side observer from the bridge
// contract's Burned logs.
type EVMSource struct {
	client *clients.EVMClient
}

// NewEVMSource wraps the target-chain client.
func NewEVMSource(client *clients.EVMClient) *EVMSource {
	return &EVMSource{client: client}
}

func (s *EVMSource) Chain() string { return "evm" }

func (s *EVMSource) Synchronized(ctx context.Context) (bool, error) {
	return s.client.Synchronized(ctx)
}

func (s *EVMSource) CurrentHeight(ctx context.Context) (uint64, error) {
	return s.client.BlockNumber(ctx)
}

func (s *EVMSource) FetchRange(ctx context.Context, from, to, current uint64) ([]types.TransferEvent, error) {
	burns, err := s.client.FilterBurnEvents(ctx, from, to)
	if err != nil {
		return nil, err
	}
	events := make([]types.TransferEvent, 0, len(burns))
	for _, burn := range burns {
		if !burn.Amount.IsUint64() {
			logrus.WithFields(logrus.Fields{
				"tx":     burn.TxHash,
				"amount": burn.Amount.String(),
			}).Error("burn amount exceeds uint64 atomic units, skipping")
			continue
		}
		events = append(events, types.TransferEvent{
			TxHash:        burn.TxHash,
			Amount:        burn.Amount.Uint64(),
			Height:        burn.Height,
			Confirmations: confirmations(current, burn.Height),
			Address:       burn.Destination,
			Counterparty:  burn.Sender,
		})
	}
	return events, nil
}

func confirmations(current, height uint64) uint64 {
	if current < height {
		return 0
	}
	return current - height + 1
}
