package repository

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"bridge-backend/internal/config"
	"bridge-backend/internal/db"
	"bridge-backend/internal/models"
)

// The fakes in the service packages cover the call sites; this file
// covers the SQL itself, in particular the ON CONFLICT arbitration the
// bridge's at-most-once guarantee rests on. It needs a real Postgres:
//
//	TEST_DATABASE_DSN="host=localhost user=bridge dbname=bridge_test ..." go test ./internal/repository/
//
// and skips when the variable is not set.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}
	handle, err := db.Connect(config.DatabaseConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := handle.DB(); err == nil {
			sqlDB.Close()
		}
	})
	for _, table := range []string{
		"subaddress_mappings",
		"processed_deposits",
		"processed_withdrawals",
		"bridge_state",
		"operator_key_shares",
	} {
		require.NoError(t, handle.Exec("TRUNCATE TABLE "+table).Error)
	}
	return handle
}

func TestLedgerMarkDepositWriteOnce(t *testing.T) {
	handle := testDB(t)
	ledger := NewLedgerRepository(handle)
	ctx := context.Background()
	hash := strings.Repeat("aa", 32)

	require.NoError(t, ledger.MarkDepositProcessed(ctx, &models.ProcessedDeposit{
		SourceTxHash: hash,
		Amount:       1_000_000,
		Subaddress:   "8Bsub0_0",
		UserIdentity: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		MintTxHash:   "0xmint1",
	}))

	// A conflicting late write reports success and changes nothing.
	require.NoError(t, ledger.MarkDepositProcessed(ctx, &models.ProcessedDeposit{
		SourceTxHash: hash,
		Amount:       999,
		MintTxHash:   "0xsomethingelse",
	}))

	done, err := ledger.IsDepositProcessed(ctx, hash)
	require.NoError(t, err)
	assert.True(t, done)

	record, err := ledger.GetProcessedDeposit(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, uint64(1_000_000), record.Amount)
	assert.Equal(t, "0xmint1", record.MintTxHash)
	assert.False(t, record.ProcessedAt.IsZero())

	missing, err := ledger.GetProcessedDeposit(ctx, strings.Repeat("00", 32))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestLedgerConcurrentMarksKeepOneRow(t *testing.T) {
	handle := testDB(t)
	ledger := NewLedgerRepository(handle)
	ctx := context.Background()
	hash := strings.Repeat("bb", 32)

	// Every racing writer must observe success; exactly one row lands.
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = ledger.MarkDepositProcessed(ctx, &models.ProcessedDeposit{
				SourceTxHash: hash,
				Amount:       uint64(i + 1),
				Subaddress:   "8Bsub0_1",
			})
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		require.NoError(t, err, "writer %d", i)
	}

	var count int64
	require.NoError(t, handle.Model(&models.ProcessedDeposit{}).
		Where("source_tx_hash = ?", hash).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestLedgerWithdrawalRoundTrip(t *testing.T) {
	handle := testDB(t)
	ledger := NewLedgerRepository(handle)
	ctx := context.Background()
	burn := "0x" + strings.Repeat("cc", 32)

	require.NoError(t, ledger.MarkWithdrawalProcessed(ctx, &models.ProcessedWithdrawal{
		BurnTxHash:    burn,
		Amount:        2_500_000,
		MoneroAddress: "4" + strings.Repeat("A", 94),
		MoneroTxHash:  strings.Repeat("dd", 32),
	}))
	require.NoError(t, ledger.MarkWithdrawalProcessed(ctx, &models.ProcessedWithdrawal{
		BurnTxHash: burn,
		Amount:     1,
	}))

	done, err := ledger.IsWithdrawalProcessed(ctx, burn)
	require.NoError(t, err)
	assert.True(t, done)

	record, err := ledger.GetProcessedWithdrawal(ctx, burn)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, uint64(2_500_000), record.Amount)
	assert.Equal(t, strings.Repeat("dd", 32), record.MoneroTxHash)
}

func TestAddressInsertArbitration(t *testing.T) {
	handle := testDB(t)
	repo := NewAddressRepository(handle)
	ctx := context.Background()

	next, err := repo.NextIndex(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, next, "empty account starts at index 0")

	won, err := repo.Insert(ctx, &models.AddressMapping{
		Account:         0,
		SubaddressIndex: 0,
		DerivedAddress:  "8Bsub0_0",
		UserIdentity:    "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
	})
	require.NoError(t, err)
	assert.True(t, won)

	// Same index for another identity: the unique index turns the write
	// into a lost race, not an error.
	won, err = repo.Insert(ctx, &models.AddressMapping{
		Account:         0,
		SubaddressIndex: 0,
		DerivedAddress:  "8Bsub0_0_alt",
		UserIdentity:    "0x0000000000000000000000000000000000000001",
	})
	require.NoError(t, err)
	assert.False(t, won)

	// Same identity at a fresh index: also refused, one address per
	// identity.
	won, err = repo.Insert(ctx, &models.AddressMapping{
		Account:         0,
		SubaddressIndex: 1,
		DerivedAddress:  "8Bsub0_1",
		UserIdentity:    "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
	})
	require.NoError(t, err)
	assert.False(t, won)

	next, err = repo.NextIndex(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, next, "lost races do not burn indices")

	found, err := repo.FindByIdentity(ctx, "0x8ba1f109551bD432803012645Ac136ddd64DBA72")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "8Bsub0_0", found.DerivedAddress)

	byAddress, err := repo.FindByAddress(ctx, "8Bsub0_0")
	require.NoError(t, err)
	require.NotNil(t, byAddress)
	assert.Equal(t, found.UserIdentity, byAddress.UserIdentity)

	nobody, err := repo.FindByIdentity(ctx, "0x00000000000000000000000000000000000000ff")
	require.NoError(t, err)
	assert.Nil(t, nobody)

	count, err := repo.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestStateWatermarkRoundTrip(t *testing.T) {
	handle := testDB(t)
	state := NewStateRepository(handle)
	ctx := context.Background()

	// Missing keys read as height zero, the scan-from-genesis default.
	height, err := state.GetHeight(ctx, models.StateKeyDepositHeight)
	require.NoError(t, err)
	assert.Zero(t, height)
	_, ok, err := state.Get(ctx, models.StateKeyDepositHeight)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, state.SetHeight(ctx, models.StateKeyDepositHeight, 3_123_456))
	require.NoError(t, state.SetHeight(ctx, models.StateKeyDepositHeight, 3_123_460))

	height, err = state.GetHeight(ctx, models.StateKeyDepositHeight)
	require.NoError(t, err)
	assert.EqualValues(t, 3_123_460, height, "upsert keeps the latest watermark")

	// Non-numeric values read as zero instead of failing the observer.
	require.NoError(t, state.Set(ctx, models.StateKeyGroupPublicKey, "02abcdef"))
	height, err = state.GetHeight(ctx, models.StateKeyGroupPublicKey)
	require.NoError(t, err)
	assert.Zero(t, height)

	value, ok, err := state.Get(ctx, models.StateKeyGroupPublicKey)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "02abcdef", value)
}

func TestKeyShareSaveOverwrites(t *testing.T) {
	handle := testDB(t)
	shares := NewKeyShareRepository(handle)
	ctx := context.Background()

	missing, err := shares.Load(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, shares.Save(ctx, &models.OperatorKeyShare{
		ParticipantID:  1,
		Threshold:      2,
		GroupSize:      3,
		GroupPublicKey: "02" + strings.Repeat("aa", 32),
		PublicShares:   `{"1":"02aa"}`,
		SecretShare:    strings.Repeat("11", 32),
	}))

	// A re-keyed group overwrites in place: one row per participant.
	require.NoError(t, shares.Save(ctx, &models.OperatorKeyShare{
		ParticipantID:  1,
		Threshold:      2,
		GroupSize:      4,
		GroupPublicKey: "03" + strings.Repeat("bb", 32),
		PublicShares:   `{"1":"03bb"}`,
		SecretShare:    strings.Repeat("22", 32),
	}))

	row, err := shares.Load(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, 4, row.GroupSize)
	assert.Equal(t, "03"+strings.Repeat("bb", 32), row.GroupPublicKey)

	var count int64
	require.NoError(t, handle.Model(&models.OperatorKeyShare{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}
