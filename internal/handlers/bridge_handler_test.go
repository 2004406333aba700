package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bridge-backend/internal/dto"
	"bridge-backend/internal/models"
	"bridge-backend/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubAddressRepo backs the address service with a map; every insert
// wins.
type stubAddressRepo struct {
	byIdentity map[string]*models.AddressMapping
	next       uint32
	err        error
}

func newStubAddressRepo() *stubAddressRepo {
	return &stubAddressRepo{byIdentity: make(map[string]*models.AddressMapping)}
}

func (r *stubAddressRepo) FindByIdentity(ctx context.Context, userIdentity string) (*models.AddressMapping, error) {
	return r.byIdentity[userIdentity], r.err
}

func (r *stubAddressRepo) FindByAddress(ctx context.Context, derivedAddress string) (*models.AddressMapping, error) {
	for _, m := range r.byIdentity {
		if m.DerivedAddress == derivedAddress {
			return m, nil
		}
	}
	return nil, nil
}

func (r *stubAddressRepo) NextIndex(ctx context.Context, account uint32) (uint32, error) {
	return r.next, nil
}

func (r *stubAddressRepo) Insert(ctx context.Context, mapping *models.AddressMapping) (bool, error) {
	clone := *mapping
	r.byIdentity[mapping.UserIdentity] = &clone
	r.next++
	return true, nil
}

func (r *stubAddressRepo) Count(ctx context.Context) (int64, error) {
	return int64(len(r.byIdentity)), nil
}

type stubDeriver struct{}

func (stubDeriver) Derive(ctx context.Context, account, index uint32, label string) (string, error) {
	return fmt.Sprintf("8Bstub%d", index), nil
}

// stubLedger is a map-backed LedgerRepository.
type stubLedger struct {
	deposits    map[string]*models.ProcessedDeposit
	withdrawals map[string]*models.ProcessedWithdrawal
	err         error
}

func newStubLedger() *stubLedger {
	return &stubLedger{
		deposits:    make(map[string]*models.ProcessedDeposit),
		withdrawals: make(map[string]*models.ProcessedWithdrawal),
	}
}

func (l *stubLedger) IsDepositProcessed(ctx context.Context, sourceTxHash string) (bool, error) {
	_, ok := l.deposits[sourceTxHash]
	return ok, l.err
}

func (l *stubLedger) MarkDepositProcessed(ctx context.Context, record *models.ProcessedDeposit) error {
	l.deposits[record.SourceTxHash] = record
	return l.err
}

func (l *stubLedger) GetProcessedDeposit(ctx context.Context, sourceTxHash string) (*models.ProcessedDeposit, error) {
	return l.deposits[sourceTxHash], l.err
}

func (l *stubLedger) IsWithdrawalProcessed(ctx context.Context, burnTxHash string) (bool, error) {
	_, ok := l.withdrawals[burnTxHash]
	return ok, l.err
}

func (l *stubLedger) MarkWithdrawalProcessed(ctx context.Context, record *models.ProcessedWithdrawal) error {
	l.withdrawals[record.BurnTxHash] = record
	return l.err
}

func (l *stubLedger) GetProcessedWithdrawal(ctx context.Context, burnTxHash string) (*models.ProcessedWithdrawal, error) {
	return l.withdrawals[burnTxHash], l.err
}

func bridgeRouter(repo *stubAddressRepo, ledger *stubLedger) *gin.Engine {
	handler := NewBridgeHandler(services.NewAddressService(repo, stubDeriver{}, 0), ledger, nil)
	router := gin.New()
	router.POST("/api/v1/deposit/address", handler.CreateDepositAddress)
	router.GET("/api/v1/deposit/:txHash/status", handler.GetDepositStatus)
	router.GET("/api/v1/withdrawal/:txHash/status", handler.GetWithdrawalStatus)
	return router
}

func doJSON(router *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestCreateDepositAddress(t *testing.T) {
	router := bridgeRouter(newStubAddressRepo(), newStubLedger())

	rec := doJSON(router, http.MethodPost, "/api/v1/deposit/address",
		`{"user_identity":"0x8ba1f109551bd432803012645ac136ddd64dba72"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp dto.DepositAddressResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.True(t, resp.Created)
	assert.Equal(t, "0x8ba1f109551bD432803012645Ac136ddd64DBA72", resp.UserIdentity)
	assert.Equal(t, "8Bstub0", resp.DepositAddress)
	assert.Equal(t, uint32(0), resp.SubaddressIndex)

	// Same identity, different casing: same address, not re-created.
	rec = doJSON(router, http.MethodPost, "/api/v1/deposit/address",
		`{"user_identity":"0x8BA1F109551BD432803012645AC136DDD64DBA72"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Created)
	assert.Equal(t, "8Bstub0", resp.DepositAddress)
}

func TestCreateDepositAddressRejectsBadRequests(t *testing.T) {
	repo := newStubAddressRepo()
	router := bridgeRouter(repo, newStubLedger())

	cases := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"missing identity", `{}`},
		{"not json", `user_identity=0xabc`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(router, http.MethodPost, "/api/v1/deposit/address", tc.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	rec := doJSON(router, http.MethodPost, "/api/v1/deposit/address",
		`{"user_identity":"not-an-address"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "0x-prefixed EVM address")

	repo.err = errors.New("connection refused")
	rec = doJSON(router, http.MethodPost, "/api/v1/deposit/address",
		`{"user_identity":"0x8ba1f109551bd432803012645ac136ddd64dba72"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetDepositStatus(t *testing.T) {
	ledger := newStubLedger()
	router := bridgeRouter(newStubAddressRepo(), ledger)
	txHash := strings.Repeat("ab", 32)

	rec := doJSON(router, http.MethodGet, "/api/v1/deposit/"+txHash+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pending dto.DepositStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Equal(t, "pending", pending.Status)
	assert.Equal(t, txHash, pending.SourceTxHash)
	assert.Empty(t, pending.MintTxHash)

	processedAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	ledger.deposits[txHash] = &models.ProcessedDeposit{
		SourceTxHash: txHash,
		Amount:       42_000_000,
		Subaddress:   "8Bstub0",
		UserIdentity: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		MintTxHash:   "0xmint",
		ProcessedAt:  processedAt,
	}

	// Lookup is case-insensitive on the hash.
	rec = doJSON(router, http.MethodGet, "/api/v1/deposit/"+strings.ToUpper(txHash)+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var done dto.DepositStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, uint64(42_000_000), done.Amount)
	assert.Equal(t, "0xmint", done.MintTxHash)
	assert.Equal(t, "2025-06-01T12:00:00Z", done.ProcessedAt)

	rec = doJSON(router, http.MethodGet, "/api/v1/deposit/%20/status", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ledger.err = errors.New("connection refused")
	rec = doJSON(router, http.MethodGet, "/api/v1/deposit/"+txHash+"/status", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetWithdrawalStatus(t *testing.T) {
	ledger := newStubLedger()
	router := bridgeRouter(newStubAddressRepo(), ledger)
	burnTx := "0x" + strings.Repeat("cd", 32)

	// The 0x prefix is implied for EVM hashes.
	rec := doJSON(router, http.MethodGet, "/api/v1/withdrawal/"+strings.TrimPrefix(burnTx, "0x")+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pending dto.WithdrawalStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	assert.Equal(t, "pending", pending.Status)
	assert.Equal(t, burnTx, pending.BurnTxHash)

	ledger.withdrawals[burnTx] = &models.ProcessedWithdrawal{
		BurnTxHash:    burnTx,
		Amount:        9_999,
		MoneroAddress: "4" + strings.Repeat("A", 94),
		MoneroTxHash:  "feed",
		ProcessedAt:   time.Now(),
	}
	rec = doJSON(router, http.MethodGet, "/api/v1/withdrawal/"+burnTx+"/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var done dto.WithdrawalStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, "completed", done.Status)
	assert.Equal(t, uint64(9_999), done.Amount)
	assert.Equal(t, "feed", done.MoneroTxHash)
}
