package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"bridge-backend/internal/dto"
	"bridge-backend/internal/repository"
	"bridge-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// BridgeHandler serves the public bridge API: deposit address
// allocation, ledger status lookups and the info snapshot.
type BridgeHandler struct {
	addresses *services.AddressService
	ledger    repository.LedgerRepository
	status    *services.StatusService
}

func NewBridgeHandler(
	addresses *services.AddressService,
	ledger repository.LedgerRepository,
	status *services.StatusService,
) *BridgeHandler {
	return &BridgeHandler{
		addresses: addresses,
		ledger:    ledger,
		status:    status,
	}
}

// CreateDepositAddress allocates (or returns) the deposit subaddress
// for an EVM identity.
// POST /api/v1/deposit/address
func (h *BridgeHandler) CreateDepositAddress(c *gin.Context) {
	var req dto.DepositAddressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "user_identity is required",
		})
		return
	}

	mapping, created, err := h.addresses.EnsureDepositAddress(c.Request.Context(), req.UserIdentity)
	if err != nil {
		if errors.Is(err, services.ErrInvalidIdentity) {
			c.JSON(http.StatusBadRequest, gin.H{
				"success":  false,
				"error":    "user_identity must be a 0x-prefixed EVM address",
				"received": req.UserIdentity,
			})
			return
		}
		logrus.WithError(err).WithField("identity", req.UserIdentity).Error("Failed to allocate deposit address")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to allocate deposit address",
		})
		return
	}

	c.JSON(http.StatusOK, dto.DepositAddressResponse{
		Success:         true,
		UserIdentity:    mapping.UserIdentity,
		DepositAddress:  mapping.DerivedAddress,
		Account:         mapping.Account,
		SubaddressIndex: mapping.SubaddressIndex,
		Created:         created,
	})
}

// GetDepositStatus looks up one deposit in the processed ledger.
// GET /api/v1/deposit/:txHash/status
func (h *BridgeHandler) GetDepositStatus(c *gin.Context) {
	txHash := strings.ToLower(strings.TrimSpace(c.Param("txHash")))
	if txHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "txHash is required",
		})
		return
	}

	record, err := h.ledger.GetProcessedDeposit(c.Request.Context(), txHash)
	if err != nil {
		logrus.WithError(err).WithField("txHash", txHash).Error("Deposit status lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to query deposit status",
		})
		return
	}

	if record == nil {
		// Not an error: the deposit may be unconfirmed, unseen or not ours.
		c.JSON(http.StatusOK, dto.DepositStatusResponse{
			SourceTxHash: txHash,
			Status:       "pending",
		})
		return
	}

	c.JSON(http.StatusOK, dto.DepositStatusResponse{
		SourceTxHash: record.SourceTxHash,
		Status:       "completed",
		Amount:       record.Amount,
		Subaddress:   record.Subaddress,
		UserIdentity: record.UserIdentity,
		MintTxHash:   record.MintTxHash,
		ProcessedAt:  record.ProcessedAt.UTC().Format(time.RFC3339),
	})
}

// GetWithdrawalStatus looks up one burn in the processed ledger.
// GET /api/v1/withdrawal/:txHash/status
func (h *BridgeHandler) GetWithdrawalStatus(c *gin.Context) {
	txHash := strings.ToLower(strings.TrimSpace(c.Param("txHash")))
	if txHash == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "txHash is required",
		})
		return
	}
	if !strings.HasPrefix(txHash, "0x") {
		txHash = "0x" + txHash
	}

	record, err := h.ledger.GetProcessedWithdrawal(c.Request.Context(), txHash)
	if err != nil {
		logrus.WithError(err).WithField("txHash", txHash).Error("Withdrawal status lookup failed")
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "Failed to query withdrawal status",
		})
		return
	}

	if record == nil {
		c.JSON(http.StatusOK, dto.WithdrawalStatusResponse{
			BurnTxHash: txHash,
			Status:     "pending",
		})
		return
	}

	c.JSON(http.StatusOK, dto.WithdrawalStatusResponse{
		BurnTxHash:    record.BurnTxHash,
		Status:        "completed",
		Amount:        record.Amount,
		MoneroAddress: record.MoneroAddress,
		MoneroTxHash:  record.MoneroTxHash,
		ProcessedAt:   record.ProcessedAt.UTC().Format(time.RFC3339),
	})
}

// GetInfo serves the bridge status snapshot.
// GET /api/v1/info
func (h *BridgeHandler) GetInfo(c *gin.Context) {
	c.JSON(http.StatusOK, h.status.Snapshot(c.Request.Context()))
}
