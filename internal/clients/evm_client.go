package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"bridge-backend/internal/config"
	"bridge-backend/internal/types"
)

// Bridge contract surface: burn events out, threshold-signed mints in.
const bridgeABI = `[
	{
		"inputs": [
			{"name": "sourceTx", "type": "bytes32"},
			{"name": "recipient", "type": "address"},
			{"name": "amount", "type": "uint256"},
			{"name": "signature", "type": "bytes"}
		],
		"name": "mint",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [{"name": "sourceTx", "type": "bytes32"}],
		"name": "isMinted",
		"outputs": [{"name": "", "type": "bool"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "name": "sender", "type": "address"},
			{"indexed": false, "name": "amount", "type": "uint256"},
			{"indexed": false, "name": "destination", "type": "string"}
		],
		"name": "Burned",
		"type": "event"
	}
]`

// BurnEvent is one Burned log from the bridge contract.
type BurnEvent struct {
	TxHash      string
	Sender      string
	Amount      *big.Int
	Destination string
	Height      uint64
}

// EVMClient wraps the target-chain RPC connection, the bridge contract
// ABI and the submitter key used to pay gas for mint transactions.
type EVMClient struct {
	client     *ethclient.Client
	abi        abi.ABI
	contract   common.Address
	chainID    *big.Int
	privateKey *ecdsa.PrivateKey
	from       common.Address
	gasLimit   uint64
	gasPrice   string
}

// NewEVMClient dials the configured endpoints in order until one
// answers a NetworkID probe with the expected chain id.
func NewEVMClient(cfg config.EVMConfig) (*EVMClient, error) {
	parsedABI, err := abi.JSON(strings.NewReader(bridgeABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse bridge ABI: %w", err)
	}

	var client *ethclient.Client
	var lastErr error
	for _, endpoint := range cfg.RPCEndpoints {
		candidate, err := ethclient.Dial(endpoint)
		if err != nil {
			lastErr = err
			logrus.WithError(err).WithField("endpoint", endpoint).Warn("EVM dial failed")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		networkID, err := candidate.NetworkID(ctx)
		cancel()
		if err != nil {
			lastErr = err
			logrus.WithError(err).WithField("endpoint", endpoint).Warn("EVM NetworkID check failed")
			candidate.Close()
			continue
		}
		if networkID.Int64() != cfg.ChainID {
			lastErr = fmt.Errorf("endpoint %s reports chain id %s, want %d", endpoint, networkID, cfg.ChainID)
			logrus.Warn(lastErr.Error())
			candidate.Close()
			continue
		}
		logrus.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"chainId":  networkID.String(),
		}).Info("✅ connected to EVM RPC")
		client = candidate
		break
	}
	if client == nil {
		return nil, &types.ChainQueryError{
			Chain: "evm",
			Op:    "dial",
			Err:   fmt.Errorf("all RPC endpoints failed: %w", lastErr),
		}
	}

	evm := &EVMClient{
		client:   client,
		abi:      parsedABI,
		contract: common.HexToAddress(cfg.BridgeContract),
		chainID:  big.NewInt(cfg.ChainID),
		gasLimit: cfg.GasLimit,
		gasPrice: cfg.GasPrice,
	}
	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
		if err != nil {
			client.Close()
			return nil, &types.ConfigurationError{Field: "evm.privateKey", Reason: err.Error()}
		}
		evm.privateKey = key
		evm.from = crypto.PubkeyToAddress(key.PublicKey)
	}
	return evm, nil
}

// BlockNumber returns the current chain head height.
func (c *EVMClient) BlockNumber(ctx context.Context) (uint64, error) {
	height, err := c.client.BlockNumber(ctx)
	if err != nil {
		return 0, &types.ChainQueryError{Chain: "evm", Op: "block_number", Err: err}
	}
	return height, nil
}

// Synchronized reports whether the RPC node has finished its chain
// sync. eth_syncing answers false once the node serves its real head.
func (c *EVMClient) Synchronized(ctx context.Context) (bool, error) {
	progress, err := c.client.SyncProgress(ctx)
	if err != nil {
		return false, &types.ChainQueryError{Chain: "evm", Op: "sync_progress", Err: err}
	}
	return progress == nil, nil
}

// FilterBurnEvents returns Burned logs in [from, to].
func (c *EVMClient) FilterBurnEvents(ctx context.Context, from, to uint64) ([]BurnEvent, error) {
	burnedTopic := c.abi.Events["Burned"].ID
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{burnedTopic}},
	}
	logs, err := c.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, &types.ChainQueryError{Chain: "evm", Op: "filter_logs", Err: err}
	}

	events := make([]BurnEvent, 0, len(logs))
	for _, entry := range logs {
		if entry.Removed || len(entry.Topics) < 2 {
			continue
		}
		unpacked, err := c.abi.Unpack("Burned", entry.Data)
		if err != nil {
			logrus.WithError(err).WithField("tx", entry.TxHash.Hex()).Warn("skipping undecodable Burned log")
			continue
		}
		amount, ok := unpacked[0].(*big.Int)
		if !ok {
			continue
		}
		destination, ok := unpacked[1].(string)
		if !ok {
			continue
		}
		events = append(events, BurnEvent{
			TxHash:      entry.TxHash.Hex(),
			Sender:      common.HexToAddress(entry.Topics[1].Hex()).Hex(),
			Amount:      amount,
			Destination: destination,
			Height:      entry.BlockNumber,
		})
	}
	return events, nil
}

// IsMinted asks the contract whether a source transaction was already
// minted. A restart that lost the window between submission and the
// ledger write recovers through this instead of double submitting.
func (c *EVMClient) IsMinted(ctx context.Context, sourceTx [32]byte) (bool, error) {
	callData, err := c.abi.Pack("isMinted", sourceTx)
	if err != nil {
		return false, fmt.Errorf("failed to pack isMinted call: %w", err)
	}
	raw, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.contract, Data: callData}, nil)
	if err != nil {
		return false, &types.ChainQueryError{Chain: "evm", Op: "is_minted", Err: err}
	}
	out, err := c.abi.Unpack("isMinted", raw)
	if err != nil {
		return false, fmt.Errorf("failed to decode isMinted result: %w", err)
	}
	minted, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected isMinted result type %T", out[0])
	}
	return minted, nil
}

func (c *EVMClient) resolveGasPrice(ctx context.Context) *big.Int {
	if c.gasPrice != "" && c.gasPrice != "auto" {
		if price, ok := new(big.Int).SetString(c.gasPrice, 10); ok {
			return price
		}
	}
	suggested, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return big.NewInt(5000000000) // 5 gwei fallback
	}
	price := new(big.Int).Mul(suggested, big.NewInt(120))
	return price.Div(price, big.NewInt(100))
}

// SubmitMint sends mint(sourceTx, recipient, amount, signature) and
// waits for the receipt. The signature is the aggregate threshold
// signature the contract validates against the group key.
func (c *EVMClient) SubmitMint(ctx context.Context, sourceTx [32]byte, recipient common.Address, amount *big.Int, signature []byte) (string, error) {
	if c.privateKey == nil {
		return "", &types.ConfigurationError{Field: "evm.privateKey", Reason: "required to submit mint transactions"}
	}

	callData, err := c.abi.Pack("mint", sourceTx, recipient, amount, signature)
	if err != nil {
		return "", fmt.Errorf("failed to pack mint call: %w", err)
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return "", &types.ChainQueryError{Chain: "evm", Op: "pending_nonce", Err: err}
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Value:    big.NewInt(0),
		Gas:      c.gasLimit,
		GasPrice: c.resolveGasPrice(ctx),
		Data:     callData,
	})
	signer := ethtypes.NewEIP155Signer(c.chainID)
	signedTx, err := ethtypes.SignTx(tx, signer, c.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign mint transaction: %w", err)
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &types.ChainQueryError{Chain: "evm", Op: "send_transaction", Err: err}
	}
	logrus.WithFields(logrus.Fields{
		"tx":        signedTx.Hash().Hex(),
		"recipient": recipient.Hex(),
		"amount":    amount.String(),
	}).Info("mint transaction submitted")

	waitCtx, cancel := context.WithTimeout(ctx, 90*time.Second)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.client, signedTx)
	if err != nil {
		return "", &types.ChainQueryError{Chain: "evm", Op: "wait_mined", Err: err}
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return "", fmt.Errorf("mint transaction %s reverted", signedTx.Hash().Hex())
	}
	return signedTx.Hash().Hex(), nil
}

// Close releases the RPC connection.
func (c *EVMClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
