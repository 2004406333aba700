package models

import (
	"time"
)

// Bridge state KV keys. Observer watermarks live here so a restarted
// process resumes scanning where the previous one stopped.
const (
	StateKeyDepositHeight    = "monero_last_height"
	StateKeyWithdrawalHeight = "evm_last_height"
	StateKeyGroupPublicKey   = "group_public_key"
)

// AddressMapping binds one derived Monero subaddress to one user
// identity on the EVM chain. Indices per account only ever grow and are
// never reused; rows are never deleted.
type AddressMapping struct {
	ID              uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	Account         uint32    `json:"account" gorm:"uniqueIndex:idx_account_subaddress;not null"`
	SubaddressIndex uint32    `json:"subaddress_index" gorm:"uniqueIndex:idx_account_subaddress;not null"`
	DerivedAddress  string    `json:"derived_address" gorm:"uniqueIndex;size:128;not null"`
	UserIdentity    string    `json:"user_identity" gorm:"uniqueIndex;size:64;not null"`
	CreatedAt       time.Time `json:"created_at"`
}

func (AddressMapping) TableName() string {
	return "subaddress_mappings"
}

// ProcessedDeposit is the write-once witness that a Monero deposit was
// minted. Its existence is the at-most-once guarantee for mints.
type ProcessedDeposit struct {
	SourceTxHash string    `json:"source_tx_hash" gorm:"primaryKey;size:64"`
	Amount       uint64    `json:"amount" gorm:"not null"` // piconero
	Subaddress   string    `json:"subaddress" gorm:"index;size:128;not null"`
	UserIdentity string    `json:"user_identity" gorm:"index;size:64"`
	MintTxHash   string    `json:"mint_tx_hash" gorm:"size:66"`
	ProcessedAt  time.Time `json:"processed_at"`
}

func (ProcessedDeposit) TableName() string {
	return "processed_deposits"
}

// ProcessedWithdrawal is the write-once witness that a burn was paid
// out on Monero.
type ProcessedWithdrawal struct {
	BurnTxHash    string    `json:"burn_tx_hash" gorm:"primaryKey;size:66"`
	Amount        uint64    `json:"amount" gorm:"not null"` // piconero
	MoneroAddress string    `json:"monero_address" gorm:"size:128;not null"`
	MoneroTxHash  string    `json:"monero_tx_hash" gorm:"size:64"`
	ProcessedAt   time.Time `json:"processed_at"`
}

func (ProcessedWithdrawal) TableName() string {
	return "processed_withdrawals"
}

// BridgeState is a small KV table for watermarks and announcements.
type BridgeState struct {
	Key       string    `json:"key" gorm:"primaryKey;size:64"`
	Value     string    `json:"value" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (BridgeState) TableName() string {
	return "bridge_state"
}

// OperatorKeyShare is this operator's DKG output. The secret share is
// stored only in the operator's own database and never transmitted.
type OperatorKeyShare struct {
	ParticipantID  uint32    `json:"participant_id" gorm:"primaryKey"`
	Threshold      int       `json:"threshold" gorm:"not null"`
	GroupSize      int       `json:"group_size" gorm:"not null"`
	GroupPublicKey string    `json:"group_public_key" gorm:"size:66;not null"` // compressed point, hex
	PublicShares   string    `json:"public_shares" gorm:"type:text;not null"`  // participant -> compressed point, JSON
	SecretShare    string    `json:"-" gorm:"size:64;not null"`                // scalar, hex
	CreatedAt      time.Time `json:"created_at"`
}

func (OperatorKeyShare) TableName() string {
	return "operator_key_shares"
}
