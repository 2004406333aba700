package dto

// ==================== Bridge DTOs ====================

// DepositAddressRequest asks for the deposit subaddress bound to one
// EVM identity.
type DepositAddressRequest struct {
	UserIdentity string `json:"user_identity" binding:"required"` // 0x-prefixed EVM address
}

// DepositAddressResponse returns the stable identity -> subaddress
// binding. Created reports whether this call allocated the mapping or
// found an existing one.
type DepositAddressResponse struct {
	Success         bool   `json:"success"`
	UserIdentity    string `json:"user_identity"`
	DepositAddress  string `json:"deposit_address"`
	Account         uint32 `json:"account"`
	SubaddressIndex uint32 `json:"subaddress_index"`
	Created         bool   `json:"created"`
}

// DepositStatusResponse reports one deposit's ledger state. Status is
// "pending" until the mint is recorded, then "completed".
type DepositStatusResponse struct {
	SourceTxHash string `json:"source_tx_hash"`
	Status       string `json:"status"`
	Amount       uint64 `json:"amount,omitempty"` // piconero
	Subaddress   string `json:"subaddress,omitempty"`
	UserIdentity string `json:"user_identity,omitempty"`
	MintTxHash   string `json:"mint_tx_hash,omitempty"`
	ProcessedAt  string `json:"processed_at,omitempty"`
}

// WithdrawalStatusResponse reports one burn's ledger state.
type WithdrawalStatusResponse struct {
	BurnTxHash    string `json:"burn_tx_hash"`
	Status        string `json:"status"`
	Amount        uint64 `json:"amount,omitempty"` // piconero
	MoneroAddress string `json:"monero_address,omitempty"`
	MoneroTxHash  string `json:"monero_tx_hash,omitempty"`
	ProcessedAt   string `json:"processed_at,omitempty"`
}
