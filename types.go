package bank

import "github.com/offlinepay/bank/ledger"

// VerifyResponse is the wire response for ledger verification.
type VerifyResponse struct {
	Valid                bool                `json:"valid"`
	VerifiedTransactions []string            `json:"verified_transactions"`
	Errors               []ledger.EntryError `json:"errors"`
}

// SettleResponse is the wire response for ledger settlement.
type SettleResponse struct {
	Settled             bool                `json:"settled"`
	SettledTransactions []string            `json:"settled_transactions"`
	Errors              []ledger.EntryError `json:"errors,omitempty"`
	AuditLogIDs         []string            `json:"audit_log_ids,omitempty"`
}

// InfoResponse describes the service and its submission endpoints.
type InfoResponse struct {
	Service   string   `json:"service"`
	Version   string   `json:"version"`
	Endpoints []string `json:"endpoints"`
}
