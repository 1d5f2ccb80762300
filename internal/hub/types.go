package hub

import "github.com/gpu-rental/rentalctl/pkg/models"

// ErrorBody is the JSON error envelope returned by the hub
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// NonceRequest starts the wallet-signature handshake
type NonceRequest struct {
	Address string `json:"address"`
}

// NonceResponse carries the message the wallet must sign
type NonceResponse struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"`
}

// VerifyRequest completes the handshake
type VerifyRequest struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"` // 0x-prefixed 65-byte personal signature
}

// VerifyResponse carries the bearer token
type VerifyResponse struct {
	Token string `json:"token"`
}

// StartRequest registers a mined startRental transaction with the hub
type StartRequest struct {
	RentalID        *models.Wei `json:"rentalId"`
	TransactionHash string      `json:"transactionHash"`
	Image           string      `json:"image,omitempty"`
}

// ConfirmRequest asks the hub to confirm a session by its transaction
type ConfirmRequest struct {
	TxHash string `json:"txHash"`
}

// ConfirmResult is the outcome of one confirm call
type ConfirmResult struct {
	Session  *models.RentalSession // nil while indexing
	Indexing bool                  // true on HTTP 202
}
