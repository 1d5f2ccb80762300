package models

import "time"

// MinExtensionMinutes is the smallest extension the backend accepts
const MinExtensionMinutes = 30

// ExtensionRequest asks the backend to extend a running session
type ExtensionRequest struct {
	SessionID        string `json:"-" validate:"required"`
	ExtensionMinutes int    `json:"extensionMinutes" validate:"required,min=30"`
	IdempotencyKey   string `json:"idempotencyKey" validate:"required,max=128"`
}

// ExtensionResult is returned by a successful extension
type ExtensionResult struct {
	NewExpiration    time.Time `json:"newExpiration"`
	ExtensionCost    *Wei      `json:"extensionCost"`
	RemainingBalance *Wei      `json:"remainingBalance"`
	ExtensionCount   int       `json:"extensionCount"`
}
