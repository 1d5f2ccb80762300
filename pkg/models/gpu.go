package models

import "math/big"

// GPUNode represents a provider node listed on the marketplace
type GPUNode struct {
	ID             string `json:"id"`
	Provider       string `json:"provider"`  // Provider wallet address
	GPUModel       string `json:"gpu_model"` // "RTX 4090", "A100", etc.
	GPUCount       int    `json:"gpu_count"`
	VRAM           int    `json:"vram_gb"`
	Location       string `json:"location,omitempty"`
	PricePerSecond *Wei   `json:"price_per_second"`
	Available      bool   `json:"available"`
}

// PricePerHour returns the per-hour price in wei
func (n *GPUNode) PricePerHour() *big.Int {
	return PerSecondToPerHour(n.PricePerSecond.Big())
}

// NodeFilter defines criteria for filtering marketplace nodes
type NodeFilter struct {
	GPUModel    string
	MinVRAM     int
	MinGPUCount int
	MaxPerHour  *big.Int // wei per hour, nil = unlimited
}

// Matches checks if the node matches the given filter
func (n *GPUNode) Matches(f NodeFilter) bool {
	if !n.Available {
		return false
	}
	if f.GPUModel != "" && n.GPUModel != f.GPUModel {
		return false
	}
	if f.MinVRAM > 0 && n.VRAM < f.MinVRAM {
		return false
	}
	if f.MinGPUCount > 0 && n.GPUCount < f.MinGPUCount {
		return false
	}
	if f.MaxPerHour != nil && n.PricePerHour().Cmp(f.MaxPerHour) > 0 {
		return false
	}
	return true
}

// NodeList is the response of the available-nodes endpoint
type NodeList struct {
	Nodes []GPUNode `json:"nodes"`
}
