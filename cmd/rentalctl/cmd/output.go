package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/gpu-rental/rentalctl/internal/service/lifecycle"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

func wantJSON() bool {
	return outputFormat == "json"
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

// tokens renders wei as a token amount with a fiat suffix when known
func tokens(wei *big.Int, fiat string) string {
	s := models.FormatTokens(wei)
	if fiat != "" {
		s += " (" + fiat + ")"
	}
	return s
}

// countdown describes the time left on a pending or running session
func countdown(session models.RentalSession, now time.Time) (time.Duration, lifecycle.Urgency, bool) {
	switch session.State {
	case models.StatePending:
		left, urgency := lifecycle.ClassifyPending(session.CreatedAt, now, cfg.Pending.TTL)
		return left, urgency, true
	case models.StateRunning:
		if session.ExtendedUntil == nil {
			return 0, lifecycle.UrgencySafe, false
		}
		th := lifecycle.ExpiryThresholds{SafeAbove: cfg.Expiry.SafeAbove, CriticalBelow: cfg.Expiry.CriticalBelow}
		left, urgency := th.Classify(*session.ExtendedUntil, now)
		return left, urgency, true
	default:
		return 0, "", false
	}
}

// formatRemaining renders durations as 1h02m or 4m05s
func formatRemaining(d time.Duration) string {
	d = d.Round(time.Second)
	if d >= time.Hour {
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
