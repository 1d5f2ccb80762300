package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/gpu-rental/rentalctl/internal/i18n"
	"github.com/gpu-rental/rentalctl/internal/service/lifecycle"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

var sessionsState string

var sessionsCmd = &cobra.Command{
	Use:     "sessions",
	Aliases: []string{"session"},
	Short:   "Manage rental sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the wallet's sessions",
	RunE:  runSessionsList,
}

var sessionsGetCmd = &cobra.Command{
	Use:   "get [session-id]",
	Short: "Show one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsGet,
}

var sessionsConfirmCmd = &cobra.Command{
	Use:   "confirm [session-id]",
	Short: "Retry hub confirmation of a pending session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsConfirm,
}

var sessionsCancelCmd = &cobra.Command{
	Use:   "cancel [session-id]",
	Short: "Cancel a pending session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsCancel,
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsGetCmd)
	sessionsCmd.AddCommand(sessionsConfirmCmd)
	sessionsCmd.AddCommand(sessionsCancelCmd)

	sessionsListCmd.Flags().StringVarP(&sessionsState, "state", "s", "", "Filter by state (PENDING, RUNNING, ...)")
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.seq.Sessions(ctx)
	if err != nil {
		return err
	}

	sessions := list.Sessions
	if sessionsState != "" {
		sessions = sessions[:0:0]
		for _, s := range list.Sessions {
			if string(s.State) == sessionsState {
				sessions = append(sessions, s)
			}
		}
	}

	out := cmd.OutOrStdout()
	if wantJSON() {
		return writeJSON(out, map[string]interface{}{
			"sessions": sessions,
			"count":    len(sessions),
		})
	}

	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found")
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATE\tNODE\tRENTAL\tREMAINING\tURGENCY")
	for _, s := range sessions {
		remaining, urgency := "-", "-"
		if left, u, ok := countdown(s, now); ok {
			remaining = formatRemaining(left)
			urgency = string(u)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateString(s.ID, 20),
			s.State,
			truncateString(s.NodeID, 16),
			s.RentalID,
			remaining,
			urgency,
		)
	}
	return w.Flush()
}

func runSessionsGet(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	session, err := a.seq.Session(ctx, args[0])
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON() {
		return writeJSON(out, session)
	}

	fmt.Fprintf(out, "Session:  %s\n", session.ID)
	fmt.Fprintf(out, "State:    %s\n", session.State)
	fmt.Fprintf(out, "Node:     %s\n", session.NodeID)
	fmt.Fprintf(out, "Rental:   %s\n", session.RentalID)
	fmt.Fprintf(out, "Tx:       %s\n", session.TxHash)
	fmt.Fprintf(out, "Created:  %s\n", session.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if session.ExtendedUntil != nil {
		fmt.Fprintf(out, "Ends:     %s\n", session.ExtendedUntil.Local().Format("2006-01-02 15:04:05"))
	}
	if left, urgency, ok := countdown(*session, time.Now()); ok {
		fmt.Fprintf(out, "Left:     %s (%s)\n", formatRemaining(left), urgency)
		if msg := countdownMessage(session.State, urgency, left); msg != "" {
			fmt.Fprintln(out, msg)
		}
	}
	if session.SSH != nil {
		fmt.Fprintf(out, "SSH:      %s\n", session.SSH.Command())
	}
	return nil
}

func runSessionsConfirm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	tracker, err := a.pendingTracker(ctx, args[0])
	if err != nil {
		return err
	}

	result, err := tracker.RetryConfirmation(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON() {
		return writeJSON(out, result)
	}
	if result.Indexing || result.Session == nil {
		fmt.Fprintf(out, "Session %s is still being indexed. Try again shortly.\n", args[0])
		return nil
	}
	fmt.Fprintf(out, "Session %s is %s.\n", args[0], result.Session.State)
	if creds := result.Session.SSH; creds != nil {
		fmt.Fprintf(out, "Connect with: %s\n", creds.Command())
		fmt.Fprintf(out, "Password:     %s\n", creds.Password)
	}
	return nil
}

func runSessionsCancel(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	tracker, err := a.pendingTracker(ctx, args[0])
	if err != nil {
		return err
	}
	if err := tracker.Cancel(ctx); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Session %s cancelled.\n", args[0])
	return nil
}

// countdownMessage renders the localized banner for a countdown, if any
func countdownMessage(state models.SessionState, urgency lifecycle.Urgency, left time.Duration) string {
	tr := translator()
	switch {
	case urgency == lifecycle.UrgencyExpired:
		return tr.T(i18n.MsgPendingExpired)
	case state == models.StatePending:
		return tr.T(i18n.MsgPendingCountdown, formatRemaining(left))
	case urgency == lifecycle.UrgencyCritical:
		return tr.T(i18n.MsgExpiryCritical, formatRemaining(left))
	case urgency == lifecycle.UrgencyWarning:
		return tr.T(i18n.MsgExpiryWarning, formatRemaining(left))
	default:
		return ""
	}
}
