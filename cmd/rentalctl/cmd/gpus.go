package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gpu-rental/rentalctl/pkg/models"
)

var (
	gpusModel       string
	gpusMinVRAM     int
	gpusMinGPUCount int
	gpusMaxPerHour  string
)

var gpusCmd = &cobra.Command{
	Use:   "gpus",
	Short: "List available GPU nodes",
	Long:  `Display GPU nodes available for rent with their hourly price.`,
	RunE:  runGPUs,
}

func init() {
	rootCmd.AddCommand(gpusCmd)

	gpusCmd.Flags().StringVarP(&gpusModel, "gpu", "g", "", "Filter by GPU model (e.g., \"RTX 4090\")")
	gpusCmd.Flags().IntVar(&gpusMinVRAM, "min-vram", 0, "Minimum VRAM in GB")
	gpusCmd.Flags().IntVar(&gpusMinGPUCount, "min-gpus", 0, "Minimum GPU count")
	gpusCmd.Flags().StringVar(&gpusMaxPerHour, "max-price", "", "Maximum price per hour in tokens")
}

func runGPUs(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	filter := models.NodeFilter{
		GPUModel:    gpusModel,
		MinVRAM:     gpusMinVRAM,
		MinGPUCount: gpusMinGPUCount,
	}
	if gpusMaxPerHour != "" {
		filter.MaxPerHour, err = models.ParseTokens(gpusMaxPerHour)
		if err != nil {
			return err
		}
	}

	nodes, err := a.seq.AvailableNodes(ctx, filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if wantJSON() {
		return writeJSON(out, struct {
			Nodes []models.GPUNode `json:"nodes"`
			Count int              `json:"count"`
		}{nodes, len(nodes)})
	}

	if len(nodes) == 0 {
		fmt.Fprintln(out, "No nodes found matching criteria.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tGPU\tCOUNT\tVRAM\tPRICE/HR\tLOCATION")
	fmt.Fprintln(w, "--\t---\t-----\t----\t--------\t--------")

	for i := range nodes {
		node := &nodes[i]
		perHour := node.PricePerHour()
		fmt.Fprintf(w, "%s\t%s\t%d\t%dGB\t%s\t%s\n",
			node.ID,
			node.GPUModel,
			node.GPUCount,
			node.VRAM,
			tokens(perHour, a.fiat(ctx, perHour)),
			node.Location,
		)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d nodes\n", len(nodes))
	return nil
}
