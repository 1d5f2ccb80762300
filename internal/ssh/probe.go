package ssh

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gpu-rental/rentalctl/pkg/models"
)

// NvidiaSMIQuery lists one CSV line per GPU
const NvidiaSMIQuery = "nvidia-smi --query-gpu=name,memory.used,memory.total,utilization.gpu,temperature.gpu --format=csv,noheader,nounits"

// GPUStatus is one GPU as reported by nvidia-smi on the node
type GPUStatus struct {
	Name           string
	MemoryUsedMB   int64
	MemoryTotalMB  int64
	UtilizationPct int
	TemperatureC   int
}

// MemoryTotalGB rounds total memory to whole gigabytes
func (g GPUStatus) MemoryTotalGB() int {
	return int((g.MemoryTotalMB + 512) / 1024)
}

func (g GPUStatus) String() string {
	return fmt.Sprintf("%s: %dMB/%dMB, %d%% util, %dC",
		g.Name, g.MemoryUsedMB, g.MemoryTotalMB, g.UtilizationPct, g.TemperatureC)
}

// ParseNvidiaSMI parses one line of NvidiaSMIQuery output, e.g.
// "NVIDIA GeForce RTX 4090, 1, 24564, 0, 42"
func ParseNvidiaSMI(line string) (GPUStatus, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return GPUStatus{}, fmt.Errorf("empty nvidia-smi output")
	}

	parts := strings.Split(line, ",")
	if len(parts) < 5 {
		return GPUStatus{}, fmt.Errorf("invalid nvidia-smi output format: expected 5 fields, got %d (output: %q)", len(parts), line)
	}

	status := GPUStatus{Name: strings.TrimSpace(parts[0])}
	if status.Name == "" {
		return GPUStatus{}, fmt.Errorf("empty GPU name in nvidia-smi output")
	}

	used, err := parseIntField(parts[1], "memory.used")
	if err != nil {
		return GPUStatus{}, err
	}
	total, err := parseIntField(parts[2], "memory.total")
	if err != nil {
		return GPUStatus{}, err
	}
	if status.UtilizationPct, err = parseIntField(parts[3], "utilization.gpu"); err != nil {
		return GPUStatus{}, err
	}
	if status.TemperatureC, err = parseIntField(parts[4], "temperature.gpu"); err != nil {
		return GPUStatus{}, err
	}
	status.MemoryUsedMB = int64(used)
	status.MemoryTotalMB = int64(total)

	return status, nil
}

func parseIntField(s, fieldName string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "[N/A]" || s == "N/A" {
		return 0, nil
	}

	val, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s %q: %w", fieldName, s, err)
	}
	return val, nil
}

// ParseMultiGPUNvidiaSMI parses one GPU per line
func ParseMultiGPUNvidiaSMI(output string) ([]GPUStatus, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, fmt.Errorf("empty nvidia-smi output")
	}

	var statuses []GPUStatus
	for i, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		status, err := ParseNvidiaSMI(line)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GPU %d: %w", i, err)
		}
		statuses = append(statuses, status)
	}

	if len(statuses) == 0 {
		return nil, fmt.Errorf("no GPUs found in nvidia-smi output")
	}
	return statuses, nil
}

// MatchNode reports how the GPUs seen on the node differ from its listing.
// An empty result means the node delivers what it advertises.
func MatchNode(node models.GPUNode, gpus []GPUStatus) []string {
	var problems []string

	if node.GPUCount > 0 && len(gpus) < node.GPUCount {
		problems = append(problems, fmt.Sprintf("listed %d GPUs, found %d", node.GPUCount, len(gpus)))
	}
	for i, g := range gpus {
		if node.GPUModel != "" && !strings.Contains(strings.ToUpper(g.Name), strings.ToUpper(node.GPUModel)) {
			problems = append(problems, fmt.Sprintf("GPU %d is %q, listed as %s", i, g.Name, node.GPUModel))
		}
		if node.VRAM > 0 && g.MemoryTotalGB() < node.VRAM {
			problems = append(problems, fmt.Sprintf("GPU %d has %dGB, listed as %dGB", i, g.MemoryTotalGB(), node.VRAM))
		}
	}
	return problems
}
