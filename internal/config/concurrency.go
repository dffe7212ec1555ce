package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
)

// MaxAutoConcurrency caps the worker count picked by "auto". Each worker
// holds a full browser page.
const MaxAutoConcurrency = 4

var cpuCounts = cpu.Counts

// ResolveConcurrency parses CRAWL_CONCURRENCY: a positive integer, or "auto"
// for half the logical CPUs capped at MaxAutoConcurrency.
func ResolveConcurrency(value string) (int, error) {
	value = strings.TrimSpace(value)
	if !strings.EqualFold(value, "auto") {
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return 0, fmt.Errorf("CRAWL_CONCURRENCY must be a positive integer or auto, got %q", value)
		}
		return n, nil
	}

	logical, err := cpuCounts(true)
	if err != nil || logical < 1 {
		return 1, nil
	}
	n := logical / 2
	if n < 1 {
		n = 1
	}
	if n > MaxAutoConcurrency {
		n = MaxAutoConcurrency
	}
	return n, nil
}
