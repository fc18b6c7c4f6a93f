package browser

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/process"
)

// processTreeRSS returns the resident set size of pid plus its direct children,
// which is where Chrome keeps renderer and GPU processes.
func processTreeRSS(ctx context.Context, pid int32) (uint64, error) {
	proc, err := process.NewProcess(pid)
	if err != nil {
		return 0, fmt.Errorf("open process %d: %w", pid, err)
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("memory info %d: %w", pid, err)
	}
	total := info.RSS
	children, err := proc.ChildrenWithContext(ctx)
	if err != nil {
		// no children is reported as an error on some platforms.
		return total, nil
	}
	for _, child := range children {
		childInfo, err := child.MemoryInfoWithContext(ctx)
		if err != nil {
			continue
		}
		total += childInfo.RSS
	}
	return total, nil
}
