package capability

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"lanebot/internal/domain"
)

// SysInfoCapability reports host facts: OS, CPU count, memory in use,
// working directory. It takes no arguments.
type SysInfoCapability struct {
	startedAt time.Time
}

func NewSysInfoCapability() *SysInfoCapability {
	return &SysInfoCapability{startedAt: time.Now()}
}

func (c *SysInfoCapability) Name() string { return "sysinfo" }
func (c *SysInfoCapability) Description() string {
	return "Get information about the host system: OS, architecture, CPU count, memory usage, uptime of this process."
}
func (c *SysInfoCapability) Parameters() map[string]any {
	return Schema(map[string]Param{}, nil)
}

func (c *SysInfoCapability) Execute(ctx context.Context, args map[string]any) (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	wd, err := os.Getwd()
	if err != nil {
		wd = "unknown"
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	var b strings.Builder
	fmt.Fprintf(&b, "Hostname:   %s\n", hostname)
	fmt.Fprintf(&b, "OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&b, "CPUs:       %d\n", runtime.NumCPU())
	fmt.Fprintf(&b, "Go runtime: %s, %d goroutines\n", runtime.Version(), runtime.NumGoroutine())
	fmt.Fprintf(&b, "Heap in use: %.1f MB\n", float64(mem.HeapInuse)/(1024*1024))
	fmt.Fprintf(&b, "Process uptime: %s\n", time.Since(c.startedAt).Round(time.Second))
	fmt.Fprintf(&b, "Working dir: %s\n", wd)
	fmt.Fprintf(&b, "Local time:  %s", time.Now().Format(time.RFC1123))
	return b.String(), nil
}

var _ domain.Capability = (*SysInfoCapability)(nil)
