package presence

import (
	"encoding/json"
	"os"
	"runtime"
	"time"
)

var processStart = time.Now()

// SystemInfo is the default snapshot attached to heartbeats
func SystemInfo() json.RawMessage {
	hostname, _ := os.Hostname()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	data, err := json.Marshal(map[string]interface{}{
		"hostname":      hostname,
		"os":            runtime.GOOS,
		"arch":          runtime.GOARCH,
		"goVersion":     runtime.Version(),
		"goroutines":    runtime.NumGoroutine(),
		"heapBytes":     mem.HeapAlloc,
		"uptimeSeconds": int64(time.Since(processStart).Seconds()),
	})
	if err != nil {
		return nil
	}
	return data
}
