package api

import (
	"os"
	"runtime"
	"time"
)

// DetectCapabilities inspects the host this process runs on. The result is
// merged over the capabilities a node declared at registration time.
func DetectCapabilities() map[string]interface{} {
	hostname, _ := os.Hostname()
	return map[string]interface{}{
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"cpus":        runtime.NumCPU(),
		"go_version":  runtime.Version(),
		"hostname":    hostname,
		"detected_at": time.Now().UTC().Format(time.RFC3339),
	}
}
