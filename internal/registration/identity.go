package registration

import (
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/xpod/fabric/pkg/logger"
)

const nodeIDFile = ".node-id"

// LoadOrCreateNodeID returns the node's stable identifier. The identifier is
// persisted next to the node's data so restarts keep the same identity.
func LoadOrCreateNodeID(rootPath string) (string, error) {
	path := filepath.Join(rootPath, nodeIDFile)

	data, err := os.ReadFile(path)
	if err == nil {
		id := strings.TrimSpace(string(data))
		if id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", err
	}

	id := "center-" + uuid.New().String()
	if err := os.MkdirAll(rootPath, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", err
	}

	logger.Info("Generated node identity", map[string]interface{}{
		"node_id": id,
		"path":    path,
	})
	return id, nil
}

// DetectInternalIP finds the address peers inside the cluster network should
// use. The orchestrator-provided POD_IP wins; otherwise the first non-loopback
// IPv4 of any up interface is used. An empty string means detection failed.
func DetectInternalIP() string {
	if ip := os.Getenv("POD_IP"); ip != "" {
		return ip
	}

	interfaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip == nil || ip.IsLoopback() {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return ""
}
