package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// mcpServerEntry is one server block in the child's MCP config file.
type mcpServerEntry struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

type mcpConfig struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

// WriteMCPConfig writes the per-agent tool-server config the child is
// pointed at. Containerized children reach the harness through the
// docker host bridge instead of localhost.
func WriteMCPConfig(agentID string, mcpPort int, stateDir string, isContainer bool) (string, error) {
	host := "localhost"
	if isContainer {
		host = "host.docker.internal"
	}

	cfg := mcpConfig{
		MCPServers: map[string]mcpServerEntry{
			"arch": {
				Type: "sse",
				URL:  fmt.Sprintf("http://%s:%d/sse/%s", host, mcpPort, agentID),
			},
		},
	}

	buf, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling MCP config: %w", err)
	}

	path := filepath.Join(stateDir, agentID+"-mcp.json")
	if err := os.WriteFile(path, buf, 0o644); err != nil { //nolint:gosec // G306: config holds no secrets
		return "", fmt.Errorf("writing MCP config: %w", err)
	}
	return path, nil
}
