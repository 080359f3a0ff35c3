// Package endpoint points an editor's MCP client at the running bridge by writing
// .cursor/mcp.json and an always-apply rule into a workspace.
package endpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/jsonc"
)

const (
	ServerName = "cursor-request-max"
	// Timeout is large enough that the client never gives up on a pending feedback call
	Timeout = 1000000000

	configDir = ".cursor"
	rulesDir  = "rules"
	mcpFile   = "mcp.json"
	ruleFile  = ServerName + ".mdc"
)

const ruleContent = `---
description:
globs:
alwaysApply: true
---
Whenever you want to ask the user a question, call the collect_feedback MCP tool instead.

Before you finish a request, call collect_feedback with a summary of the work. Keep calling it
until the user's feedback is empty, then end the request.
`

type serverEntry struct {
	URL     string `json:"url"`
	Timeout int64  `json:"timeout"`
}

// Result describes what Write changed
type Result struct {
	ConfigPath string
	RulePath   string
	// BackupPath is set when an unreadable mcp.json was moved aside
	BackupPath  string
	RuleCreated bool
}

// URL is the stream address written for port
func URL(port int) string {
	return fmt.Sprintf("http://localhost:%d/sse", port)
}

func paths(workspace string) (dir, config, rule string) {
	dir = filepath.Join(workspace, configDir)
	return dir, filepath.Join(dir, mcpFile), filepath.Join(dir, rulesDir, ruleFile)
}

// Write merges the bridge entry into workspace/.cursor/mcp.json, keeping every other
// server, and creates the rule file when it does not exist yet.
func Write(workspace string, port int) (*Result, error) {
	if workspace == "" {
		return nil, errors.New("workspace is required")
	}
	if port < 1 || port > 65535 {
		return nil, errors.Newf("invalid port %d", port)
	}
	dir, configPath, rulePath := paths(workspace)
	if err := os.MkdirAll(filepath.Join(dir, rulesDir), 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create .cursor directories")
	}
	result := &Result{ConfigPath: configPath, RulePath: rulePath}

	doc := map[string]any{}
	existing, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		if perr := json.Unmarshal(jsonc.ToJSON(existing), &doc); perr != nil || doc == nil {
			result.BackupPath = fmt.Sprintf("%s.backup.%d", configPath, time.Now().UnixMilli())
			if werr := os.WriteFile(result.BackupPath, existing, 0o644); werr != nil {
				return nil, errors.Wrap(werr, "failed to back up mcp.json")
			}
			doc = map[string]any{}
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, errors.Wrap(err, "failed to read mcp.json")
	}

	servers, ok := doc["mcpServers"].(map[string]any)
	if !ok {
		servers = map[string]any{}
	}
	servers[ServerName] = serverEntry{URL: URL(port), Timeout: Timeout}
	doc["mcpServers"] = servers

	buf, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode mcp.json")
	}
	if err := os.WriteFile(configPath, append(buf, '\n'), 0o644); err != nil {
		return nil, errors.Wrap(err, "failed to write mcp.json")
	}

	if _, err := os.Stat(rulePath); errors.Is(err, os.ErrNotExist) {
		if err := os.WriteFile(rulePath, []byte(ruleContent), 0o644); err != nil {
			return nil, errors.Wrap(err, "failed to write rule file")
		}
		result.RuleCreated = true
	}
	return result, nil
}

// Status is what Check found in a workspace
type Status struct {
	ConfigExists bool
	RuleExists   bool
	// URL is the address the bridge entry points at, empty when there is no entry
	URL string
}

// Complete reports whether the editor will find the bridge
func (s Status) Complete() bool {
	return s.ConfigExists && s.RuleExists && s.URL != ""
}

func (s Status) String() string {
	if s.Complete() {
		return "configured for " + s.URL
	}
	var missing []string
	if !s.ConfigExists {
		missing = append(missing, mcpFile)
	} else if s.URL == "" {
		missing = append(missing, ServerName+" entry")
	}
	if !s.RuleExists {
		missing = append(missing, ruleFile)
	}
	return fmt.Sprintf("incomplete, missing %v", missing)
}

// Check inspects workspace without changing it
func Check(workspace string) (Status, error) {
	var status Status
	_, configPath, rulePath := paths(workspace)

	if _, err := os.Stat(rulePath); err == nil {
		status.RuleExists = true
	} else if !errors.Is(err, os.ErrNotExist) {
		return status, errors.Wrap(err, "failed to stat rule file")
	}

	buf, err := os.ReadFile(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return status, nil
	}
	if err != nil {
		return status, errors.Wrap(err, "failed to read mcp.json")
	}
	status.ConfigExists = true

	var doc struct {
		MCPServers map[string]struct {
			URL string `json:"url"`
		} `json:"mcpServers"`
	}
	if err := json.Unmarshal(jsonc.ToJSON(buf), &doc); err != nil {
		return status, nil
	}
	status.URL = doc.MCPServers[ServerName].URL
	return status, nil
}
