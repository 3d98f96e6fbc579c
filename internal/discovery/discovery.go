// Package discovery scans a plugin root directory for Guild Members
// (capability-providing plugins) and parses their manifests.
package discovery

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/guildhall/internal/common/logger"
)

// manifestFileName is the per-plugin file Plugin Discovery looks for.
const manifestFileName = "plugin.json"

// Transport is the wire protocol a plugin speaks.
type Transport string

const (
	TransportHTTP  Transport = "http"
	TransportStdio Transport = "stdio"
)

// Status is the runtime status of a discovered Guild Member.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusAvailable    Status = "available"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// LaunchSpec describes how to spawn a plugin's subprocess.
type LaunchSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// Manifest is the on-disk `plugin.json` contract (spec §6).
type Manifest struct {
	Name         string     `json:"name"`
	DisplayName  string     `json:"displayName"`
	Description  string     `json:"description"`
	Version      string     `json:"version"`
	Transport    Transport  `json:"transport"`
	MCP          LaunchSpec `json:"mcp"`
	PortraitPath string     `json:"portraitPath,omitempty"`
	// Worker marks a member as worker-capable: it speaks the worker/*
	// JSON-RPC surface and gets a Worker Dispatch Bridge (component K)
	// attached as an additional tool server for any query that uses it.
	Worker bool `json:"worker,omitempty"`
}

// Member is a discovered Guild Member, keyed by directory name (not the
// manifest's own `name` field, per spec §4.B).
type Member struct {
	DirName  string
	WorkDir  string
	Manifest Manifest
	Status   Status
	LastErr  string

	// Runtime fields, owned by the Lifecycle Manager (component E).
	Tools []string
	Port  int
}

var unsafeNameChars = regexp.MustCompile(`[/\\]|\.\.|\s`)

// SafeName reports whether a directory name is safe to use as a member
// key: no path separators, no "..", no whitespace, ASCII only.
func SafeName(name string) bool {
	if name == "" {
		return false
	}
	if unsafeNameChars.MatchString(name) {
		return false
	}
	for _, r := range name {
		if r > 127 {
			return false
		}
	}
	return true
}

// Scan descends up to two levels under root looking for subdirectories
// that contain a manifest file. A missing root returns an empty map, not
// an error. Invalid manifests produce an error Member carrying the
// validation message rather than being omitted, so callers can surface
// "why" to the user.
func Scan(root string, log *logger.Logger) map[string]*Member {
	members := make(map[string]*Member)

	entries, err := os.ReadDir(root)
	if err != nil {
		return members
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirName := entry.Name()
		if !SafeName(dirName) {
			if log != nil {
				log.Warn("discovery: rejecting unsafe plugin directory name", zap.String("name", dirName))
			}
			continue
		}
		dirPath := filepath.Join(root, dirName)

		if m := tryManifest(dirPath, dirName); m != nil {
			members[dirName] = m
			continue
		}

		// Descend one more level (two levels total under root).
		subEntries, err := os.ReadDir(dirPath)
		if err != nil {
			continue
		}
		for _, sub := range subEntries {
			if !sub.IsDir() {
				continue
			}
			if m := tryManifest(filepath.Join(dirPath, sub.Name()), dirName); m != nil {
				members[dirName] = m
				break
			}
		}
	}

	return members
}

func tryManifest(dirPath, keyName string) *Member {
	manifestPath := filepath.Join(dirPath, manifestFileName)
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return &Member{
			DirName: keyName,
			Status:  StatusError,
			LastErr: "invalid manifest: " + err.Error(),
		}
	}

	if problem := validateManifest(manifest); problem != "" {
		return &Member{
			DirName:  keyName,
			WorkDir:  dirPath,
			Manifest: manifest,
			Status:   StatusError,
			LastErr:  problem,
		}
	}

	return &Member{
		DirName:  keyName,
		WorkDir:  dirPath,
		Manifest: manifest,
		Status:   StatusDisconnected,
	}
}

func validateManifest(m Manifest) string {
	if strings.TrimSpace(m.DisplayName) == "" {
		return "manifest missing displayName"
	}
	if m.Transport != TransportHTTP && m.Transport != TransportStdio {
		return "manifest transport must be http or stdio"
	}
	if strings.TrimSpace(m.MCP.Command) == "" {
		return "manifest missing mcp.command"
	}
	return ""
}
