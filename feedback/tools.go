package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentuity/feedback-bridge/logger"
	"github.com/agentuity/feedback-bridge/mcp/server"
	"github.com/agentuity/feedback-bridge/mcp/types"
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/jsonschema-go/jsonschema"
)

const (
	ToolCollectFeedback = "collect_feedback"
	ToolGetImageInfo    = "get_image_info"
	ToolShowMessage     = "show_message"
)

var mimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

// Register adds the feedback tools to reg. show_message is only offered when notifier is not nil.
func Register(reg *server.Registry, bridge *Bridge, notifier Notifier, log logger.Logger) error {
	h := &handlers{bridge: bridge, notifier: notifier, logger: log.WithPrefix("[feedback]")}

	if err := reg.Register(types.Tool{
		Name:        ToolCollectFeedback,
		Description: "Ask the user for feedback on the work done so far and wait for their reply. The reply may contain text and images.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"work_summary": {
					Type:        "string",
					Description: "Summary of the work completed, shown to the user",
					Default:     json.RawMessage(`""`),
				},
				"timeout_seconds": {
					Type:        "number",
					Description: "Seconds to wait for a reply, 0 waits forever",
					Default:     json.RawMessage(`0`),
				},
			},
		},
	}, h.collectFeedback); err != nil {
		return err
	}

	if err := reg.Register(types.Tool{
		Name:        ToolGetImageInfo,
		Description: "Get metadata about an image file",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"image_path": {Type: "string", Description: "Path to the image file"},
			},
			Required: []string{"image_path"},
		},
		Annotations: &types.ToolAnnotation{ReadOnlyHint: true},
	}, h.getImageInfo); err != nil {
		return err
	}

	if notifier == nil {
		return nil
	}
	return reg.Register(types.Tool{
		Name:        ToolShowMessage,
		Description: "Show a message to the user",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"message": {Type: "string", Description: "The message to show"},
				"type": {
					Type:        "string",
					Description: "Message level",
					Enum:        []any{string(LevelInfo), string(LevelWarning), string(LevelError)},
					Default:     json.RawMessage(`"info"`),
				},
			},
			Required: []string{"message"},
		},
	}, h.showMessage)
}

type handlers struct {
	bridge   *Bridge
	notifier Notifier
	logger   logger.Logger
}

func (h *handlers) collectFeedback(ctx context.Context, args map[string]any) (*types.ToolResult, error) {
	summary, _ := args["work_summary"].(string)
	seconds, _ := args["timeout_seconds"].(float64)
	if seconds < 0 {
		seconds = 0
	}
	timeout := time.Duration(seconds * float64(time.Second))

	result, err := h.bridge.Solicit(ctx, summary, timeout)
	if err != nil {
		return types.ErrorResult(fmt.Sprintf("Feedback collection failed: %s", err)), nil
	}
	return &types.ToolResult{Content: result.Content()}, nil
}

func (h *handlers) getImageInfo(ctx context.Context, args map[string]any) (*types.ToolResult, error) {
	path, _ := args["image_path"].(string)
	text, err := describeImage(path)
	if err != nil {
		h.logger.Debug("image info for %s: %s", path, err)
		return types.ErrorResult(fmt.Sprintf("Failed to get image info: %s", err)), nil
	}
	return &types.ToolResult{Content: []types.Content{types.TextContent(text)}}, nil
}

func describeImage(path string) (string, error) {
	if path == "" {
		return "", errors.New("image_path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", errors.Newf("%s is a directory", path)
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	mimeType, ok := mimeTypes[strings.ToLower(filepath.Ext(path))]
	if !ok {
		mimeType = "application/octet-stream"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "File name: %s\n", filepath.Base(path))
	fmt.Fprintf(&sb, "File size: %.1f KB\n", float64(info.Size())/1024)
	fmt.Fprintf(&sb, "Modified: %s\n", info.ModTime().Local().Format(time.RFC3339))
	fmt.Fprintf(&sb, "MIME type: %s\n", mimeType)
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(buf)); err == nil {
		fmt.Fprintf(&sb, "Dimensions: %dx%d\n", cfg.Width, cfg.Height)
	}
	fmt.Fprintf(&sb, "Checksum: %016x", xxhash.Sum64(buf))
	return sb.String(), nil
}

func (h *handlers) showMessage(ctx context.Context, args map[string]any) (*types.ToolResult, error) {
	message, _ := args["message"].(string)
	level, _ := args["type"].(string)
	lvl := ParseMessageLevel(level)

	if c := h.bridge.currentCollaborator(); c != nil {
		if err := c.EnsureVisible(ctx); err != nil {
			h.logger.Debug("could not bring the feedback panel forward: %s", err)
		}
	}
	if err := h.notifier.ShowMessage(ctx, lvl, message); err != nil {
		return nil, errors.Wrap(err, "failed to show message")
	}
	return &types.ToolResult{Content: []types.Content{types.TextContent(fmt.Sprintf("Displayed %s message: %s", lvl, message))}}, nil
}
