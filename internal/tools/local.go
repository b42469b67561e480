package tools

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/likeaw/ai-web-agent-industrial/api/schemas"
	"github.com/likeaw/ai-web-agent-industrial/internal/dispatch"
)

// notepadTool writes text output to a note file under the artifact tree and,
// when an editor command is configured, opens it for the user. It needs no
// browser, so it works before the first navigation and after a browser crash.
func (k *Toolkit) notepadTool() dispatch.Tool {
	return &funcTool{
		name:  "open_notepad",
		guide: "open_notepad(file_path?, initial_content): write text to a note file and return its path",
		args: []dispatch.ArgSpec{
			{Name: "file_path", Type: dispatch.ArgString},
			{Name: "initial_content", Type: dispatch.ArgString, Required: true},
		},
		invoke: func(ctx context.Context, args map[string]any) (*schemas.WebObservation, schemas.ActionFeedback) {
			content := argString(args, "initial_content", "")
			path := argString(args, "file_path", "")

			if path == "" {
				var err error
				path, err = k.paths.NotePath("notes")
				if err != nil {
					fb := schemas.ActionFeedback{
						Status:    schemas.FeedbackFailed,
						ErrorCode: schemas.ErrCodeBadArg,
						Message:   err.Error(),
					}
					return localObservation("local://notepad", fb, "note path failure"), fb
				}
			}

			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				fb := schemas.ActionFeedback{
					Status:    schemas.FeedbackFailed,
					ErrorCode: schemas.ErrCodeBadArg,
					Message:   fmt.Sprintf("failed to write note file: %v", err),
				}
				return localObservation("local://notepad", fb, "note write failure"), fb
			}

			if k.cfg.EditorCommand != "" {
				parts := strings.Fields(k.cfg.EditorCommand)
				cmd := exec.CommandContext(ctx, parts[0], append(parts[1:], path)...)
				if err := cmd.Start(); err != nil {
					k.logger.Warn("Failed to launch editor", zap.String("command", k.cfg.EditorCommand), zap.Error(err))
				}
			}

			fb := browserSuccess(path)
			return localObservation("local://notepad", fb, "note written"), fb
		},
	}
}
