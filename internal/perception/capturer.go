// internal/perception/capturer.go
package perception

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deskhand/internal/agent"
	"github.com/xkilldash9x/deskhand/internal/config"
)

// Capturer implements agent.Perceptor by shelling out to platform screenshot
// and OCR programs. Commands are configurable; unset commands fall back to
// the platform defaults below. The literal {file} in an argument is replaced
// with the image path at capture time.
type Capturer struct {
	captureCmd []string
	ocrCmd     []string
	windowCmd  []string
	dir        string
	keep       int
	logger     *zap.Logger
}

var _ agent.Perceptor = (*Capturer)(nil)

// NewCapturer resolves the command templates and ensures the screenshot
// directory exists.
func NewCapturer(cfg config.PerceptionConfig, logger *zap.Logger) (*Capturer, error) {
	if logger == nil {
		return nil, fmt.Errorf("capturer requires a logger")
	}

	dir := cfg.ScreenshotDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "deskhand", "screenshots")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create screenshot directory %s: %w", dir, err)
	}

	c := &Capturer{
		captureCmd: cfg.CaptureCommand,
		ocrCmd:     cfg.OCRCommand,
		windowCmd:  cfg.WindowCommand,
		dir:        dir,
		keep:       cfg.KeepScreenshots,
		logger:     logger.Named("perception"),
	}

	if len(c.captureCmd) == 0 {
		c.captureCmd = defaultCaptureCommand()
	}
	if len(c.ocrCmd) == 0 {
		c.ocrCmd = []string{"tesseract", "{file}", "stdout"}
	}
	if len(c.windowCmd) == 0 {
		c.windowCmd = defaultWindowCommand()
	}

	c.logger.Debug("Perception commands resolved",
		zap.Strings("capture", c.captureCmd),
		zap.Strings("ocr", c.ocrCmd),
		zap.Strings("window", c.windowCmd))
	return c, nil
}

func defaultCaptureCommand() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"screencapture", "-x", "{file}"}
	default:
		return []string{"scrot", "--overwrite", "{file}"}
	}
}

func defaultWindowCommand() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"osascript", "-e",
			`tell application "System Events" to get name of first process whose frontmost is true`}
	default:
		return []string{"xdotool", "getactivewindow", "getwindowname"}
	}
}

// Capture takes one screenshot, extracts its text, and reads the active
// window title. Fingerprinting is left to the context cache.
func (c *Capturer) Capture(ctx context.Context) (agent.ScreenContext, error) {
	now := time.Now()
	imagePath := filepath.Join(c.dir, fmt.Sprintf("screenshot_%s.png", now.Format("20060102_150405.000")))

	if err := c.runCapture(ctx, imagePath); err != nil {
		return agent.ScreenContext{}, fmt.Errorf("screen capture failed: %w", err)
	}

	text, err := c.runOCR(ctx, imagePath)
	if err != nil {
		return agent.ScreenContext{}, fmt.Errorf("text extraction failed: %w", err)
	}

	// The window title is best effort; a failure degrades the summary but
	// not the snapshot.
	window := c.readActiveWindow(ctx)

	c.pruneScreenshots()
	if c.keep <= 0 {
		if err := os.Remove(imagePath); err != nil {
			c.logger.Debug("Failed to remove screenshot", zap.Error(err))
		}
		imagePath = ""
	}

	return agent.ScreenContext{
		CapturedAt:   now,
		Text:         text,
		ActiveWindow: window,
		ImagePath:    imagePath,
	}, nil
}

func (c *Capturer) runCapture(ctx context.Context, imagePath string) error {
	name, args := renderCommand(c.captureCmd, imagePath)
	cmd := exec.CommandContext(ctx, name, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w. Output:\n%s", name, err, string(output))
	}
	return nil
}

func (c *Capturer) runOCR(ctx context.Context, imagePath string) (string, error) {
	name, args := renderCommand(c.ocrCmd, imagePath)
	cmd := exec.CommandContext(ctx, name, args...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return strings.TrimSpace(string(output)), nil
}

func (c *Capturer) readActiveWindow(ctx context.Context) string {
	if len(c.windowCmd) == 0 {
		return ""
	}
	cmd := exec.CommandContext(ctx, c.windowCmd[0], c.windowCmd[1:]...)
	output, err := cmd.Output()
	if err != nil {
		c.logger.Debug("Active window lookup failed", zap.Error(err))
		return ""
	}
	return strings.TrimSpace(string(output))
}

// pruneScreenshots removes the oldest archived screenshots beyond the
// retention count. Filenames embed a sortable timestamp, so lexical order is
// chronological order.
func (c *Capturer) pruneScreenshots() {
	if c.keep <= 0 {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		c.logger.Debug("Failed to read screenshot directory", zap.Error(err))
		return
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), "screenshot_") {
			names = append(names, e.Name())
		}
	}
	if len(names) <= c.keep {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-c.keep] {
		if err := os.Remove(filepath.Join(c.dir, name)); err != nil {
			c.logger.Debug("Failed to prune screenshot", zap.String("file", name), zap.Error(err))
		}
	}
}

// renderCommand substitutes {file} into a command template. Templates without
// the placeholder get the path appended, which matches how most screenshot
// tools accept their output argument.
func renderCommand(template []string, file string) (string, []string) {
	rendered := make([]string, 0, len(template)+1)
	replaced := false
	for _, arg := range template {
		if strings.Contains(arg, "{file}") {
			replaced = true
			arg = strings.ReplaceAll(arg, "{file}", file)
		}
		rendered = append(rendered, arg)
	}
	if !replaced {
		rendered = append(rendered, file)
	}
	return rendered[0], rendered[1:]
}
