// internal/desktop/controller.go
package desktop

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/deskhand/internal/agent"
	"github.com/xkilldash9x/deskhand/internal/config"
)

// Settle delays give the UI time to react before the next perception pass.
// Opening things takes the longest; typing the least.
const (
	clickSettle   = 1 * time.Second
	scrollSettle  = 1 * time.Second
	dragSettle    = 1500 * time.Millisecond
	typeSettle    = 500 * time.Millisecond
	openAppSettle = 3 * time.Second
	openURLSettle = 4 * time.Second
)

// inputDriver builds the argv for each pointer/keyboard operation of one
// command-line input tool.
type inputDriver interface {
	name() string
	click(x, y int) []string
	typeText(text string, intervalMs int) []string
	scroll(x, y int, direction agent.ScrollDirection, amount int) []string
	drag(x1, y1, x2, y2 int) []string
}

// Controller implements agent.DesktopController by driving an external input
// tool. It is not safe for concurrent use; the dispatcher serializes device
// access across tasks.
type Controller struct {
	driver       inputDriver
	limiter      *rate.Limiter
	typeInterval int
	clock        agent.Clock
	logger       *zap.Logger
}

var _ agent.DesktopController = (*Controller)(nil)

// NewController resolves the input backend and configures the action rate
// guard.
func NewController(cfg config.DesktopConfig, clock agent.Clock, logger *zap.Logger) (*Controller, error) {
	if clock == nil {
		return nil, fmt.Errorf("desktop controller requires a clock")
	}
	if logger == nil {
		return nil, fmt.Errorf("desktop controller requires a logger")
	}

	driver, err := resolveDriver(cfg.Backend)
	if err != nil {
		return nil, err
	}

	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 60
	}

	log := logger.Named("desktop")
	log.Debug("Input backend resolved",
		zap.String("driver", driver.name()),
		zap.Int("rate_per_minute", perMinute))

	return &Controller{
		driver: driver,
		// Evenly spaced, no burst. The limiter is a runaway guard, not a
		// scheduler; settle delays dominate the pace in normal operation.
		limiter:      rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		typeInterval: cfg.TypeIntervalMs,
		clock:        clock,
		logger:       log,
	}, nil
}

func resolveDriver(backend string) (inputDriver, error) {
	switch backend {
	case "xdotool":
		return xdotoolDriver{}, nil
	case "cliclick":
		return cliclickDriver{}, nil
	case "", "auto":
		if runtime.GOOS == "darwin" {
			return cliclickDriver{}, nil
		}
		return xdotoolDriver{}, nil
	default:
		return nil, fmt.Errorf("unknown desktop backend %q, supported: [auto, xdotool, cliclick]", backend)
	}
}

// Click moves the pointer and presses the primary button.
func (c *Controller) Click(ctx context.Context, x, y int) error {
	if err := c.perform(ctx, c.driver.click(x, y)); err != nil {
		return err
	}
	c.clock.Sleep(ctx, clickSettle)
	return nil
}

// TypeText types at the current focus.
func (c *Controller) TypeText(ctx context.Context, text string) error {
	if err := c.perform(ctx, c.driver.typeText(text, c.typeInterval)); err != nil {
		return err
	}
	c.clock.Sleep(ctx, typeSettle)
	return nil
}

// Scroll scrolls at a position in the given direction.
func (c *Controller) Scroll(ctx context.Context, x, y int, direction agent.ScrollDirection, amount int) error {
	if err := c.perform(ctx, c.driver.scroll(x, y, direction, amount)); err != nil {
		return err
	}
	c.clock.Sleep(ctx, scrollSettle)
	return nil
}

// Drag presses at the start point and releases at the end point.
func (c *Controller) Drag(ctx context.Context, x1, y1, x2, y2 int) error {
	if err := c.perform(ctx, c.driver.drag(x1, y1, x2, y2)); err != nil {
		return err
	}
	c.clock.Sleep(ctx, dragSettle)
	return nil
}

// OpenApp launches an application by name. This is an OS concern rather than
// an input-driver concern, so it bypasses the driver.
func (c *Controller) OpenApp(ctx context.Context, name string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait interrupted: %w", err)
	}

	var err error
	switch runtime.GOOS {
	case "darwin":
		err = c.run(ctx, []string{"open", "-a", name})
	default:
		// No portable launcher exists on Linux; spawning the lowercased
		// binary name detached covers the common cases.
		cmd := exec.Command(strings.ToLower(name))
		if startErr := cmd.Start(); startErr != nil {
			err = fmt.Errorf("failed to launch %q: %w", name, startErr)
		} else {
			err = cmd.Process.Release()
		}
	}
	if err != nil {
		return err
	}

	c.logger.Info("Application launched", zap.String("app", name))
	c.clock.Sleep(ctx, openAppSettle)
	return nil
}

// OpenURL opens a URL in the default browser.
func (c *Controller) OpenURL(ctx context.Context, url string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait interrupted: %w", err)
	}

	opener := []string{"xdg-open", url}
	if runtime.GOOS == "darwin" {
		opener = []string{"open", url}
	}
	if err := c.run(ctx, opener); err != nil {
		return err
	}

	c.logger.Info("URL opened", zap.String("url", url))
	c.clock.Sleep(ctx, openURLSettle)
	return nil
}

// perform applies the rate guard and runs one driver-built command.
func (c *Controller) perform(ctx context.Context, argv []string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait interrupted: %w", err)
	}
	return c.run(ctx, argv)
}

func (c *Controller) run(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w. Output:\n%s", argv[0], err, string(output))
	}
	return nil
}

// -- xdotool backend (X11) --

type xdotoolDriver struct{}

func (xdotoolDriver) name() string { return "xdotool" }

func (xdotoolDriver) click(x, y int) []string {
	return []string{"xdotool", "mousemove", strconv.Itoa(x), strconv.Itoa(y), "click", "1"}
}

func (xdotoolDriver) typeText(text string, intervalMs int) []string {
	if intervalMs <= 0 {
		intervalMs = 12
	}
	return []string{"xdotool", "type", "--delay", strconv.Itoa(intervalMs), "--", text}
}

func (xdotoolDriver) scroll(x, y int, direction agent.ScrollDirection, amount int) []string {
	// Wheel up is button 4, wheel down is button 5.
	button := "5"
	if direction == agent.ScrollUp {
		button = "4"
	}
	return []string{"xdotool", "mousemove", strconv.Itoa(x), strconv.Itoa(y),
		"click", "--repeat", strconv.Itoa(amount), button}
}

func (xdotoolDriver) drag(x1, y1, x2, y2 int) []string {
	return []string{"xdotool", "mousemove", strconv.Itoa(x1), strconv.Itoa(y1),
		"mousedown", "1", "mousemove", "--sync", strconv.Itoa(x2), strconv.Itoa(y2), "mouseup", "1"}
}

// -- cliclick backend (macOS) --

type cliclickDriver struct{}

func (cliclickDriver) name() string { return "cliclick" }

func (cliclickDriver) click(x, y int) []string {
	return []string{"cliclick", fmt.Sprintf("c:%d,%d", x, y)}
}

func (cliclickDriver) typeText(text string, _ int) []string {
	// cliclick types the whole string in one command and has no per-key
	// delay option.
	return []string{"cliclick", "t:" + text}
}

func (cliclickDriver) scroll(x, y int, direction agent.ScrollDirection, _ int) []string {
	// cliclick has no wheel support; a page key at the target position is
	// the closest approximation.
	key := "page-down"
	if direction == agent.ScrollUp {
		key = "page-up"
	}
	return []string{"cliclick", fmt.Sprintf("m:%d,%d", x, y), "kp:" + key}
}

func (cliclickDriver) drag(x1, y1, x2, y2 int) []string {
	return []string{"cliclick", fmt.Sprintf("dd:%d,%d", x1, y1), "w:250", fmt.Sprintf("du:%d,%d", x2, y2)}
}
