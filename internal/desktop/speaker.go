// internal/desktop/speaker.go
package desktop

import (
	"context"
	"os/exec"
	"runtime"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/deskhand/internal/agent"
	"github.com/xkilldash9x/deskhand/internal/config"
)

// Speaker implements agent.SpeechSynthesizer by shelling out to a TTS
// command. The spoken transcript is always logged, so a missing or failing
// TTS engine degrades to text output instead of failing the action.
type Speaker struct {
	command []string
	logger  *zap.Logger
}

var _ agent.SpeechSynthesizer = (*Speaker)(nil)

// NewSpeaker resolves the TTS command for this platform.
func NewSpeaker(cfg config.DesktopConfig, logger *zap.Logger) *Speaker {
	command := cfg.SpeechCommand
	if len(command) == 0 {
		if runtime.GOOS == "darwin" {
			command = []string{"say", "{text}"}
		} else {
			command = []string{"espeak", "{text}"}
		}
	}
	return &Speaker{
		command: command,
		logger:  logger.Named("speech"),
	}
}

// Speak voices the message and logs the transcript. Audio failures are
// logged and swallowed; the transcript is the contract.
func (s *Speaker) Speak(ctx context.Context, message string) error {
	s.logger.Info("Speaking to user", zap.String("message", message))

	argv := renderSpeechCommand(s.command, message)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if output, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.logger.Warn("Speech synthesis failed, transcript only",
			zap.Error(err),
			zap.String("output", strings.TrimSpace(string(output))))
	}
	return nil
}

// renderSpeechCommand substitutes the message for the {text} placeholder, or
// appends it when the template has no placeholder.
func renderSpeechCommand(template []string, message string) []string {
	argv := make([]string, 0, len(template)+1)
	substituted := false
	for _, arg := range template {
		if strings.Contains(arg, "{text}") {
			arg = strings.ReplaceAll(arg, "{text}", message)
			substituted = true
		}
		argv = append(argv, arg)
	}
	if !substituted {
		argv = append(argv, message)
	}
	return argv
}
