package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// execSynth runs one synthesizer process per sentence, piper style:
// `<command> --model <path> --output_file -` with the text on stdin and WAV
// on stdout.
type execSynth struct {
	cmd     []string
	timeout time.Duration
}

func NewExecSynth(command string, timeout time.Duration) (Synthesizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("tts command empty")
	}
	return &execSynth{cmd: args, timeout: timeout}, nil
}

func (e *execSynth) Synthesize(ctx context.Context, req SynthRequest) (Audio, error) {
	if strings.TrimSpace(req.Text) == "" {
		return Audio{}, fmt.Errorf("%w: empty text", ErrSynthesisFailed)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	base := e.cmd[0]
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "--model", req.ModelPath, "--output_file", "-")

	cmd := exec.CommandContext(ctx, base, args...)
	cmd.Stdin = strings.NewReader(req.Text)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// A killed synthesizer may leave children holding stdout open.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Audio{}, fmt.Errorf("%w: timed out after %s", ErrSynthesisFailed, e.timeout)
		}
		if ctx.Err() != nil {
			return Audio{}, ctx.Err()
		}
		return Audio{}, fmt.Errorf("%w: %v: %s", ErrSynthesisFailed, err, strings.TrimSpace(stderr.String()))
	}

	audio, err := DecodeWAV(stdout.Bytes())
	if err != nil {
		return Audio{}, fmt.Errorf("%w: %v", ErrSynthesisFailed, err)
	}
	return audio, nil
}
