package cmd

import (
	"bufio"
	"errors"
	"io"
	"os"
	"strings"

	"credwrap/internal/errs"

	"github.com/chzyer/readline"
	"golang.org/x/term"
)

// PassphraseEnv names the environment variable read when no passphrase is
// piped on stdin.
const PassphraseEnv = "CREDWRAP_PASSPHRASE"

// readSecretLine reads a single line from r. The trailing newline is
// dropped; a final line without one is accepted.
func readSecretLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		if errors.Is(err, io.EOF) {
			return "", errs.E(errs.KindValidation, "cli.input", "no input on stdin")
		}
		return "", errs.Wrap(errs.KindIO, "cli.input", err, "reading stdin")
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errs.E(errs.KindValidation, "cli.input", "empty input on stdin")
	}
	return line, nil
}

// promptSecret asks for a secret on the terminal without echoing it.
func promptSecret(prompt string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", errs.E(errs.KindValidation, "cli.prompt", "stdin is not a terminal and no value was supplied; see --help for non-interactive input")
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		InterruptPrompt: "^C",
		Stdout:          os.Stderr,
	})
	if err != nil {
		return "", errs.Wrap(errs.KindIO, "cli.prompt", err, "opening terminal")
	}
	defer rl.Close()

	secret, err := rl.ReadPassword(prompt)
	if err != nil {
		if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
			return "", errs.E(errs.KindValidation, "cli.prompt", "input cancelled")
		}
		return "", errs.Wrap(errs.KindIO, "cli.prompt", err, "reading from terminal")
	}
	if len(secret) == 0 {
		return "", errs.E(errs.KindValidation, "cli.prompt", "empty input")
	}
	return string(secret), nil
}

// passphraseInput selects where a passphrase comes from: stdin when
// fromStdin is set, then PassphraseEnv, then an interactive prompt. A new
// passphrase is asked for twice.
type passphraseInput struct {
	stdin     io.Reader
	fromStdin bool
	confirm   bool
}

func (p passphraseInput) read() (string, error) {
	if p.fromStdin {
		return readSecretLine(p.stdin)
	}
	if v, ok := os.LookupEnv(PassphraseEnv); ok && v != "" {
		return v, nil
	}

	first, err := promptSecret("Passphrase: ")
	if err != nil {
		return "", err
	}
	if !p.confirm {
		return first, nil
	}
	second, err := promptSecret("Confirm passphrase: ")
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errs.E(errs.KindValidation, "cli.prompt", "passphrases do not match")
	}
	return first, nil
}
