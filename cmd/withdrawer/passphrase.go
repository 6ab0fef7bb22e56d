package main

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// passphraseEnv supplies the passphrase for unattended starts
const passphraseEnv = "WITHDRAWER_PASSPHRASE"

// stdin is shared by every prompt, a reader per prompt would lose the
// lines it buffered
var stdin = bufio.NewReader(os.Stdin)

var (
	errEmptyInput         = errors.New("input cannot be empty")
	errPassphraseMismatch = errors.New("passphrases do not match")
)

// readPassphrase returns the passphrase from the environment, otherwise
// prompts for it without echo. confirm asks for it twice.
func readPassphrase(label string, confirm bool) ([]byte, error) {
	if p, ok := os.LookupEnv(passphraseEnv); ok && p != "" {
		return []byte(p), nil
	}
	p, err := prompt(label)
	if err != nil || !confirm {
		return p, err
	}
	again, err := prompt("Confirm " + label)
	if err != nil {
		clear(p)
		return nil, err
	}
	defer clear(again)
	if !bytes.Equal(p, again) {
		clear(p)
		return nil, errPassphraseMismatch
	}
	return p, nil
}

// prompt reads a line from stdin, without echo when stdin is a terminal
func prompt(label string) ([]byte, error) {
	fmt.Fprint(os.Stderr, label)
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(stdin)
	}
	in, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if len(in) == 0 {
		return nil, errEmptyInput
	}
	return in, nil
}

// readLine reads one line from r. A final line without a newline is accepted.
func readLine(r *bufio.Reader) ([]byte, error) {
	in, err := r.ReadBytes('\n')
	if errors.Is(err, io.EOF) && len(in) > 0 {
		err = nil
	}
	if err != nil {
		return nil, err
	}
	in = bytes.TrimRight(in, "\r\n")
	if len(in) == 0 {
		return nil, errEmptyInput
	}
	return in, nil
}
