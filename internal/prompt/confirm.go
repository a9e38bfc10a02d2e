// Package prompt asks the terminal user yes/no questions.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

type Confirmer struct {
	In            io.Reader
	Out           io.Writer
	IsInteractive func() bool
}

func DefaultConfirmer() Confirmer {
	return Confirmer{
		In:            os.Stdin,
		Out:           os.Stderr,
		IsInteractive: func() bool { return term.IsTerminal(int(os.Stdin.Fd())) },
	}
}

// Confirm asks question and reports whether the answer was yes. force skips
// the question; flag names the option that does so in the non-interactive
// error.
func (c Confirmer) Confirm(question, flag string, force bool) (bool, error) {
	if force {
		return true, nil
	}
	if c.IsInteractive == nil || !c.IsInteractive() {
		return false, fmt.Errorf("non-interactive stdin: use %s to proceed", flag)
	}
	if c.Out != nil {
		fmt.Fprintf(c.Out, "%s (y/n): ", question)
	}
	response, err := bufio.NewReader(c.In).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	response = strings.ToLower(strings.TrimSpace(response))
	return response == "y" || response == "yes", nil
}

// ConfirmOverwrite asks before replacing an existing translation file.
func (c Confirmer) ConfirmOverwrite(path string, force bool) (bool, error) {
	return c.Confirm(fmt.Sprintf("Warning: Output file %s already exists. Overwrite?", path), "-y", force)
}

// ConfirmPurge asks before deleting a stored session.
func (c Confirmer) ConfirmPurge(id string, force bool) (bool, error) {
	return c.Confirm(fmt.Sprintf("Delete session %s and all of its chunk results?", id), "--yes", force)
}
