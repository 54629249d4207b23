package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/dshills/guestdbg/internal/app"
	"github.com/dshills/guestdbg/internal/script"
)

const promptText = "dbg> "

// runPrompt reads Lua lines from the terminal until EOF, "exit" or a
// cancelled context. A line starting with "=" prints its expressions.
func runPrompt(ctx context.Context, application *app.Application, dbg script.Debugger) error {
	fd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("raw terminal: %w", err)
	}
	defer func() { _ = term.Restore(fd, oldState) }()

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, promptText)

	if w, h, err := term.GetSize(fd); err == nil {
		_ = t.SetSize(w, h)
	}

	// Raw mode needs the terminal's line translation for log output too.
	application.Logger().SetOutput(t)
	defer application.Logger().SetOutput(os.Stderr)

	state := script.NewState(dbg,
		script.WithOutput(t),
		script.WithLogger(application.Logger().WithComponent("script")),
		script.WithTimeout(0))
	defer state.Close()

	fmt.Fprintf(t, "attached to %s (server %s); type exit to quit\n",
		application.Config().Server.Address, application.Session().ServerVersion())

	for ctx.Err() == nil {
		line, err := t.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		code, ok := promptCode(line)
		if !ok {
			return nil
		}
		if code == "" {
			continue
		}
		if err := state.Run(ctx, "stdin", code); err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}
	}
	return nil
}

// promptCode turns an input line into Lua code. ok is false when the user
// asked to leave.
func promptCode(line string) (code string, ok bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == "exit" || line == "quit":
		return "", false
	case strings.HasPrefix(line, "="):
		return "print(" + strings.TrimSpace(line[1:]) + ")", true
	default:
		return line, true
	}
}
