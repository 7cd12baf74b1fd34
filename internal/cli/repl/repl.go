// Package repl runs apexctl commands, one-shot or interactively.
package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"apexhv/internal/cli/command"
	"apexhv/internal/cli/httpclient"
	apperrors "apexhv/pkg/errors"

	"github.com/google/shlex"
)

// Session holds REPL state.
type Session struct {
	client   *httpclient.Client
	commands map[string]command.Command
	rawJSON  bool
	out      io.Writer
}

func New(client *httpclient.Client, commands map[string]command.Command, rawJSON bool, out io.Writer) *Session {
	return &Session{
		client:   client,
		commands: commands,
		rawJSON:  rawJSON,
		out:      out,
	}
}

// Run reads commands from in until EOF or exit.
func (s *Session) Run(ctx context.Context, in io.Reader) {
	reader := bufio.NewReader(in)
	for {
		s.print("apexctl> ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if err != io.EOF {
				s.printLine("read input failed: %v", err)
			}
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			s.printLine("bye")
			return
		}
		if s.handleSystemCommand(line) {
			continue
		}
		tokens, perr := shlex.Split(line)
		if perr != nil {
			s.printLine("error: parse command failed: %v", perr)
			continue
		}
		if err := s.Exec(ctx, tokens); err != nil {
			s.printLine("error: %v", err)
		}
	}
}

func (s *Session) handleSystemCommand(line string) bool {
	if line == "help" {
		s.printHelp()
		return true
	}
	if strings.HasPrefix(line, "set ") {
		s.handleSet(strings.TrimSpace(strings.TrimPrefix(line, "set ")))
		return true
	}
	if line == "show config" {
		s.printLine("base: %s", s.client.BaseURL())
		s.printLine("timeout: %s", s.client.Timeout())
		s.printLine("json: %t", s.rawJSON)
		return true
	}
	return false
}

func (s *Session) handleSet(args string) {
	parts := strings.Fields(args)
	if len(parts) < 2 {
		s.printLine("usage: set base|timeout|json <value>")
		return
	}
	switch parts[0] {
	case "base":
		s.client.SetBaseURL(parts[1])
		s.printLine("base set to %s", s.client.BaseURL())
	case "timeout":
		dur, err := time.ParseDuration(parts[1])
		if err != nil {
			s.printLine("invalid duration: %v", err)
			return
		}
		s.client.SetTimeout(dur)
		s.printLine("timeout set to %s", dur)
	case "json":
		s.rawJSON = parts[1] == "on" || parts[1] == "true"
		s.printLine("json output %t", s.rawJSON)
	default:
		s.printLine("unknown set command")
	}
}

// Exec runs one command.
func (s *Session) Exec(ctx context.Context, tokens []string) error {
	cmd, args, err := command.Lookup(s.commands, tokens)
	if err != nil {
		return err
	}
	resp, err := s.client.Get(ctx, cmd.Path(args))
	if err != nil {
		return err
	}
	if cmd.Raw {
		if resp.StatusCode >= 300 {
			return apperrors.Newf(apperrors.NotFound, "HTTP %d from %s", resp.StatusCode, cmd.Path(args))
		}
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}
		s.print(command.FilterMetrics(string(resp.Body), prefix))
		return nil
	}
	env, err := httpclient.Decode(resp)
	if err != nil {
		return err
	}
	if s.rawJSON || cmd.Render == nil {
		var raw interface{}
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return apperrors.Wrap(err, apperrors.InternalError)
		}
		formatted, _ := json.MarshalIndent(raw, "", "  ")
		s.printLine("%s", formatted)
		return nil
	}
	return cmd.Render(s.out, env.Data)
}

func (s *Session) printHelp() {
	s.printLine("commands:")
	for _, usage := range command.Usages(s.commands) {
		s.printLine("  %s", usage)
	}
	s.printLine("system: help | exit | set base|timeout|json <value> | show config")
}

func (s *Session) print(text string) {
	_, _ = io.WriteString(s.out, text)
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.out, format+"\n", args...)
}
