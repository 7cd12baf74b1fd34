// Package command defines the apexctl commands and how their results print.
package command

import (
	"encoding/json"
	"io"
	"net/url"
	"sort"
	"strings"

	apperrors "apexhv/pkg/errors"
)

// Command binds a name to a status API path and a renderer.
type Command struct {
	Name  string
	Usage string
	// Args is the number of required positional arguments.
	Args int
	// Raw commands print the body as is instead of decoding the envelope.
	Raw    bool
	Path   func(args []string) string
	Render func(w io.Writer, data json.RawMessage) error
}

// Registry returns all commands keyed by name.
func Registry() map[string]Command {
	commands := []Command{
		{
			Name:   "health",
			Usage:  "health",
			Path:   fixed("/healthz"),
			Render: renderHealth,
		},
		{
			Name:   "partitions",
			Usage:  "partitions",
			Path:   fixed("/api/v1/partitions"),
			Render: renderOverview,
		},
		{
			Name:  "partition",
			Usage: "partition <name>",
			Args:  1,
			Path: func(args []string) string {
				return "/api/v1/partitions/" + url.PathEscape(args[0])
			},
			Render: renderPartition,
		},
		{
			Name:   "channels",
			Usage:  "channels",
			Path:   fixed("/api/v1/channels"),
			Render: renderChannels,
		},
		{
			Name:   "schedule",
			Usage:  "schedule",
			Path:   fixed("/api/v1/schedule"),
			Render: renderSchedule,
		},
		{
			Name:  "metrics",
			Usage: "metrics [prefix]",
			Raw:   true,
			Path:  fixed("/metrics"),
		},
	}
	out := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		out[cmd.Name] = cmd
	}
	return out
}

// Lookup resolves tokens to a command and its arguments.
func Lookup(commands map[string]Command, tokens []string) (Command, []string, error) {
	if len(tokens) == 0 {
		return Command{}, nil, apperrors.BadRequest("empty command")
	}
	cmd, ok := commands[tokens[0]]
	if !ok {
		return Command{}, nil, apperrors.Newf(apperrors.InvalidParams, "unknown command: %s", tokens[0])
	}
	args := tokens[1:]
	if len(args) < cmd.Args {
		return Command{}, nil, apperrors.Newf(apperrors.InvalidParams, "usage: %s", cmd.Usage)
	}
	return cmd, args, nil
}

// Usages lists every command usage line, sorted.
func Usages(commands map[string]Command) []string {
	out := make([]string, 0, len(commands))
	for _, cmd := range commands {
		out = append(out, cmd.Usage)
	}
	sort.Strings(out)
	return out
}

// FilterMetrics keeps exposition lines whose metric name starts with prefix.
// Comment lines for kept metrics are kept too.
func FilterMetrics(body, prefix string) string {
	if prefix == "" {
		return body
	}
	var b strings.Builder
	for _, line := range strings.Split(body, "\n") {
		name := line
		if strings.HasPrefix(line, "# ") {
			fields := strings.Fields(line)
			if len(fields) < 3 {
				continue
			}
			name = fields[2]
		}
		if strings.HasPrefix(name, prefix) {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func fixed(path string) func([]string) string {
	return func([]string) string { return path }
}
