// Package cli implements the interactive operator REPL: it tokenizes
// input and dispatches to session, batch, log and clear operations. It is
// glue around the session/server/batch core, not part of it; any
// equivalent driver could replace it.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/cyberinferno/go-utils/safemap"

	"awdshells/internal/batch"
	"awdshells/internal/idgen"
	"awdshells/internal/logger"
	"awdshells/internal/server"
	"awdshells/internal/session"
)

const prompt = "awdshells> "

// Driver runs the top-level operator REPL against a single server.
type Driver struct {
	srv *server.Server
	log logger.Logger
	in  io.Reader
	out io.Writer

	scanner *bufio.Scanner

	batches  *safemap.SafeMap[batch.ID, *batch.Batch]
	batchIDs *idgen.Generator
}

// New builds a Driver reading commands from in and writing output to out.
func New(srv *server.Server, log logger.Logger, in io.Reader, out io.Writer) *Driver {
	return &Driver{
		srv:      srv,
		log:      log,
		in:       in,
		out:      out,
		scanner:  bufio.NewScanner(in),
		batches:  safemap.NewSafeMap[batch.ID, *batch.Batch](),
		batchIDs: idgen.New(0),
	}
}

// Run reads and dispatches commands until the operator exits or input ends.
func (d *Driver) Run(ctx context.Context) {
	for {
		fmt.Fprint(d.out, prompt)

		line, ok := d.readLogicalLine()
		if !ok {
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if d.dispatch(ctx, line) {
			return
		}
	}
}

// readLogicalLine joins consecutive input lines ending in a trailing
// backslash into a single logical line.
func (d *Driver) readLogicalLine() (string, bool) {
	var sb strings.Builder
	for {
		if !d.scanner.Scan() {
			return sb.String(), sb.Len() > 0
		}

		text := d.scanner.Text()
		if strings.HasSuffix(text, `\`) {
			sb.WriteString(strings.TrimSuffix(text, `\`))
			sb.WriteString(" ")
			continue
		}

		sb.WriteString(text)
		return sb.String(), true
	}
}

// dispatch runs one command and reports whether the operator has exited.
func (d *Driver) dispatch(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	cmd := translateShortcut(fields[0])
	args := fields[1:]

	switch cmd {
	case "session":
		d.handleSession(ctx, args)
	case "batch":
		d.handleBatch(ctx, args)
	case "clear":
		d.handleClear(ctx, args)
	case "log":
		d.handleLog(args)
	case "exit":
		return d.handleExit()
	default:
		d.log.Warning("unknown command: %s", cmd)
	}

	return false
}

func translateShortcut(cmd string) string {
	switch cmd {
	case "s", "sess":
		return "session"
	case "b", "bat":
		return "batch"
	case "c", "clr":
		return "clear"
	case "l":
		return "log"
	default:
		return cmd
	}
}

func (d *Driver) handleSession(ctx context.Context, args []string) {
	if len(args) == 0 {
		d.log.Warning("usage: session -l [all] | -i <id> | -a <cmd...>")
		return
	}

	switch args[0] {
	case "-l":
		all := len(args) > 1 && args[1] == "all"
		d.listSessions(ctx, all)
	case "-i":
		if len(args) < 2 {
			d.log.Warning("usage: session -i <id>")
			return
		}
		id, err := parseSessionID(args[1])
		if err != nil {
			d.log.Warning("%v", err)
			return
		}
		d.interactSession(ctx, id)
	case "-a":
		if len(args) < 2 {
			d.log.Warning("usage: session -a <cmd...>")
			return
		}
		d.fanOutCommand(ctx, strings.Join(args[1:], " "))
	default:
		d.log.Warning("unknown session flag: %s", args[0])
	}
}

func (d *Driver) listSessions(ctx context.Context, all bool) {
	_ = d.srv.ForEach(ctx, !all, func(_ context.Context, sess *session.Session) error {
		fmt.Fprintf(d.out, "%d\t%s\talive=%v\techo=%v\n", sess.ID(), sess.RemoteAddr(), sess.IsAlive(), sess.IsEcho())
		return nil
	})
}

func (d *Driver) interactSession(ctx context.Context, id session.ID) {
	sess, ok := d.srv.Get(id)
	if !ok {
		d.log.Warning("no such session: %d", id)
		return
	}

	fmt.Fprintf(d.out, "entering session %d, type 'exit' to leave\n", id)
	sess.Interact(ctx, d.in, d.out)
}

func (d *Driver) fanOutCommand(ctx context.Context, command string) {
	_ = d.srv.ForEach(ctx, true, func(ctx context.Context, sess *session.Session) error {
		fmt.Fprintln(d.out, sess.Execute(ctx, command))
		return nil
	})
}

func (d *Driver) handleBatch(ctx context.Context, args []string) {
	if len(args) == 0 {
		d.log.Warning("usage: batch create | delete <id> | list | operate <id> | clear")
		return
	}

	switch args[0] {
	case "create":
		id := batch.ID(d.batchIDs.Next())
		d.batches.Store(id, batch.New(id, d.srv))
		d.log.Success("batch %d created", id)
	case "delete":
		if len(args) < 2 {
			d.log.Warning("usage: batch delete <id>")
			return
		}
		id, err := parseBatchID(args[1])
		if err != nil {
			d.log.Warning("%v", err)
			return
		}
		d.batches.Delete(id)
	case "list":
		d.batches.Range(func(id batch.ID, _ *batch.Batch) bool {
			fmt.Fprintln(d.out, id)
			return true
		})
	case "operate":
		if len(args) < 2 {
			d.log.Warning("usage: batch operate <id>")
			return
		}
		id, err := parseBatchID(args[1])
		if err != nil {
			d.log.Warning("%v", err)
			return
		}
		b, ok := d.batches.Get(id)
		if !ok {
			d.log.Warning("no such batch: %d", id)
			return
		}
		b.Operate(ctx, d.in, d.out)
	case "clear":
		d.batches = safemap.NewSafeMap[batch.ID, *batch.Batch]()
	default:
		d.log.Warning("unknown batch subcommand: %s", args[0])
	}
}

// handleClear evicts dead sessions from the registry. With "-a" it probes
// every alive session with a throwaway command first, picking up deaths
// that haven't surfaced through ordinary use yet.
func (d *Driver) handleClear(ctx context.Context, args []string) {
	probe := len(args) > 0 && args[0] == "-a"

	var mu sync.Mutex
	var dead []session.ID
	_ = d.srv.ForEach(ctx, false, func(ctx context.Context, sess *session.Session) error {
		if probe && sess.IsAlive() {
			sess.Execute(ctx, "echo awdshells-probe")
		}
		if !sess.IsAlive() {
			mu.Lock()
			dead = append(dead, sess.ID())
			mu.Unlock()
		}
		return nil
	})

	for _, id := range dead {
		d.srv.Remove(id)
	}

	d.log.Message("cleared %d dead session(s)", len(dead))
}

func (d *Driver) handleLog(args []string) {
	if len(args) != 1 {
		d.log.Warning("usage: log <level>")
		return
	}

	level, err := logger.ParseLevel(args[0])
	if err != nil {
		d.log.Warning("%v", err)
		return
	}

	d.log.SetLevel(level)
}

func (d *Driver) handleExit() bool {
	if d.srv.Count() == 0 {
		return true
	}

	fmt.Fprint(d.out, "sessions are still active, exit anyway? (y/n) ")
	if !d.scanner.Scan() {
		return true
	}

	answer := strings.ToLower(strings.TrimSpace(d.scanner.Text()))
	return answer == "y"
}

func parseSessionID(s string) (session.ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q: %w", s, err)
	}
	return session.ID(n), nil
}

func parseBatchID(s string) (batch.ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid batch id %q: %w", s, err)
	}
	return batch.ID(n), nil
}
