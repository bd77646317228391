// Package batch implements the operator-defined, named subset of sessions
// driven as a unit: fan-out execute, file upload, and a nested REPL.
package batch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/cyberinferno/go-utils/safeset"
	"golang.org/x/sync/errgroup"

	"awdshells/internal/server"
	"awdshells/internal/session"
)

// ID uniquely identifies a Batch, in a namespace disjoint from session.ID.
type ID uint64

// uploadSliceSize is the number of hex-escaped characters sent per append
// command. It must be a multiple of 4 so a slice boundary never splits a
// single \xHH escape; 512 satisfies that.
const uploadSliceSize = 512

// Summary is a snapshot of one batch member resolved against the server.
type Summary struct {
	ID     session.ID
	Remote string
	Alive  bool
	Echo   bool
}

// Result is one member's response to a fanned-out command.
type Result struct {
	ID     session.ID
	Output string
}

// Batch owns a set of session IDs. It does not own the sessions themselves:
// membership is a weak reference, resolved against the server each time the
// batch is used. A session removed from the server silently disappears from
// any batch that referenced it.
type Batch struct {
	id      ID
	srv     *server.Server
	members *safeset.SafeSet[session.ID]
}

// New creates an empty Batch bound to srv for member resolution.
func New(id ID, srv *server.Server) *Batch {
	return &Batch{
		id:      id,
		srv:     srv,
		members: safeset.NewSafeSet[session.ID](),
	}
}

// ID returns the batch's identifier.
func (b *Batch) ID() ID { return b.id }

// Add inserts id into the batch's membership set. Adding an id already
// present is a no-op.
func (b *Batch) Add(id session.ID) {
	b.members.Add(id)
}

// Remove deletes id from the batch's membership set, regardless of whether
// the server still has a session by that id.
func (b *Batch) Remove(id session.ID) {
	b.members.Remove(id)
}

// List resolves every member against the server and returns a summary for
// each one still present. Members the server no longer recognizes are
// silently skipped.
func (b *Batch) List() []Summary {
	var ids []session.ID
	b.members.Range(func(id session.ID) bool {
		ids = append(ids, id)
		return true
	})

	summaries := make([]Summary, 0, len(ids))
	for _, id := range ids {
		sess, ok := b.srv.Get(id)
		if !ok {
			continue
		}
		summaries = append(summaries, Summary{
			ID:     id,
			Remote: sess.RemoteAddr().String(),
			Alive:  sess.IsAlive(),
			Echo:   sess.IsEcho(),
		})
	}

	return summaries
}

// Execute fans command out to every member that currently resolves to an
// alive session and collects each one's output. Members that no longer
// resolve, or resolve to a dead session, are silently skipped.
func (b *Batch) Execute(ctx context.Context, command string) []Result {
	var ids []session.ID
	b.members.Range(func(id session.ID) bool {
		ids = append(ids, id)
		return true
	})

	var mu sync.Mutex
	var results []Result
	var g errgroup.Group

	for _, id := range ids {
		sess, ok := b.srv.Get(id)
		if !ok || !sess.IsAlive() {
			continue
		}

		id, sess := id, sess
		g.Go(func() error {
			out := sess.Execute(ctx, command)
			mu.Lock()
			results = append(results, Result{ID: id, Output: out})
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// Upload reads localPath, hex-escapes its bytes, and appends the escape
// stream to remoteName on every member session in uploadSliceSize-character
// slices, preceded by a truncation of the target. Members that no longer
// resolve against the server are silently skipped; ordering within a
// session is sequential, ordering across sessions is independent.
func (b *Batch) Upload(ctx context.Context, localPath, remoteName string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("batch: read %s: %w", localPath, err)
	}

	encoded := hexEscape(data)

	var ids []session.ID
	b.members.Range(func(id session.ID) bool {
		ids = append(ids, id)
		return true
	})

	var g errgroup.Group
	for _, id := range ids {
		sess, ok := b.srv.Get(id)
		if !ok {
			continue
		}

		g.Go(func() error {
			uploadToSession(ctx, sess, remoteName, encoded)
			return nil
		})
	}

	return g.Wait()
}

func uploadToSession(ctx context.Context, sess *session.Session, remoteName, encoded string) {
	sess.Execute(ctx, fmt.Sprintf(`echo -ne "" > %s`, remoteName))

	for i := 0; i < len(encoded); i += uploadSliceSize {
		end := i + uploadSliceSize
		if end > len(encoded) {
			end = len(encoded)
		}
		sess.Execute(ctx, fmt.Sprintf(`echo -ne "%s" >> %s`, encoded[i:end], remoteName))
	}
}

// hexEscape renders data as a lowercase \xHH-per-byte string.
func hexEscape(data []byte) string {
	var sb strings.Builder
	sb.Grow(len(data) * 4)
	for _, c := range data {
		fmt.Fprintf(&sb, `\x%02x`, c)
	}
	return sb.String()
}

// Operate runs the batch's nested REPL against in/out: add <id>, remove
// <id>, list, upload <path> <name>, execute <args...>, exit.
func (b *Batch) Operate(ctx context.Context, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	fmt.Fprint(out, "batch> ")

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			fmt.Fprint(out, "batch> ")
			continue
		}

		fields := strings.Fields(line)
		cmd, args := fields[0], fields[1:]

		switch cmd {
		case "add":
			b.handleAdd(args, out)
		case "remove":
			b.handleRemove(args, out)
		case "list":
			b.handleList(out)
		case "upload":
			b.handleUpload(ctx, args, out)
		case "execute":
			b.handleExecute(ctx, args, out)
		case "exit":
			return
		default:
			fmt.Fprintln(out, "unknown batch command:", cmd)
		}

		fmt.Fprint(out, "batch> ")
	}
}

func (b *Batch) handleAdd(args []string, out io.Writer) {
	id, err := parseSessionID(args)
	if err != nil {
		fmt.Fprintln(out, "usage: add <id>")
		return
	}
	b.Add(id)
}

func (b *Batch) handleRemove(args []string, out io.Writer) {
	id, err := parseSessionID(args)
	if err != nil {
		fmt.Fprintln(out, "usage: remove <id>")
		return
	}
	b.Remove(id)
}

func (b *Batch) handleList(out io.Writer) {
	for _, sum := range b.List() {
		fmt.Fprintf(out, "%d\t%s\talive=%v\techo=%v\n", sum.ID, sum.Remote, sum.Alive, sum.Echo)
	}
}

func (b *Batch) handleUpload(ctx context.Context, args []string, out io.Writer) {
	if len(args) != 2 {
		fmt.Fprintln(out, "usage: upload <path> <name>")
		return
	}
	if err := b.Upload(ctx, args[0], args[1]); err != nil {
		fmt.Fprintln(out, "upload failed:", err)
	}
}

func (b *Batch) handleExecute(ctx context.Context, args []string, out io.Writer) {
	if len(args) == 0 {
		fmt.Fprintln(out, "usage: execute <command...>")
		return
	}
	for _, res := range b.Execute(ctx, strings.Join(args, " ")) {
		fmt.Fprintf(out, "[%d] %s\n", res.ID, res.Output)
	}
}

func parseSessionID(args []string) (session.ID, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected exactly one id argument")
	}
	n, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid session id %q: %w", args[0], err)
	}
	return session.ID(n), nil
}
