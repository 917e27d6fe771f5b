package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sushant-115/gxactdb/core/engine"
	"github.com/sushant-115/gxactdb/core/transaction"
	"github.com/sushant-115/gxactdb/core/twophase"
)

var (
	errQuit          = errors.New("quit")
	errNoSession     = errors.New("not connected, use \\connect <user> <database>")
	errUnknownSyntax = errors.New("unknown command, type \\help for a list of commands")
)

const helpText = `Commands:
  \connect <user> <database> [superuser] [execute]
  BEGIN
  SAVEPOINT
  RELEASE SAVEPOINT
  ROLLBACK TO SAVEPOINT
  ROLLBACK
  PREPARE TRANSACTION '<gid>'
  COMMIT PREPARED '<gid>'
  ROLLBACK PREPARED '<gid>'
  SELECT * FROM pg_prepared_xacts
  CHECKPOINT
  \intent '<gid>'        add an append-only commit intent
  \intent_done '<gid>'   remove an append-only commit intent
  \gxacts                show every slot of the prepared transaction pool
  \help
  \q`

// shell runs one interactive session against an open engine.
type shell struct {
	eng  *engine.Engine
	out  io.Writer
	sess *transaction.Session
}

func newShell(eng *engine.Engine, out io.Writer) *shell {
	return &shell{eng: eng, out: out}
}

func (sh *shell) prompt() string {
	if sh.sess == nil {
		return "gxactdb=> "
	}
	if sh.sess.State() == transaction.TxnStateRunning {
		return fmt.Sprintf("gxactdb[%d]*> ", sh.sess.Xid())
	}
	return "gxactdb> "
}

func (sh *shell) close() {
	if sh.sess != nil {
		sh.sess.Close()
		sh.sess = nil
	}
}

// exec runs one line. It returns errQuit when the user asks to leave.
func (sh *shell) exec(ctx context.Context, line string) error {
	line = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(line), ";"))
	if line == "" {
		return nil
	}
	fields := strings.Fields(line)
	keyword := strings.ToUpper(strings.Join(fields, " "))

	switch {
	case fields[0] == `\q` || keyword == "EXIT" || keyword == "QUIT":
		return errQuit
	case fields[0] == `\help` || fields[0] == `\?`:
		fmt.Fprintln(sh.out, helpText)
		return nil
	case fields[0] == `\connect` || fields[0] == `\c`:
		return sh.connect(fields[1:])
	case fields[0] == `\gxacts`:
		sh.printGxacts()
		return nil
	case keyword == "CHECKPOINT":
		res, err := sh.eng.Checkpoint(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "CHECKPOINT at %d (redo %d, %d prepared)\n", res.LSN, res.Redo, res.Prepared)
		return nil
	case keyword == "SELECT * FROM PG_PREPARED_XACTS":
		sh.printPrepared()
		return nil
	}

	if sh.sess == nil {
		return errNoSession
	}
	coord := sh.eng.Coordinator()

	switch {
	case fields[0] == `\intent` && len(fields) == 2:
		return coord.PrepareIntentAppendOnlyCommitWork(unquote(fields[1]))
	case fields[0] == `\intent_done` && len(fields) == 2:
		return coord.PrepareDecrAppendOnlyCommitWork(unquote(fields[1]))
	case keyword == "BEGIN" || keyword == "START TRANSACTION":
		xid, err := sh.sess.Begin()
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "BEGIN %d\n", xid)
	case keyword == "SAVEPOINT" || strings.HasPrefix(keyword, "SAVEPOINT "):
		xid, err := sh.sess.BeginSubtransaction()
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "SAVEPOINT %d\n", xid)
	case strings.HasPrefix(keyword, "RELEASE"):
		if err := sh.sess.ReleaseSubtransaction(); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "RELEASE")
	case strings.HasPrefix(keyword, "ROLLBACK TO"):
		if err := sh.sess.RollbackSubtransaction(); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "ROLLBACK")
	case keyword == "ROLLBACK" || keyword == "ABORT":
		sh.sess.Abort()
		fmt.Fprintln(sh.out, "ROLLBACK")
	case strings.HasPrefix(keyword, "PREPARE TRANSACTION ") && len(fields) == 3:
		g, err := coord.PrepareTransaction(ctx, sh.sess, unquote(fields[2]))
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "PREPARE TRANSACTION %d\n", g.Xid())
	case strings.HasPrefix(keyword, "COMMIT PREPARED ") && len(fields) == 3:
		if _, err := coord.FinishPrepared(ctx, sh.sess, unquote(fields[2]), true, true); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "COMMIT PREPARED")
	case strings.HasPrefix(keyword, "ROLLBACK PREPARED ") && len(fields) == 3:
		if _, err := coord.FinishPrepared(ctx, sh.sess, unquote(fields[2]), false, true); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "ROLLBACK PREPARED")
	default:
		return errUnknownSyntax
	}
	return nil
}

func (sh *shell) connect(args []string) error {
	if len(args) < 2 {
		return errors.New(`usage: \connect <user> <database> [superuser] [execute]`)
	}
	user, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid user id %q: %w", args[0], err)
	}
	db, err := strconv.ParseUint(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("invalid database id %q: %w", args[1], err)
	}
	var opts []transaction.SessionOption
	for _, flag := range args[2:] {
		switch strings.ToLower(flag) {
		case "superuser":
			opts = append(opts, transaction.WithSuperuser())
		case "execute":
			opts = append(opts, transaction.WithRole(transaction.RoleExecute))
		default:
			return fmt.Errorf("unknown session option %q", flag)
		}
	}
	sess, err := sh.eng.Connect(uint32(user), uint32(db), opts...)
	if err != nil {
		return err
	}
	sh.close()
	sh.sess = sess
	fmt.Fprintf(sh.out, "connected as user %d to database %d (session %s, backend %d)\n",
		user, db, sess.ID, sess.BackendID)
	return nil
}

func (sh *shell) printPrepared() {
	rows := sh.eng.Coordinator().PreparedTransactions()
	w := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "transaction\tgid\tprepared\towner\tdatabase")
	for _, r := range rows {
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n", r.Xid, r.Gid, r.PreparedAt.Format(time.RFC3339Nano), r.OwnerOid, r.DatabaseOid)
	}
	w.Flush()
	fmt.Fprintf(sh.out, "(%d rows)\n", len(rows))
}

func (sh *shell) printGxacts() {
	w := tabwriter.NewWriter(sh.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "backend\tstate\txid\tgid\tintents")
	for _, info := range sh.eng.Coordinator().Snapshot() {
		if info.State == twophase.StateFree {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%d\n", info.DummyBackendID, info.State, info.Xid, info.Gid, info.AppendOnlyIntentCount)
	}
	w.Flush()
}

func unquote(s string) string {
	return strings.Trim(s, `'"`)
}
