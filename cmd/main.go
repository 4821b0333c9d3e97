// Dev shell for a local tabula database: inspect tables, documents and
// jobs, schedule invocations, mint tokens.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ergochat/readline"
	"github.com/goccy/go-json"

	"github.com/drpcorg/tabula"
	"github.com/drpcorg/tabula/auth"
	"github.com/drpcorg/tabula/tables"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),

	readline.PcItem("tables"),
	readline.PcItem("declare"),
	readline.PcItem("drop"),

	readline.PcItem("get"),
	readline.PcItem("put"),
	readline.PcItem("patch"),
	readline.PcItem("del"),
	readline.PcItem("scan"),
	readline.PcItem("seek"),

	readline.PcItem("jobs"),
	readline.PcItem("schedule"),
	readline.PcItem("cron"),
	readline.PcItem("cancel"),

	readline.PcItem("token"),
	readline.PcItem("stats"),

	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

type shell struct {
	db  *tabula.DB
	who auth.Identity
	rl  *readline.Instance
}

func (sh *shell) open() (err error) {
	sh.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "◌ ",
		HistoryFile:     ".tabula_cmd_log.txt",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	sh.rl.CaptureExitSignal()
	return
}

func (sh *shell) loop() error {
	for {
		line, err := sh.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		cmd := args[0]
		if cmd == "exit" || cmd == "quit" {
			return nil
		}
		if err := sh.dispatch(cmd, args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, err.Error())
		}
	}
}

var errUsage = errors.New("bad arguments, see help")

func (sh *shell) dispatch(cmd string, args []string) error {
	ctx := context.Background()
	switch cmd {
	case "help":
		fmt.Println("tables | declare <json> | drop <table>")
		fmt.Println("get <table> <id> | put <table> [id] <json> | patch <table> <id> <ver> <json> | del <table> <id>")
		fmt.Println("scan <table> | seek <table> <field> <json-value>")
		fmt.Println("jobs | schedule <fn> <at-RFC3339> [json-args] | cron <fn> <spec...> | cancel <id>")
		fmt.Println("token <subject> | stats | exit")
		return nil
	case "tables":
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			for t, err := range tx.Tables() {
				if err != nil {
					return err
				}
				fmt.Println(t.Name)
			}
			return nil
		})
	case "declare":
		t := &tables.Table{}
		if err := json.Unmarshal([]byte(strings.Join(args, " ")), t); err != nil {
			return err
		}
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			return tx.CreateTable(t)
		})
	case "drop":
		if len(args) != 1 {
			return errUsage
		}
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			return tx.DropTable(args[0])
		})
	case "get":
		if len(args) != 2 {
			return errUsage
		}
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			doc, err := tx.Get(args[0], args[1])
			if err != nil {
				return err
			}
			return dump(doc)
		})
	case "put":
		if len(args) < 2 {
			return errUsage
		}
		id := ""
		rest := args[1:]
		if !strings.HasPrefix(rest[0], "{") {
			id, rest = rest[0], rest[1:]
		}
		val := tables.Value{}
		if err := json.Unmarshal([]byte(strings.Join(rest, " ")), &val); err != nil {
			return err
		}
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			doc, err := tx.Insert(args[0], id, val)
			if err != nil {
				return err
			}
			fmt.Println(doc.ID)
			return nil
		})
	case "patch":
		if len(args) < 4 {
			return errUsage
		}
		var ver uint64
		if _, err := fmt.Sscanf(args[2], "%d", &ver); err != nil {
			return errUsage
		}
		val := tables.Value{}
		if err := json.Unmarshal([]byte(strings.Join(args[3:], " ")), &val); err != nil {
			return err
		}
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			doc, err := tx.Patch(args[0], args[1], ver, val)
			if err != nil {
				return err
			}
			fmt.Printf("version %d\n", doc.Version)
			return nil
		})
	case "del":
		if len(args) != 2 {
			return errUsage
		}
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			return tx.Delete(args[0], args[1])
		})
	case "scan":
		if len(args) != 1 {
			return errUsage
		}
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			for doc, err := range tx.Scan(args[0]) {
				if err != nil {
					return err
				}
				if err := dump(doc); err != nil {
					return err
				}
			}
			return nil
		})
	case "seek":
		if len(args) != 3 {
			return errUsage
		}
		var value any
		if err := json.Unmarshal([]byte(args[2]), &value); err != nil {
			return err
		}
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			for id, err := range tx.Seek(args[0], args[1], value) {
				if err != nil {
					return err
				}
				fmt.Println(id)
			}
			return nil
		})
	case "jobs":
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			for doc, err := range tx.Scan("_jobs") {
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%v\t%v\n", doc.ID, doc.Value["state"], doc.Value["next_run"])
			}
			return nil
		})
	case "schedule":
		if len(args) < 2 {
			return errUsage
		}
		at, err := time.Parse(time.RFC3339, args[1])
		if err != nil {
			return err
		}
		jobArgs := tables.Value{}
		if len(args) > 2 {
			if err := json.Unmarshal([]byte(strings.Join(args[2:], " ")), &jobArgs); err != nil {
				return err
			}
		}
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			job, err := sh.db.Scheduler().ScheduleAt(tx, sh.who, args[0], jobArgs, at)
			if err != nil {
				return err
			}
			fmt.Println(job.ID)
			return nil
		})
	case "cron":
		if len(args) < 2 {
			return errUsage
		}
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			job, err := sh.db.Scheduler().ScheduleCron(tx, sh.who, args[0], nil, strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			fmt.Println(job.ID)
			return nil
		})
	case "cancel":
		if len(args) != 1 {
			return errUsage
		}
		return sh.db.Run(ctx, sh.who, func(tx *tabula.Tx) error {
			return sh.db.Scheduler().Cancel(tx, sh.who, args[0])
		})
	case "token":
		if len(args) != 1 {
			return errUsage
		}
		iv, ok := sh.db.Verifier().(*auth.InstanceVerifier)
		if !ok {
			return errors.New("custom verifier, cannot mint")
		}
		token, err := iv.Issue(args[0], nil, false, 24*time.Hour)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	case "stats":
		commits, conflicts := sh.db.Stats()
		fmt.Printf("commits %d, conflicts %d\n", commits, conflicts)
		return nil
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func dump(doc *tables.Document) error {
	data, err := json.Marshal(doc.Value)
	if err != nil {
		return err
	}
	fmt.Printf("%s\tv%d\t%s\n", doc.ID, doc.Version, string(data))
	return nil
}

func main() {
	dir := "tabula_dev"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	db, err := tabula.Open(dir, tabula.Options{})
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer db.Close()
	db.Scheduler().Start()

	sh := &shell{db: db, who: auth.Identity{Subject: "shell", Admin: true}}
	if err = sh.open(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer sh.rl.Close()
	if err = sh.loop(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
