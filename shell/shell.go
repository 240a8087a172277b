// Package shell implements the interactive front-end: a whitespace
// tokenizer, a PWD environment, and a command table dispatching to the
// filesystem operation table.
package shell

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dsoprea/go-logging"

	"github.com/dsoprea/go-fatfs"
)

type commandFunc func(sh *Shell, args []string) error

type command struct {
	name string
	fn   commandFunc
}

var commands = []command{
	{"ls", cmdLs},
	{"cd", cmdCd},
	{"cluster", cmdCluster},
	{"entry", cmdEntry},
	{"alloc", cmdAlloc},
	{"release", cmdRelease},
	{"fat", cmdFat},
	{"create", cmdCreate},
	{"remove", cmdRemove},
	{"trim", cmdTrim},
	{"fill", cmdFill},
	{"tail", cmdTail},
	{"stat", cmdStat},
	{"help", cmdHelp},
	{"exit", cmdExit},
}

// Shell drives one interactive session against an open volume.
type Shell struct {
	vol *fatfs.Volume
	in  io.Reader
	out io.Writer

	// cluster is the current directory.
	cluster uint32
	env     map[string]string

	done bool
}

// New returns a Shell rooted at the volume's root directory.
func New(vol *fatfs.Volume, in io.Reader, out io.Writer) *Shell {
	return &Shell{
		vol:     vol,
		in:      in,
		out:     out,
		cluster: vol.RootCluster(),
		env: map[string]string{
			"PWD": "/",
		},
	}
}

// Run reads and executes commands until exit or EOF.
func (sh *Shell) Run() (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	scanner := bufio.NewScanner(sh.in)

	for sh.done == false {
		fmt.Fprintf(sh.out, "%s> ", sh.env["PWD"])

		if scanner.Scan() == false {
			break
		}

		err := sh.Execute(strings.Fields(scanner.Text()))
		if err != nil {
			fmt.Fprintf(sh.out, "%s\n", err)
		}
	}

	return nil
}

// Execute dispatches one tokenized command line.
func (sh *Shell) Execute(tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}

	for _, c := range commands {
		if c.name == tokens[0] {
			return c.fn(sh, tokens[1:])
		}
	}

	return fmt.Errorf("%s: command not found", tokens[0])
}

// Pwd returns the current directory path.
func (sh *Shell) Pwd() string {
	return sh.env["PWD"]
}

// Cluster returns the current directory's cluster index.
func (sh *Shell) Cluster() uint32 {
	return sh.cluster
}

func parseIndex(arg string) (uint32, error) {
	n, err := strconv.ParseUint(arg, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid index '%s'", arg)
	}

	return uint32(n), nil
}

// cmdLs lists the current directory, growing the buffer when the first
// pass reports a shortfall.
func cmdLs(sh *Shell, args []string) error {
	ops := sh.vol.Ops()

	count := 64

	entries, missing, err := ops.Readdir(sh.cluster, count)
	if err != nil {
		return err
	}

	if missing > 0 {
		entries, _, err = ops.Readdir(sh.cluster, count+missing)
		if err != nil {
			return err
		}
	}

	for _, entry := range entries {
		fmt.Fprintf(sh.out, "%s %10d %s %s\n",
			entry.Attributes.ModeString(),
			entry.DataLength,
			entry.MTime.Format("2006-01-02 15:04:05"),
			entry.Name)
	}

	return nil
}

func cmdCd(sh *Shell, args []string) error {
	path := "/"
	if len(args) > 0 {
		path = args[0]
	}

	clu, err := sh.vol.Ops().Lookup(sh.cluster, path)
	if err != nil {
		return err
	}

	sh.cluster = clu

	switch {
	case strings.HasPrefix(path, "/"):
		sh.env["PWD"] = path
	case sh.env["PWD"] == "/":
		sh.env["PWD"] = "/" + path
	default:
		sh.env["PWD"] = sh.env["PWD"] + "/" + path
	}

	return nil
}

func cmdCluster(sh *Shell, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: cluster <index>")
	}

	clu, err := parseIndex(args[0])
	if err != nil {
		return err
	}

	return sh.vol.PrintCluster(clu)
}

func cmdEntry(sh *Shell, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: entry <index>")
	}

	n, err := parseIndex(args[0])
	if err != nil {
		return err
	}

	return sh.vol.Ops().PrintDentry(sh.cluster, int(n))
}

func cmdAlloc(sh *Shell, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: alloc <cluster>")
	}

	clu, err := parseIndex(args[0])
	if err != nil {
		return err
	}

	return sh.vol.Ops().Alloc(clu)
}

func cmdRelease(sh *Shell, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: release <cluster>")
	}

	clu, err := parseIndex(args[0])
	if err != nil {
		return err
	}

	return sh.vol.Ops().Release(clu)
}

// cmdFat gets or sets one FAT entry.
func cmdFat(sh *Shell, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: fat <cluster> [value]")
	}

	clu, err := parseIndex(args[0])
	if err != nil {
		return err
	}

	ops := sh.vol.Ops()

	if len(args) == 1 {
		entry, err := ops.GetFatEntry(clu)
		if err != nil {
			return err
		}

		fmt.Fprintf(sh.out, "Get: Cluster %d is FAT entry %08x\n", clu, entry)

		return nil
	}

	value, err := parseIndex(args[1])
	if err != nil {
		return err
	}

	err = ops.SetFatEntry(clu, value)
	if err != nil {
		return err
	}

	fmt.Fprintf(sh.out, "Set: Cluster %d is FAT entry %08x\n", clu, value)

	return nil
}

func cmdCreate(sh *Shell, args []string) error {
	opt := 0

	if len(args) > 0 && args[0] == "-d" {
		opt |= fatfs.CreateDirectory
		args = args[1:]
	}

	if len(args) < 1 {
		return fmt.Errorf("usage: create [-d] <name>")
	}

	return sh.vol.Ops().Create(args[0], sh.cluster, opt)
}

func cmdRemove(sh *Shell, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: remove <name>")
	}

	return sh.vol.Ops().Remove(args[0], sh.cluster, 0)
}

func cmdTrim(sh *Shell, args []string) error {
	return sh.vol.Ops().Trim(sh.cluster)
}

func cmdFill(sh *Shell, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: fill <count>")
	}

	count, err := parseIndex(args[0])
	if err != nil {
		return err
	}

	return sh.vol.Ops().Fill(sh.cluster, int(count))
}

func cmdTail(sh *Shell, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tail <name>")
	}

	return sh.vol.Ops().Contents(args[0], sh.cluster)
}

func cmdStat(sh *Shell, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: stat <name>")
	}

	return sh.vol.Ops().Stat(args[0], sh.cluster)
}

func cmdHelp(sh *Shell, args []string) error {
	fmt.Fprintf(sh.out, "ls                 list directory contents\n")
	fmt.Fprintf(sh.out, "cd [path]          change directory\n")
	fmt.Fprintf(sh.out, "cluster <index>    dump cluster\n")
	fmt.Fprintf(sh.out, "entry <index>      print directory entry\n")
	fmt.Fprintf(sh.out, "alloc <cluster>    allocate cluster\n")
	fmt.Fprintf(sh.out, "release <cluster>  release cluster\n")
	fmt.Fprintf(sh.out, "fat <clu> [value]  get/set FAT entry\n")
	fmt.Fprintf(sh.out, "create [-d] <name> create file or directory\n")
	fmt.Fprintf(sh.out, "remove <name>      remove file\n")
	fmt.Fprintf(sh.out, "trim               compact directory\n")
	fmt.Fprintf(sh.out, "fill <count>       fill directory with stub entries\n")
	fmt.Fprintf(sh.out, "tail <name>        print the last lines of a file\n")
	fmt.Fprintf(sh.out, "stat <name>        print the status of a file\n")
	fmt.Fprintf(sh.out, "help               show this help\n")
	fmt.Fprintf(sh.out, "exit               exit the shell\n")

	return nil
}

func cmdExit(sh *Shell, args []string) error {
	sh.done = true

	fmt.Fprintf(sh.out, "Goodbye!\n")

	return nil
}
