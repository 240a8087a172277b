package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/dsoprea/go-logging"
	"github.com/jessevdk/go-flags"
	"github.com/spf13/afero"

	"github.com/dsoprea/go-fatfs"
	"github.com/dsoprea/go-fatfs/shell"
)

type rootParameters struct {
	All         bool   `short:"a" long:"all" description:"Traverse all directories"`
	ByteOffset  int64  `short:"b" long:"byte" description:"Dump the sector holding the given byte offset" default:"-1"`
	Cluster     int64  `short:"c" long:"cluster" description:"Dump the given cluster" default:"-1"`
	Directory   string `short:"d" long:"directory" description:"List the directory at the given path"`
	FatEntry    int64  `short:"f" long:"fat" description:"Print the FAT entry of the given cluster" default:"-1"`
	Interactive bool   `short:"i" long:"interactive" description:"Prompt the user to operate on the filesystem"`
	Output      string `short:"o" long:"output" description:"Send output to a file rather than stdout"`
	Quiet       bool   `short:"q" long:"quiet" description:"Suppress the informational detail"`
	ReadOnly    bool   `short:"r" long:"ro" description:"Read-only mode"`
	Upper       string `short:"u" long:"upper" description:"Convert a string through the up-case table"`
	Verbose     bool   `short:"v" long:"verbose" description:"Verbose mode"`

	Positional struct {
		Image string `positional-arg-name:"image" required:"true" description:"Filesystem image or block device"`
		File  string `positional-arg-name:"file" description:"Print the status of the file at this path"`
	} `positional-args:"true"`
}

var (
	rootArguments = new(rootParameters)
)

// splitFilePath separates a path into its containing directory and its
// final component.
func splitFilePath(path string) (dirPath, name string) {
	slash := strings.LastIndex(path, "/")
	if slash < 0 {
		return "/", path
	}

	return path[:slash+1], path[slash+1:]
}

func listDirectory(v *fatfs.Volume, clu uint32, out *os.File) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	ops := v.Ops()

	entries, missing, err := ops.Readdir(clu, 64)
	log.PanicIf(err)

	if missing > 0 {
		entries, _, err = ops.Readdir(clu, 64+missing)
		log.PanicIf(err)
	}

	for _, entry := range entries {
		fmt.Fprintf(out, "%s %10d %s %s\n",
			entry.Attributes.ModeString(),
			entry.DataLength,
			entry.MTime.Format("2006-01-02 15:04:05"),
			entry.Name)
	}

	return nil
}

func walkDirectories(v *fatfs.Volume, clu uint32, prefix string, out *os.File) (err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	ops := v.Ops()

	entries, missing, err := ops.Readdir(clu, 64)
	log.PanicIf(err)

	if missing > 0 {
		entries, _, err = ops.Readdir(clu, 64+missing)
		log.PanicIf(err)
	}

	for _, entry := range entries {
		path := prefix + "/" + entry.Name

		fmt.Fprintf(out, "%s\n", path)

		if entry.Attributes.IsDirectory() == true && entry.FirstCluster != clu {
			err := walkDirectories(v, entry.FirstCluster, path, out)
			log.PanicIf(err)
		}
	}

	return nil
}

func main() {
	defer func() {
		if state := recover(); state != nil {
			err := log.Wrap(state.(error))
			log.PrintError(err)
			os.Exit(-1)
		}
	}()

	p := flags.NewParser(rootArguments, flags.Default)

	_, err := p.Parse()
	if err != nil {
		os.Exit(1)
	}

	out := os.Stdout
	if rootArguments.Output != "" {
		f, err := os.Create(rootArguments.Output)
		log.PanicIf(err)

		defer f.Close()

		out = f
	}

	opts := fatfs.VolumeOptions{
		ReadOnly: rootArguments.ReadOnly,
		Quiet:    rootArguments.Quiet,
		Verbose:  rootArguments.Verbose,
		Output:   out,
	}

	fs := afero.NewOsFs()

	v, err := fatfs.OpenVolumePath(fs, rootArguments.Positional.Image, opts)
	log.PanicIf(err)

	defer v.Close()

	ops := v.Ops()

	if rootArguments.Quiet != true {
		err = ops.StatFs()
		log.PanicIf(err)

		err = ops.Info()
		log.PanicIf(err)
	}

	if rootArguments.Positional.File != "" {
		// Resolve the containing directory, then report the file itself.
		dirPath, name := splitFilePath(rootArguments.Positional.File)

		clu, err := ops.Lookup(v.RootCluster(), dirPath)
		log.PanicIf(err)

		err = ops.Stat(name, clu)
		log.PanicIf(err)
	}

	if rootArguments.Upper != "" {
		converted, err := ops.Convert(rootArguments.Upper)
		log.PanicIf(err)

		fmt.Fprintf(out, "Convert: %s -> %s\n", rootArguments.Upper, converted)
	}

	if rootArguments.Directory != "" {
		clu, err := ops.Lookup(v.RootCluster(), rootArguments.Directory)
		log.PanicIf(err)

		err = listDirectory(v, clu, out)
		log.PanicIf(err)
	}

	if rootArguments.All == true {
		err = walkDirectories(v, v.RootCluster(), "", out)
		log.PanicIf(err)
	}

	if rootArguments.Cluster >= 0 {
		err = v.PrintCluster(uint32(rootArguments.Cluster))
		log.PanicIf(err)
	}

	if rootArguments.ByteOffset >= 0 {
		err = v.PrintSector(uint32(rootArguments.ByteOffset) / v.SectorSize())
		log.PanicIf(err)
	}

	if rootArguments.FatEntry >= 0 {
		entry, err := ops.GetFatEntry(uint32(rootArguments.FatEntry))
		log.PanicIf(err)

		fmt.Fprintf(out, "Get: Cluster %d is FAT entry %08x\n", rootArguments.FatEntry, entry)
	}

	if rootArguments.Interactive == true {
		sh := shell.New(v, os.Stdin, out)

		err = sh.Run()
		log.PanicIf(err)
	}
}
