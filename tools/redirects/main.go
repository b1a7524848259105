// Command redirects patches the kernel image so that selected Go runtime
// functions jump to their kernel replacements. Replacements are marked with
// a go:redirect-from directive naming the runtime symbol they replace.
//
// Usage:
//
//	redirects count
//	redirects populate-table path/to/kernel.bin
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
	"github.com/pkg/errors"
)

func exit(err error) {
	prefix := "[redirects] error:"
	if isatty.IsTerminal(os.Stderr.Fd()) {
		prefix = ansi.Color(prefix, "red+b")
	}

	fmt.Fprintf(os.Stderr, "%s %s\n", prefix, err.Error())
	os.Exit(1)
}

func main() {
	flag.Parse()
	if matches, _ := filepath.Glob("kernel/"); len(matches) != 1 {
		exit(errors.New("this tool must be run from the kernel root folder"))
	}

	if len(flag.Args()) == 0 {
		exit(errors.New("missing command"))
	}

	cmd := flag.Arg(0)
	var imgFile string
	switch cmd {
	case "count":
	case "populate-table":
		if len(flag.Args()) != 2 {
			exit(errors.New("populate-table requires the path to the kernel image as an argument"))
		}
		imgFile = flag.Arg(1)
	default:
		exit(errors.Errorf("unknown command %q", cmd))
	}

	modPath, err := modulePath(".")
	if err != nil {
		exit(err)
	}

	goFiles, err := collectGoFiles("kernel")
	if err != nil {
		exit(err)
	}

	redirects, err := findRedirects(modPath, goFiles)
	if err != nil {
		exit(err)
	}

	if cmd == "count" {
		fmt.Printf("%d", len(redirects))
		return
	}

	if err = elfResolveRedirectSymbols(redirects, imgFile); err != nil {
		exit(err)
	}

	if err = elfWriteRedirectTable(redirects, imgFile); err != nil {
		exit(err)
	}
}
