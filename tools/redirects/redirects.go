package main

import (
	"bufio"
	"debug/elf"
	"encoding/binary"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

const redirectDirective = "//go:redirect-from"

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// modulePath returns the module path declared by the go.mod file at root.
func modulePath(root string) (string, error) {
	f, err := os.Open(filepath.Join(root, "go.mod"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}
	if err = scanner.Err(); err != nil {
		return "", errors.Wrap(err, "go.mod")
	}

	return "", errors.New("go.mod: missing module directive")
}

func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

// findRedirects scans goFiles for functions annotated with a
// go:redirect-from directive. Destination symbols are qualified with the
// import path of the package that contains them.
func findRedirects(modPath string, goFiles []string) ([]*redirect, error) {
	var redirects []*redirect

	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, errors.Wrap(err, goFile)
		}

		pkgPath := modPath + "/" + filepath.ToSlash(filepath.Dir(goFile))
		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil || fnDecl.Recv != nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.HasPrefix(comment.Text, redirectDirective) {
					continue
				}

				// build qualified name to fn
				fqName := pkgPath + "." + fnDecl.Name.Name

				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != redirectDirective {
					return nil, errors.Errorf("malformed go:redirect-from syntax for %q", fqName)
				}

				redirects = append(redirects, &redirect{
					src: fields[1],
					dst: fqName,
				})
			}
		}
	}

	return redirects, nil
}

func elfRedirectTableOffset(imgFile string) (uint64, error) {
	f, err := elf.Open(imgFile)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	redirectsSection := f.Section(".goredirectstbl")
	if redirectsSection == nil {
		return 0, errors.Errorf("%s: missing .goredirectstbl section", imgFile)
	}

	return redirectsSection.Offset, nil
}

// writeRedirectTable serializes the redirect table as pairs of little-endian
// source and destination addresses.
func writeRedirectTable(w io.Writer, redirects []*redirect) error {
	for _, redirect := range redirects {
		if err := binary.Write(w, binary.LittleEndian, [2]uint64{redirect.srcVMA, redirect.dstVMA}); err != nil {
			return errors.Wrapf(err, "writing redirect for %q", redirect.src)
		}
	}

	return nil
}

func elfWriteRedirectTable(redirects []*redirect, imgFile string) error {
	redirectTableOffset, err := elfRedirectTableOffset(imgFile)
	if err != nil {
		return err
	}

	// Open kernel image file and seek to table offset
	f, err := os.OpenFile(imgFile, os.O_WRONLY, os.ModeType)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.Seek(int64(redirectTableOffset), io.SeekStart); err != nil {
		return err
	}

	return writeRedirectTable(f, redirects)
}

// resolveRedirectSymbols fills in the addresses of the source and
// destination symbols of every redirect.
func resolveRedirectSymbols(redirects []*redirect, symbols []elf.Symbol) error {
	for _, redirect := range redirects {
		for _, symbol := range symbols {
			if symbol.Name == redirect.src {
				redirect.srcVMA = symbol.Value
			}
			if symbol.Name == redirect.dst {
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return errors.Errorf("could not locate address of %q", redirect.src)
		case redirect.dstVMA == 0:
			return errors.Errorf("could not locate address of %q", redirect.dst)
		}
	}

	return nil
}

func elfResolveRedirectSymbols(redirects []*redirect, imgFile string) error {
	f, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	defer f.Close()

	symbols, err := f.Symbols()
	if err != nil {
		return err
	}

	return errors.Wrap(resolveRedirectSymbols(redirects, symbols), imgFile)
}
