// Package kopt extracts the kernel tunables from the boot command line.
package kopt

import (
	"copperos/kernel/kfmt"
	"copperos/kernel/smp"
	"copperos/multiboot"
	"strconv"
)

// Command line keys.
const (
	KeySliceMs       = "sched.slice_ms"
	KeyDebug         = "sched.debug"
	KeyForkPoolPages = "fork.pool_pages"
	KeyMaxCPUs       = "smp.max_cpus"
)

// Defaults used when a key is missing or its value is invalid.
const (
	DefaultSliceMs       = 10
	DefaultForkPoolPages = 64
	DefaultMaxCPUs       = smp.MaxCPUs

	maxSliceMs       = 1000
	maxForkPoolPages = 4096
)

// Options holds the boot-time kernel tunables.
type Options struct {
	// SliceMs is the scheduler time slice in milliseconds.
	SliceMs uint64

	// ForkPoolPages is the number of frames reserved for address space
	// copies.
	ForkPoolPages int

	// MaxCPUs caps the number of cores brought up by the kernel.
	MaxCPUs int

	// Debug enables verbose scheduler logging.
	Debug bool
}

var getBootCmdLineFn = multiboot.GetBootCmdLine

// Load parses the tunables from the multiboot command line. It allocates and
// must only be invoked after the Go allocator has been initialized.
func Load() Options {
	return Parse(getBootCmdLineFn())
}

// Parse builds an Options value from a set of command line key-value pairs.
// Invalid values are reported and replaced by their defaults.
func Parse(cmdLine map[string]string) Options {
	opts := Options{
		SliceMs:       DefaultSliceMs,
		ForkPoolPages: DefaultForkPoolPages,
		MaxCPUs:       DefaultMaxCPUs,
	}

	if v, ok := cmdLine[KeySliceMs]; ok {
		if n, valid := parseInt(KeySliceMs, v, 1, maxSliceMs); valid {
			opts.SliceMs = uint64(n)
		}
	}

	if v, ok := cmdLine[KeyForkPoolPages]; ok {
		if n, valid := parseInt(KeyForkPoolPages, v, 1, maxForkPoolPages); valid {
			opts.ForkPoolPages = n
		}
	}

	if v, ok := cmdLine[KeyMaxCPUs]; ok {
		if n, valid := parseInt(KeyMaxCPUs, v, 1, smp.MaxCPUs); valid {
			opts.MaxCPUs = n
		}
	}

	// A bare "sched.debug" is stored with the key as its value.
	if v, ok := cmdLine[KeyDebug]; ok {
		switch v {
		case KeyDebug:
			opts.Debug = true
		default:
			b, err := strconv.ParseBool(v)
			if err != nil {
				kfmt.Printf("[kopt] ignoring invalid value for %s: %s\n", KeyDebug, v)
				break
			}
			opts.Debug = b
		}
	}

	return opts
}

func parseInt(key, v string, min, max int) (int, bool) {
	n, err := strconv.Atoi(v)
	if err != nil || n < min || n > max {
		kfmt.Printf("[kopt] ignoring invalid value for %s: %s (valid range: %d-%d)\n", key, v, min, max)
		return 0, false
	}
	return n, true
}
