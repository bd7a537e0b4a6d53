// Command capos boots the kernel on a hosted machine and runs one of the
// bundled demo systems.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"time"

	"capos/hosted"
)

func main() {
	var (
		cmdLine = flag.String("cmdline", "mem=4M", "kernel command line")
		demo    = flag.String("demo", "echo", "demo system to boot")
		timeout = flag.Duration("timeout", 10*time.Second, "stop the machine after this long")
		list    = flag.Bool("list", false, "list the demo systems and exit")
	)
	flag.Parse()

	if *list {
		names := make([]string, 0, len(demos))
		for name := range demos {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("%-8s %s\n", name, demos[name].descr)
		}
		return
	}

	d, ok := demos[*demo]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown demo %q (see -list)\n", *demo)
		os.Exit(2)
	}

	if err := run(*cmdLine, d, *timeout, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "\ncapos: %v\n", err)
		os.Exit(1)
	}
}

func run(cmdLine string, d demoSystem, timeout time.Duration, console io.Writer) error {
	m, err := hosted.NewMachine(hosted.Config{
		CmdLine:    cmdLine,
		Modules:    d.modules,
		Console:    console,
		ExitOnIdle: true,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return m.Run(ctx)
}
