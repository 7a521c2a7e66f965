//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/stealthrocket/pywatch"
)

func main() {
	log.Default().SetOutput(os.Stderr)
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: pywatch <replay|dump> [flags] <file.tach>")
	}

	switch args[0] {
	case "replay":
		return runReplay(args[1:])
	case "dump":
		return runDump(args[1:])
	default:
		return fmt.Errorf("unknown subcommand %q; usage: pywatch <replay|dump> [flags] <file.tach>", args[0])
	}
}

func runReplay(args []string) error {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	pprofOut := fs.String("pprof", "", "Write a pprof-format CPU profile built from the replayed samples to this path.")
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: pywatch replay [-pprof out.pb.gz] <file.tach>")
	}

	r, err := pywatch.OpenReader(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("opening %s: %w", fs.Arg(0), err)
	}
	defer r.Close()

	collector := pywatch.NewPprofCollector()
	if err := r.Replay(collector); err != nil {
		return fmt.Errorf("replaying %s: %w", fs.Arg(0), err)
	}

	if *pprofOut != "" {
		if err := pywatch.WriteProfile(*pprofOut, collector.Profile()); err != nil {
			return fmt.Errorf("writing profile: %w", err)
		}
	}
	return nil
}

func runDump(args []string) error {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		return fmt.Errorf("usage: pywatch dump <file.tach>")
	}

	r, err := pywatch.OpenReader(fs.Arg(0))
	if err != nil {
		return fmt.Errorf("opening %s: %w", fs.Arg(0), err)
	}
	defer r.Close()

	count := 0
	collector := pywatch.CollectorFunc(func(samples []pywatch.InterpreterInfo, timestamps []uint64) {
		for i, s := range samples {
			for _, th := range s.Threads {
				count++
				ts := uint64(0)
				if i < len(timestamps) {
					ts = timestamps[i]
				}
				fmt.Printf("t=%d interp=%d thread=%d status=%s frames=%d\n", ts, s.InterpreterID, th.ThreadID, th.Status, len(th.Frames))
			}
		}
	})
	if err := r.Replay(collector); err != nil {
		return fmt.Errorf("replaying %s: %w", fs.Arg(0), err)
	}
	fmt.Printf("%d samples\n", count)
	return nil
}
