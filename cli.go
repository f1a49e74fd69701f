package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/session"
)

type verb int

const (
	verbRecord verb = iota
	verbReplay
)

type cliArgs struct {
	verb verb

	// record
	exe     string
	exeArgs []string

	// replay
	traceDir string

	checksumMode     session.ChecksumMode
	checksumAt       uint64
	dumpAt           uint64
	markStdio        bool
	useSyscallBuffer bool
	monitorAddr      string
	logLevel         logger.LoggingLevel
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `usage:
  %[1]s record <exe> [args...]
  %[1]s replay [trace-dir]

flags (before the verb):
  --dump-at=N                    dump tracee memory at global time N
  --checksum={none,syscall,all,N}  checksum memory at the given granularity
  --mark-stdio                   prefix replayed stdio with [rr tid time]
  --no-syscall-buffer            disable the in-tracee syscall buffer
  --monitor[=addr]               serve live status over websocket
  -v / -vv                       verbose / debug logging
`, os.Args[0])
	os.Exit(1)
}

func parseArgs(argv []string) cliArgs {
	args := cliArgs{
		useSyscallBuffer: true,
		logLevel:         logger.Levels.Info,
	}

	var positional []string
	for _, arg := range argv {
		if !strings.HasPrefix(arg, "-") || len(positional) > 0 {
			// everything after the exe belongs to the tracee
			positional = append(positional, arg)
			continue
		}
		switch {
		case arg == "-v":
			args.logLevel = logger.Levels.Verbose
		case arg == "-vv":
			args.logLevel = logger.Levels.Debug
		case arg == "--mark-stdio":
			args.markStdio = true
		case arg == "--no-syscall-buffer":
			args.useSyscallBuffer = false
		case arg == "--monitor":
			args.monitorAddr = "localhost:3496"
		case strings.HasPrefix(arg, "--monitor="):
			args.monitorAddr = strings.TrimPrefix(arg, "--monitor=")
		case strings.HasPrefix(arg, "--dump-at="):
			n, err := strconv.ParseUint(strings.TrimPrefix(arg, "--dump-at="), 10, 64)
			if err != nil {
				printUsage()
			}
			args.dumpAt = n
		case strings.HasPrefix(arg, "--checksum="):
			parseChecksumFlag(&args, strings.TrimPrefix(arg, "--checksum="))
		default:
			printUsage()
		}
	}

	if len(positional) == 0 {
		printUsage()
	}

	switch positional[0] {
	case "record":
		if len(positional) < 2 {
			printUsage()
		}
		args.verb = verbRecord
		args.exe = positional[1]
		args.exeArgs = positional[2:]
	case "replay":
		args.verb = verbReplay
		if len(positional) > 1 {
			args.traceDir = positional[1]
		}
	default:
		printUsage()
	}

	return args
}

func parseChecksumFlag(args *cliArgs, value string) {
	switch value {
	case "none":
		args.checksumMode = session.ChecksumNone
	case "syscall":
		args.checksumMode = session.ChecksumSyscall
	case "all":
		args.checksumMode = session.ChecksumAll
	default:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			printUsage()
		}
		args.checksumMode = session.ChecksumFrom
		args.checksumAt = n
	}
}
