package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/mihkeltiks/rec-replay/logger"
	"github.com/mihkeltiks/rec-replay/monitor"
	"github.com/mihkeltiks/rec-replay/session"
	"github.com/mihkeltiks/rec-replay/trace"
)

// exit code for an incompatible trace (EX_DATAERR)
const exitDataErr = 65

func main() {
	// ptrace calls depend on per-thread state
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	args := parseArgs(os.Args[1:])

	logger.SetMaxLogLevel(args.logLevel)

	config := session.Config{
		ChecksumMode:     args.checksumMode,
		ChecksumAt:       args.checksumAt,
		DumpAt:           args.dumpAt,
		MarkStdio:        args.markStdio,
		UseSyscallBuffer: args.useSyscallBuffer,
	}

	if args.monitorAddr != "" {
		m := &monitor.Monitor{}
		go m.Serve(args.monitorAddr)
		config.MonitorSink = m
		logger.SetRemoteSink(func(level logger.LoggingLevel, message string) {
			m.PushStatus(map[string]interface{}{"log": message, "level": int(level)})
		})
	}

	switch args.verb {
	case verbRecord:
		record(args, config)
	case verbReplay:
		replay(args, config)
	}
}

func record(args cliArgs, config session.Config) {
	recorder, err := session.NewRecorder(args.exe, args.exeArgs, config)
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
	if err := recorder.Record(); err != nil {
		logger.Error("recording failed: %v", err)
		os.Exit(1)
	}
}

func replay(args cliArgs, config session.Config) {
	replayer, err := session.NewReplayer(args.traceDir, config)
	if errors.Is(err, trace.ErrVersionMismatch) {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(exitDataErr)
	}
	if err != nil {
		logger.Error("%v", err)
		os.Exit(1)
	}
	if err := replayer.Replay(); err != nil {
		logger.Error("replay failed: %v", err)
		os.Exit(1)
	}
}
