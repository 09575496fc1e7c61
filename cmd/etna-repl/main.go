// Command etna-repl is an interactive client for the framed event link. It
// dials the runtime, sends lines as scripts, and prints whatever comes back:
// script output, errors, completion notices, pong and stats replies.
//
// Commands start with a colon; anything else is submitted for execution.
// Multi-line scripts are entered by ending a line with a backslash.
package main

import (
	"flag"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fxamacker/cbor/v2"

	"github.com/seantiz/etna/internal/agent"
	"github.com/seantiz/etna/internal/config"
	"github.com/seantiz/etna/internal/protocol"
)

const fileChunkSize = 1024

func main() {
	addr := flag.String("addr", "localhost:9000", "address of the event link")
	historyFile := flag.String("history", "", "history file path (default: ~/.etna_history)")
	flag.Parse()

	if *historyFile == "" {
		home, _ := os.UserHomeDir()
		*historyFile = filepath.Join(home, ".etna_history")
	}

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to %s: %v\n", *addr, err)
		os.Exit(1)
	}
	defer conn.Close()

	logger := config.NewLogger(os.Stderr, slog.LevelWarn)
	codec := protocol.New(protocol.Header{SenderID: 2, ReceiverID: 1}, func(frame []byte) error {
		_, err := conn.Write(frame)
		return err
	}, logger)

	codec.On(agent.EventPrint, func(payload []byte) {
		fmt.Println(string(payload))
	})
	codec.On(agent.EventError, func(payload []byte) {
		fmt.Fprintf(os.Stderr, "Error: %s\n", payload)
	})
	codec.On(agent.EventStop, func(payload []byte) {
		fmt.Printf("-- run %s finished\n", payload)
	})
	codec.On(agent.EventPong, func(payload []byte) {
		fmt.Println("pong")
	})
	codec.On(agent.EventStats, printStats)
	codec.On(agent.EventFileAck, func(payload []byte) {
		fmt.Printf("-- file %s stored\n", payload)
	})
	codec.On(agent.EventFileErr, func(payload []byte) {
		fmt.Fprintf(os.Stderr, "File error: %s\n", payload)
	})

	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		buf := make([]byte, 4096)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				codec.Feed(buf[:n])
			}
			if err != nil {
				return
			}
		}
	}()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       *historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Fprintf(os.Stderr, "etna repl connected to %s (type :help for commands, Ctrl+D to exit)\n", *addr)

	var multiLine strings.Builder
	inMultiLine := false

	for {
		select {
		case <-disconnected:
			fmt.Fprintln(os.Stderr, "Connection closed by runtime")
			return
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if err == io.EOF {
				fmt.Println()
				return
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
			return
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}

		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}

		if strings.HasPrefix(line, ":") {
			runCommand(codec, line)
			continue
		}

		if err := codec.Send(agent.EventExecute, []byte(line)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	}
}

func runCommand(codec *protocol.Codec, line string) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case ":help":
		fmt.Print(`:ping          check the link
:stats         show runtime stats
:stop          stop the running script
:run <path>    execute a script file
:send <path>   upload a file to the runtime
:help          show this message
`)
	case ":ping":
		sendOrReport(codec, agent.EventPing, nil)
	case ":stats":
		sendOrReport(codec, agent.EventStats, nil)
	case ":stop":
		sendOrReport(codec, agent.EventStop, nil)
	case ":run":
		if arg == "" {
			fmt.Fprintln(os.Stderr, "Usage: :run <path>")
			return
		}
		code, err := os.ReadFile(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return
		}
		sendOrReport(codec, agent.EventExecute, code)
	case ":send":
		if arg == "" {
			fmt.Fprintln(os.Stderr, "Usage: :send <path>")
			return
		}
		if err := sendFile(codec, arg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %s (:help for a list)\n", cmd)
	}
}

func sendOrReport(codec *protocol.Codec, event string, payload []byte) {
	if err := codec.Send(event, payload); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
}

// sendFile uploads path as a chunked transfer: an announcement with the size
// and checksum, the data in fixed-size chunks, then the end marker.
func sendFile(codec *protocol.Codec, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	start, err := cbor.Marshal(agent.FileStart{
		Name:  filepath.Base(path),
		Size:  len(data),
		CRC32: crc32.ChecksumIEEE(data),
	})
	if err != nil {
		return err
	}
	if err := codec.Send(agent.EventFileStart, start); err != nil {
		return err
	}
	for off := 0; off < len(data); off += fileChunkSize {
		end := min(off+fileChunkSize, len(data))
		if err := codec.Send(agent.EventFileChunk, data[off:end]); err != nil {
			return err
		}
	}
	return codec.Send(agent.EventFileEnd, nil)
}

func printStats(payload []byte) {
	var stats agent.Stats
	if err := cbor.Unmarshal(payload, &stats); err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding stats: %v\n", err)
		return
	}
	fmt.Printf("running: %v\n", stats.Running)
	if stats.CurrentRunID != "" {
		fmt.Printf("current run: %s\n", stats.CurrentRunID)
	}
	fmt.Printf("pool: total=%d fast=%d fallback=%d peak=%d\n",
		stats.Pool.Total, stats.Pool.FastUsed, stats.Pool.FallbackUsed, stats.Pool.Peak)
	if stats.Runs != nil {
		fmt.Printf("runs: total=%d avg=%.0fms by_status=%v\n",
			stats.Runs.Total, stats.Runs.AvgDurationMS, stats.Runs.CountByStatus)
	}
}
