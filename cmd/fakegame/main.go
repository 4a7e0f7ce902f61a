// ABOUTME: Minimal fake game server that greets TCP clients and echoes lines
// ABOUTME: Usage: fakegame [-addr 127.0.0.1:25565] [-startup-delay 0s]

package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:25565", "TCP listen address")
	motd := flag.String("motd", "fakegame world", "Greeting sent to new clients")
	startupDelay := flag.Duration("startup-delay", 0, "Delay before the listener opens, to exercise ready patterns")
	flag.Parse()

	if err := run(*addr, *motd, *startupDelay); err != nil {
		log.Fatal(err)
	}
}

func run(addr, motd string, startupDelay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	start := time.Now()
	log.Printf("starting fakegame on %s", addr)

	if startupDelay > 0 {
		select {
		case <-time.After(startupDelay):
		case <-ctx.Done():
			return nil
		}
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer ln.Close()

	// Supervisors watch stdout for this line to decide the server is up.
	fmt.Printf("Done (%.3fs)! For help, type \"help\"\n", time.Since(start).Seconds())

	// A real game server reads commands on stdin; honoring "stop" lets a
	// supervisor shut us down without signals.
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			command := strings.TrimSpace(scanner.Text())
			switch command {
			case "":
			case "stop":
				log.Printf("stop requested, closing")
				cancel()
				return
			default:
				log.Printf("console command: %q", command)
			}
		}
	}()

	unregister := context.AfterFunc(ctx, func() { ln.Close() })
	defer unregister()

	var wg sync.WaitGroup
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			return fmt.Errorf("accepting connection: %w", err)
		}

		wg.Go(func() {
			defer conn.Close()
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()
			serve(conn, motd)
		})
	}

	wg.Wait()
	log.Printf("fakegame stopped")
	return nil
}

// serve greets one client and echoes its lines until it disconnects.
func serve(conn net.Conn, motd string) {
	log.Printf("client connected: %s", conn.RemoteAddr())
	fmt.Fprintf(conn, "welcome to %s\n", motd)

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.EqualFold(strings.TrimSpace(line), "ping") {
			fmt.Fprintln(conn, "pong")
			continue
		}
		fmt.Fprintf(conn, "echo: %s\n", line)
	}

	log.Printf("client disconnected: %s", conn.RemoteAddr())
}
