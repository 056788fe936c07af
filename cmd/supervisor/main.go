// Command supervisor runs N renderd processes and restarts them on crash.
// Each child gets its own HTTP port offset from the base port; children share
// nothing but the Tier-2 cache store.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

func main() {
	workers := envInt("SUPERVISOR_WORKERS", 2)
	basePort := envInt("HTTP_PORT", 8080)
	baseMetricsPort := envInt("SUPERVISOR_METRICS_BASE", 9090)
	binary := os.Getenv("SUPERVISOR_BINARY")
	if binary == "" {
		binary = "./renderd"
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			supervise(ctx, binary, basePort+idx, baseMetricsPort+idx)
		}(i)
	}
	wg.Wait()
}

// supervise keeps one child alive until ctx is cancelled, restarting with
// exponential backoff capped at a minute.
func supervise(ctx context.Context, binary string, port, metricsPort int) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		cmd := exec.Command(binary)
		cmd.Env = append(os.Environ(),
			"HTTP_PORT="+strconv.Itoa(port),
			fmt.Sprintf("METRICS_ADDR=:%d", metricsPort),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr

		started := time.Now()
		log.Printf("supervisor: starting worker on port %d", port)
		if err := cmd.Start(); err != nil {
			log.Printf("supervisor: start worker on port %d: %v", port, err)
		} else {
			done := make(chan error, 1)
			go func() { done <- cmd.Wait() }()
			select {
			case err := <-done:
				log.Printf("supervisor: worker on port %d exited: %v", port, err)
			case <-ctx.Done():
				_ = cmd.Process.Signal(syscall.SIGTERM)
				select {
				case <-done:
				case <-time.After(10 * time.Second):
					_ = cmd.Process.Kill()
					<-done
				}
				return
			}
		}

		// A worker that survived a while earns a fresh backoff.
		if time.Since(started) > time.Minute {
			backoff = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > time.Minute {
			backoff = time.Minute
		}
	}
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
