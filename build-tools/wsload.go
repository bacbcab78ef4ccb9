//go:build ignore

// Run: go run ./build-tools/wsload.go -url ws://localhost:8080/ws -clients 500 -duration 60s -topics global,alerts

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type controlMessage struct {
	Action string `json:"action"`
	Topic  string `json:"topic,omitempty"`
	Scope  string `json:"scope,omitempty"`
}

type stats struct {
	connected atomic.Int64
	failed    atomic.Int64
	messages  atomic.Int64
	bytes     atomic.Int64
}

func main() {
	var (
		url      = flag.String("url", "ws://localhost:8080/ws", "websocket endpoint")
		clients  = flag.Int("clients", 100, "concurrent connections")
		duration = flag.Duration("duration", 30*time.Second, "how long to run")
		topics   = flag.String("topics", "global,alerts", "comma-separated topics to subscribe")
		pullAddr = flag.String("pull", "", "address to pull a user snapshot for on connect")
		ramp     = flag.Duration("ramp", 5*time.Second, "time to open all connections")
	)
	flag.Parse()

	topicList := splitTrim(*topics)
	if len(topicList) == 0 {
		fmt.Println("no topics provided")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithTimeout(ctx, *duration)
	defer cancelRun()

	st := &stats{}
	var wg sync.WaitGroup
	step := *ramp / time.Duration(max(*clients, 1))

	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runClient(ctx, *url, topicList, *pullAddr, st)
		}()
		select {
		case <-ctx.Done():
		case <-time.After(step):
		}
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	start := time.Now()
	var last int64

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			total := st.messages.Load()
			fmt.Printf("[%5.0fs] connected=%d failed=%d msgs=%d (+%d/5s) bytes=%d\n",
				time.Since(start).Seconds(), st.connected.Load(), st.failed.Load(), total, total-last, st.bytes.Load())
			last = total
		}
	}

	wg.Wait()
	fmt.Printf("done: failed=%d msgs=%d bytes=%d\n", st.failed.Load(), st.messages.Load(), st.bytes.Load())
}

func runClient(ctx context.Context, url string, topics []string, pullAddr string, st *stats) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		st.failed.Add(1)
		return
	}
	st.connected.Add(1)
	defer func() {
		st.connected.Add(-1)
		_ = conn.Close()
	}()

	for _, t := range topics {
		if err = conn.WriteJSON(controlMessage{Action: "subscribe", Topic: t}); err != nil {
			st.failed.Add(1)
			return
		}
	}
	if pullAddr != "" {
		_ = conn.WriteJSON(controlMessage{Action: "snapshot", Scope: "user:" + pullAddr})
	}

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var probe map[string]json.RawMessage
		if json.Unmarshal(data, &probe) != nil {
			continue
		}
		st.messages.Add(1)
		st.bytes.Add(int64(len(data)))
	}
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
