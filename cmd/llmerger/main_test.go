package main

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/manuco/llmerger/internal/config"
)

func TestRunServesRequestsOverUnixSocket(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "llmerger.sock")
	cfg := config.Default()
	cfg.Socket.Path = sockPath

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		t.Fatalf("run: %v", err)
	}

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", sockPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial unix socket: %v", err)
	}
	defer conn.Close()

	req := map[string]any{
		"id": "1", "request": "new layer", "layer": "1",
		"channels": []map[string]any{
			{"address": 1, "value": 255},
			{"address": 2, "value": 127},
		},
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := conn.Write(body); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}

	var reply map[string]any
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		t.Fatalf("unmarshal reply %q: %v", line, err)
	}
	if reply["status"] != "ok" {
		t.Fatalf("expected ok reply, got %#v", reply)
	}

	output := map[string]any{"id": "2", "request": "output"}
	body, _ = json.Marshal(output)
	if _, err := conn.Write(body); err != nil {
		t.Fatalf("write output request: %v", err)
	}
	line, err = reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read output reply: %v", err)
	}
	if err := json.Unmarshal([]byte(line), &reply); err != nil {
		t.Fatalf("unmarshal output reply %q: %v", line, err)
	}
	universe, ok := reply["output"].(map[string]any)
	if !ok {
		t.Fatalf("expected output field, got %#v", reply)
	}
	if universe["1"] != float64(255) || universe["2"] != float64(127) {
		t.Fatalf("unexpected universe: %#v", universe)
	}
}
