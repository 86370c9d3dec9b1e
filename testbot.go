package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"time"

	"lanhub/internal/protocol"
)

// RunTestBot connects a synthetic participant to a running hub, logs in
// and sends a chat line on every tick. It exercises login, heartbeats and
// the broadcast path end to end so a deployment can be smoke-tested
// without a real client.
func RunTestBot(ctx context.Context, addr, username string, interval time.Duration) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial control: %w", err)
	}
	defer conn.Close()

	enc := json.NewEncoder(conn)
	if err := enc.Encode(protocol.Message{Type: protocol.TypeLogin, Username: username}); err != nil {
		return fmt.Errorf("send login: %w", err)
	}

	// Drain server frames so replies never back up the connection.
	go func() {
		sc := bufio.NewScanner(conn)
		sc.Buffer(make([]byte, 64<<10), 1<<20)
		for sc.Scan() {
		}
	}()

	slog.Info("testbot connected", "addr", addr, "username", username)

	heartbeat := time.NewTicker(10 * time.Second)
	defer heartbeat.Stop()
	chat := time.NewTicker(interval)
	defer chat.Stop()

	n := 0
	for {
		select {
		case <-ctx.Done():
			_ = enc.Encode(protocol.Message{Type: protocol.TypeLogout})
			slog.Info("testbot disconnected", "username", username, "messages_sent", n)
			return nil
		case <-heartbeat.C:
			if err := enc.Encode(protocol.Message{Type: protocol.TypeHeartbeat}); err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		case <-chat.C:
			n++
			if err := enc.Encode(protocol.Message{Type: protocol.TypeBroadcast, Text: fmt.Sprintf("testbot check-in %d", n)}); err != nil {
				return fmt.Errorf("send chat: %w", err)
			}
		}
	}
}
