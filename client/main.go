package main

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

const (
	MsgTypeHeartbeat       = 1
	MsgTypeLogin           = 101
	MsgTypeLogout          = 102
	MsgTypeCrawlAction     = 201
	MsgTypeOverUnderAction = 202
	MsgTypePongAction      = 203
	MsgTypeAdminUnlock     = 204
)

const heartbeatInterval = 15 * time.Second

const usage = `commands:
  login <name> | logout | unlock <code>
  drink | arrive | round | reset      (held until the server confirms)
  cancel <drink|arrival|next_round|reset_ranking>
  guess <over|under> | ace <low|high|both> | turn | ou-reset
  pong <player1-id> <player2-id> | up | down
  timer <minutes> | extend <minutes> | timer-reset | mood <0-100>
  quit`

// send formats and sends a message to the WebSocket server.
func send(c *websocket.Conn, msgID uint16, data []byte) error {
	packet := make([]byte, 4+len(data))
	binary.BigEndian.PutUint16(packet[0:2], msgID)
	binary.BigEndian.PutUint16(packet[2:4], uint16(len(data)))
	copy(packet[4:], data)

	return c.WriteMessage(websocket.BinaryMessage, packet)
}

func sendJSON(c *websocket.Conn, msgID uint16, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return send(c, msgID, data)
}

var errQuit = errors.New("quit")

// command turns one input line into a packet.
func command(line string) (uint16, any, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, nil, nil
	}
	arg := func(i int) string {
		if i < len(fields) {
			return fields[i]
		}
		return ""
	}
	number := func(i int) (int, error) {
		return strconv.Atoi(arg(i))
	}
	hold := func(action string) map[string]any {
		return map[string]any{"type": "hold_start", "action": action}
	}

	switch fields[0] {
	case "quit", "exit":
		return 0, nil, errQuit
	case "login":
		return MsgTypeLogin, map[string]string{"name": strings.Join(fields[1:], " ")}, nil
	case "logout":
		return MsgTypeLogout, struct{}{}, nil
	case "unlock":
		return MsgTypeAdminUnlock, map[string]string{"code": arg(1)}, nil
	case "drink":
		return MsgTypeCrawlAction, hold("drink"), nil
	case "arrive":
		return MsgTypeCrawlAction, hold("arrival"), nil
	case "round":
		return MsgTypeCrawlAction, hold("next_round"), nil
	case "reset":
		return MsgTypeCrawlAction, hold("reset_ranking"), nil
	case "cancel":
		return MsgTypeCrawlAction, map[string]any{"type": "hold_cancel", "action": arg(1)}, nil
	case "timer", "extend":
		minutes, err := number(1)
		if err != nil {
			return 0, nil, err
		}
		kind := "timer_start"
		if fields[0] == "extend" {
			kind = "timer_extend"
		}
		return MsgTypeCrawlAction, map[string]any{"type": kind, "minutes": minutes}, nil
	case "timer-reset":
		return MsgTypeCrawlAction, map[string]any{"type": "timer_reset"}, nil
	case "mood":
		value, err := number(1)
		if err != nil {
			return 0, nil, err
		}
		return MsgTypeCrawlAction, map[string]any{"type": "set_mood", "value": value}, nil
	case "guess":
		return MsgTypeOverUnderAction, map[string]string{"type": "guess", "direction": arg(1)}, nil
	case "ace":
		return MsgTypeOverUnderAction, map[string]string{"type": "ace_mode", "ace_mode": arg(1)}, nil
	case "turn":
		return MsgTypeOverUnderAction, map[string]string{"type": "advance_turn"}, nil
	case "ou-reset":
		return MsgTypeOverUnderAction, map[string]string{"type": "reset"}, nil
	case "pong":
		return MsgTypePongAction, map[string]string{"type": "start", "player1_id": arg(1), "player2_id": arg(2)}, nil
	case "up", "down":
		return MsgTypePongAction, map[string]string{"type": "move", "direction": fields[0]}, nil
	}
	return 0, nil, fmt.Errorf("unknown command %q", fields[0])
}

func run(addr, name string) error {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
	log.Printf("Connecting to %s", u.String())

	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer c.Close()

	done := make(chan struct{})

	// Read loop
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				log.Println("Read error:", err)
				return
			}
			if len(message) < 4 {
				log.Printf("Received invalid packet of size %d", len(message))
				continue
			}
			msgID := binary.BigEndian.Uint16(message[0:2])
			log.Printf("<- RECV (ID: %d): %s", msgID, string(message[4:]))
		}
	}()

	if name != "" {
		if err := sendJSON(c, MsgTypeLogin, map[string]string{"name": name}); err != nil {
			return err
		}
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	log.Println(usage)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-done:
			return nil
		case <-heartbeat.C:
			if err := send(c, MsgTypeHeartbeat, nil); err != nil {
				return err
			}
		case line, ok := <-lines:
			if !ok {
				return closeConn(c, done)
			}
			msgID, payload, err := command(line)
			if errors.Is(err, errQuit) {
				return closeConn(c, done)
			}
			if err != nil {
				log.Println(err)
				continue
			}
			if payload == nil {
				continue
			}
			if err := sendJSON(c, msgID, payload); err != nil {
				return err
			}
			log.Printf("-> SENT (ID: %d): %s", msgID, line)
		case <-interrupt:
			log.Println("Interrupt received, closing connection.")
			return closeConn(c, done)
		}
	}
}

func closeConn(c *websocket.Conn, done chan struct{}) error {
	err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return err
}

func main() {
	var addr, name string

	cmd := &cobra.Command{
		Use:   "crawlclient",
		Short: "Line-oriented test client for the crawl websocket protocol.",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return run(addr, name)
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "localhost:8080", "server host:port")
	cmd.Flags().StringVarP(&name, "name", "n", "", "log in as this participant on connect")
	cmd.SilenceUsage = true

	cobra.CheckErr(cmd.Execute())
}
