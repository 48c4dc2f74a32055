// multivol-watch subscribes to the multivold state stream and prints each
// volume change as it happens.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"multivol/internal/statews"
	"multivol/internal/volume"
)

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:8090/ws", "multivold state websocket URL")
		raw   = flag.Bool("raw", false, "Print frames as received")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()
	log.Printf("connected (press Ctrl+C to exit)")

	// Pong replies and the final close frame both write to conn.
	var writeMu sync.Mutex
	conn.SetPingHandler(func(data string) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}
			if *raw {
				fmt.Println(string(message))
				continue
			}
			formatFrame(os.Stdout, message)
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// frame is an envelope whose data is decoded per type.
type frame struct {
	Topic string          `json:"topic"`
	Type  string          `json:"type"`
	Ts    time.Time       `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

// formatFrame writes a one-line summary of message to w. Unknown frames
// are printed verbatim.
func formatFrame(w io.Writer, message []byte) {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		fmt.Fprintf(w, "[TEXT] %s\n", message)
		return
	}

	switch f.Type {
	case statews.EventStateInit:
		var st volume.Status
		if err := json.Unmarshal(f.Data, &st); err != nil {
			break
		}
		fmt.Fprintf(w, "[INIT] mode=%s volume=%d (%.1f dB) band=[%.1f, %.1f] dB\n",
			st.Mode, st.Volume, st.VolumeDB, st.Band.MinDB, st.Band.MaxDB)
		printClients(w, st.Clients)
		return
	case volume.EventVolumeChanged:
		var ev volume.VolumeEvent
		if err := json.Unmarshal(f.Data, &ev); err != nil {
			break
		}
		fmt.Fprintf(w, "[VOLUME] %d (%.1f dB) mode=%s\n", ev.Volume, ev.VolumeDB, ev.Mode)
		printClients(w, ev.Clients)
		return
	}
	fmt.Fprintf(w, "[%s] %s\n", f.Type, f.Data)
}

func printClients(w io.Writer, clients []volume.ClientStatus) {
	for _, c := range clients {
		mute := ""
		if c.Muted {
			mute = " MUTED"
		}
		fmt.Fprintf(w, "  %-20s %3d (%.1f dB) offset %+.1f%s\n", c.ID, c.Volume, c.VolumeDB, c.Offset, mute)
	}
}
