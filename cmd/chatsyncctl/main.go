package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/acamacho/chatsync/internal/config"
	"github.com/acamacho/chatsync/internal/profile"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func main() {
	addrFlag := flag.String("addr", "", "daemon address (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	addr := *addrFlag
	if addr == "" {
		addr = daemonAddr()
	}
	c := &client{base: "http://" + addr, http: &http.Client{Timeout: 30 * time.Second}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "connect":
		c.mustDo(ctx, http.MethodPost, "/v1/connect", nil, nil)
		fmt.Println("ok")
	case "disconnect":
		c.mustDo(ctx, http.MethodPost, "/v1/disconnect", nil, nil)
		fmt.Println("ok")
	case "chats":
		cmdChats(ctx, c, args[1:], *jsonFlag)
	case "refresh":
		cmdRefresh(ctx, c, *jsonFlag)
	case "open":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl open <chat-id>")
			os.Exit(1)
		}
		cmdOpen(ctx, c, args[1], *jsonFlag)
	case "send":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl send <text>")
			os.Exit(1)
		}
		c.mustDo(ctx, http.MethodPost, "/v1/messages", map[string]string{"text": strings.Join(args[1:], " ")}, nil)
		fmt.Println("sent")
	case "campaign":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl campaign <launch|cancel|status>")
			os.Exit(1)
		}
		cmdCampaign(ctx, c, args[1:], *jsonFlag)
	case "watch":
		cmdWatch(addr)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chatsyncctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                      Show daemon and connection status")
	fmt.Fprintln(os.Stderr, "  connect                     Connect to the WhatsApp bridge")
	fmt.Fprintln(os.Stderr, "  disconnect                  Disconnect from the bridge")
	fmt.Fprintln(os.Stderr, "  chats [query]               List chats, optionally filtered")
	fmt.Fprintln(os.Stderr, "  refresh                     Refetch the chat list from the bridge")
	fmt.Fprintln(os.Stderr, "  open <chat-id>              Open a conversation")
	fmt.Fprintln(os.Stderr, "  send <text>                 Send a message to the open conversation")
	fmt.Fprintln(os.Stderr, "  campaign launch <file>      Launch a campaign from a JSON spec")
	fmt.Fprintln(os.Stderr, "  campaign cancel             Cancel the running campaign")
	fmt.Fprintln(os.Stderr, "  campaign status <id>        Show campaign progress")
	fmt.Fprintln(os.Stderr, "  watch                       Stream daemon events")
}

// daemonAddr resolves the control-plane address from the global config.
func daemonAddr() string {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		cfg = config.Default()
	}
	return cfg.HTTP.Addr
}

type client struct {
	base string
	http *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Message string `json:"message"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s", apiErr.Message)
		}
		return fmt.Errorf("daemon returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) mustDo(ctx context.Context, method, path string, body, out any) {
	if err := c.do(ctx, method, path, body, out); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func cmdStatus(ctx context.Context, c *client, jsonOut bool) {
	var resp struct {
		State      string `json:"state"`
		Label      string `json:"label"`
		Attempts   int    `json:"attempts"`
		ActiveChat string `json:"active_chat"`
		CampaignID string `json:"campaign_id"`
	}
	c.mustDo(ctx, http.MethodGet, "/v1/status", nil, &resp)
	if jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("Estado:   %s (%s)\n", resp.Label, resp.State)
	if resp.ActiveChat != "" {
		fmt.Printf("Chat:     %s\n", resp.ActiveChat)
	}
	if resp.CampaignID != "" {
		fmt.Printf("Campaña:  %s\n", resp.CampaignID)
	}
}

type chatRow struct {
	ID              string `json:"ID"`
	DisplayName     string `json:"DisplayName"`
	LastMessageText string `json:"LastMessageText"`
	UnreadCount     int    `json:"UnreadCount"`
	IsPinned        bool   `json:"IsPinned"`
}

func cmdChats(ctx context.Context, c *client, args []string, jsonOut bool) {
	path := "/v1/chats"
	if len(args) > 0 {
		path += "?q=" + args[0]
	}
	var chats []chatRow
	c.mustDo(ctx, http.MethodGet, path, nil, &chats)
	printChats(chats, jsonOut)
}

func cmdRefresh(ctx context.Context, c *client, jsonOut bool) {
	var chats []chatRow
	c.mustDo(ctx, http.MethodPost, "/v1/chats/refresh", nil, &chats)
	printChats(chats, jsonOut)
}

func printChats(chats []chatRow, jsonOut bool) {
	if jsonOut {
		outputJSON(chats)
		return
	}
	for _, ch := range chats {
		pin := " "
		if ch.IsPinned {
			pin = "*"
		}
		badge := ""
		if ch.UnreadCount > 0 {
			badge = " (" + strconv.Itoa(ch.UnreadCount) + ")"
		}
		fmt.Printf("%s %-24s %s%s\n", pin, ch.DisplayName, ch.LastMessageText, badge)
	}
}

func cmdOpen(ctx context.Context, c *client, chatID string, jsonOut bool) {
	var sess map[string]any
	c.mustDo(ctx, http.MethodPost, "/v1/chats/"+chatID+"/open", nil, &sess)
	if jsonOut {
		outputJSON(sess)
		return
	}
	fmt.Printf("Conversación abierta: %v\n", sess["DisplayName"])
}

// campaignSpec is the JSON file format for campaign launch.
type campaignSpec struct {
	Template        string `json:"template"`
	IntervalSeconds int    `json:"interval_seconds"`
	Recipients      []struct {
		Phone    string `json:"telefono"`
		FullName string `json:"nombre_completo"`
	} `json:"recipients"`
}

func cmdCampaign(ctx context.Context, c *client, args []string, jsonOut bool) {
	switch args[0] {
	case "launch":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl campaign launch <spec.json>")
			os.Exit(1)
		}
		data, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		var spec campaignSpec
		if err := json.Unmarshal(data, &spec); err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid campaign spec: %v\n", err)
			os.Exit(1)
		}
		var resp struct {
			ID string `json:"id"`
		}
		c.mustDo(ctx, http.MethodPost, "/v1/campaigns", spec, &resp)
		fmt.Printf("campaña lanzada: %s\n", resp.ID)
	case "cancel":
		c.mustDo(ctx, http.MethodDelete, "/v1/campaigns/current", nil, nil)
		fmt.Println("campaña cancelada")
	case "status":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chatsyncctl campaign status <id>")
			os.Exit(1)
		}
		var p struct {
			ID     string `json:"id"`
			Status string `json:"status"`
			Total  int    `json:"total"`
			Sent   int    `json:"sent"`
			Failed int    `json:"failed"`
		}
		c.mustDo(ctx, http.MethodGet, "/v1/campaigns/"+args[1], nil, &p)
		if jsonOut {
			outputJSON(p)
			return
		}
		fmt.Printf("Estado:   %s\n", p.Status)
		fmt.Printf("Enviados: %d/%d (%d fallidos)\n", p.Sent, p.Total, p.Failed)
	default:
		fmt.Fprintln(os.Stderr, "usage: chatsyncctl campaign <launch|cancel|status>")
		os.Exit(1)
	}
}

// cmdWatch streams daemon events until interrupted.
func cmdWatch(addr string) {
	ctx := context.Background()
	ws, _, err := websocket.Dial(ctx, "ws://"+addr+"/v1/events", nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	for {
		var frame struct {
			Kind      string          `json:"kind"`
			Timestamp time.Time       `json:"timestamp"`
			Payload   json.RawMessage `json:"payload"`
		}
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			fmt.Fprintf(os.Stderr, "stream closed: %v\n", err)
			return
		}
		fmt.Printf("%s  %-24s %s\n", frame.Timestamp.Format("15:04:05"), frame.Kind, frame.Payload)
	}
}

func outputJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
