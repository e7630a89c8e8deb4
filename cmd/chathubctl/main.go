package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/matheus3301/chathub/internal/ctlclient"
	"github.com/matheus3301/chathub/internal/profile"
	qrcode "github.com/skip2/go-qrcode"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	name := profile.Resolve(*profileFlag)
	if err := profile.ValidateName(name); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	c := ctlclient.New(profile.SocketPath(name))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch args[0] {
	case "status":
		cmdStatus(ctx, c, *jsonFlag)
	case "chats":
		cmdChats(ctx, c, *jsonFlag)
	case "messages":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: chathubctl messages <source> <chat-id> [--older]")
			os.Exit(1)
		}
		older := len(args) >= 4 && args[3] == "--older"
		cmdMessages(ctx, c, args[1], args[2], older, *jsonFlag)
	case "send":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: chathubctl send <source> <chat-id> <text>")
			os.Exit(1)
		}
		cmdSend(ctx, c, args[1], args[2], args[3], *jsonFlag)
	case "connect":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chathubctl connect <source>")
			os.Exit(1)
		}
		cmdConnect(ctx, c, args[1], *jsonFlag)
	case "disconnect":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chathubctl disconnect <source>")
			os.Exit(1)
		}
		cmdDisconnect(ctx, c, args[1])
	case "login":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chathubctl login <phone>")
			os.Exit(1)
		}
		cmdLogin(ctx, c, args[1])
	case "code":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chathubctl code <code>")
			os.Exit(1)
		}
		cmdCode(ctx, c, args[1])
	case "password":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: chathubctl password <password>")
			os.Exit(1)
		}
		cmdPassword(ctx, c, args[1])
	case "qr":
		cmdQR(ctx, c)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: chathubctl [--profile <name>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                         Show provider connection states")
	fmt.Fprintln(os.Stderr, "  chats                          List merged chats")
	fmt.Fprintln(os.Stderr, "  messages <source> <chat-id>    Show a chat's messages")
	fmt.Fprintln(os.Stderr, "  send <source> <chat-id> <text> Send a message")
	fmt.Fprintln(os.Stderr, "  connect <source>               Connect a provider")
	fmt.Fprintln(os.Stderr, "  disconnect <source>            Disconnect a provider and forget its session")
	fmt.Fprintln(os.Stderr, "  login <phone>                  Start telegram login")
	fmt.Fprintln(os.Stderr, "  code <code>                    Submit the telegram login code")
	fmt.Fprintln(os.Stderr, "  password <password>            Submit the telegram 2FA password")
	fmt.Fprintln(os.Stderr, "  qr                             Show the whatsapp pairing QR code")
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

type chatOut struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	Title       string `json:"title"`
	UnreadCount int    `json:"unread_count"`
	LastMessage *struct {
		Text string    `json:"text"`
		Date time.Time `json:"date"`
	} `json:"last_message"`
}

type messageOut struct {
	ID        string    `json:"id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	Outgoing  bool      `json:"outgoing"`
}

func cmdStatus(ctx context.Context, c *ctlclient.Client, jsonOut bool) {
	var out struct {
		Providers   map[string]string `json:"providers"`
		Errors      map[string]string `json:"errors"`
		Credentials []struct {
			Source  string    `json:"source"`
			SavedAt time.Time `json:"saved_at"`
		} `json:"credentials"`
	}
	if err := c.Get(ctx, "/v1/status", &out); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	for source, state := range out.Providers {
		fmt.Printf("%-10s %s\n", source, state)
	}
	for source, msg := range out.Errors {
		fmt.Printf("%-10s last error: %s\n", source, msg)
	}
	for _, cred := range out.Credentials {
		fmt.Printf("%-10s session saved %s\n", cred.Source, cred.SavedAt.Local().Format("2006-01-02 15:04"))
	}
}

func cmdChats(ctx context.Context, c *ctlclient.Client, jsonOut bool) {
	var out struct {
		Chats []chatOut `json:"chats"`
	}
	if err := c.Get(ctx, "/v1/chats", &out); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	if len(out.Chats) == 0 {
		fmt.Println("No chats.")
		return
	}
	for _, chat := range out.Chats {
		unread := ""
		if chat.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d unread)", chat.UnreadCount)
		}
		last := ""
		if chat.LastMessage != nil {
			last = chat.LastMessage.Text
		}
		fmt.Printf("[%s] %-30s %s%s\n", chat.Source, chat.Title+" <"+chat.ID+">", last, unread)
	}
}

func cmdMessages(ctx context.Context, c *ctlclient.Client, source, chatID string, older, jsonOut bool) {
	path := fmt.Sprintf("/v1/messages?source=%s&chat_id=%s", source, chatID)
	if older {
		path += "&older=true"
	}
	var out struct {
		Messages []messageOut `json:"messages"`
	}
	if err := c.Get(ctx, path, &out); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	for _, m := range out.Messages {
		who := m.Sender
		if m.Outgoing {
			who = "me"
		}
		fmt.Printf("%s %-12s %s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), who, m.Text)
	}
}

func cmdSend(ctx context.Context, c *ctlclient.Client, source, chatID, text string, jsonOut bool) {
	var out struct {
		Message messageOut `json:"message"`
	}
	err := c.Post(ctx, "/v1/send", map[string]string{
		"source": source, "chat_id": chatID, "text": text,
	}, &out)
	if err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	fmt.Printf("sent %s\n", out.Message.ID)
}

func cmdConnect(ctx context.Context, c *ctlclient.Client, source string, jsonOut bool) {
	var out struct {
		Connected bool   `json:"connected"`
		State     string `json:"state"`
		Pending   bool   `json:"pending"`
	}
	if err := c.Post(ctx, "/v1/connect/"+source, nil, &out); err != nil {
		fatal(err)
	}
	if jsonOut {
		outputJSON(out)
		return
	}
	if out.Connected {
		fmt.Println("connected")
		return
	}
	fmt.Printf("state: %s\n", out.State)
	switch source {
	case "telegram":
		fmt.Println("run: chathubctl login <phone>")
	case "whatsapp":
		if out.Pending {
			fmt.Println("run: chathubctl qr")
		}
	}
}

func cmdDisconnect(ctx context.Context, c *ctlclient.Client, source string) {
	if err := c.Post(ctx, "/v1/disconnect/"+source, nil, nil); err != nil {
		fatal(err)
	}
	fmt.Println("disconnected")
}

func cmdLogin(ctx context.Context, c *ctlclient.Client, phone string) {
	if err := c.Post(ctx, "/v1/telegram/login", map[string]string{"phone": phone}, nil); err != nil {
		fatal(err)
	}
	fmt.Println("code sent; run: chathubctl code <code>")
}

func cmdCode(ctx context.Context, c *ctlclient.Client, code string) {
	var out struct {
		NeedPassword bool `json:"need_password"`
	}
	if err := c.Post(ctx, "/v1/telegram/code", map[string]string{"code": code}, &out); err != nil {
		fatal(err)
	}
	if out.NeedPassword {
		fmt.Println("2FA enabled; run: chathubctl password <password>")
		return
	}
	fmt.Println("logged in")
}

func cmdPassword(ctx context.Context, c *ctlclient.Client, password string) {
	if err := c.Post(ctx, "/v1/telegram/password", map[string]string{"password": password}, nil); err != nil {
		fatal(err)
	}
	fmt.Println("logged in")
}

func cmdQR(ctx context.Context, c *ctlclient.Client) {
	var out struct {
		QR string `json:"qr"`
	}
	if err := c.Get(ctx, "/v1/whatsapp/qr", &out); err != nil {
		fatal(err)
	}
	code, err := qrcode.New(out.QR, qrcode.Medium)
	if err != nil {
		fatal(err)
	}
	fmt.Print(code.ToSmallString(false))
	fmt.Println("Scan with WhatsApp on your phone.")
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
