package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stephen-kim/cinepyle/internal/api"
	"github.com/stephen-kim/cinepyle/internal/orchestrator"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the booking assistant",
	Long: `Chat with the booking assistant through the running server.

Type a message and press enter. Booking progress and screenshots arrive
while you wait. Commands:
  /loc <lat> <lng>   share a location
  /id                print the conversation id
  /quit              leave the chat`,
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("conversation")
		poll, _ := cmd.Flags().GetDuration("poll")
		imageDir, _ := cmd.Flags().GetString("image-dir")
		if id == "" {
			id = uuid.NewString()
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return runChat(ctx, client, chatOptions{
			conversationID: id,
			poll:           poll,
			imageDir:       imageDir,
		}, os.Stdin, os.Stdout)
	},
}

func init() {
	chatCmd.Flags().String("conversation", "", "conversation id to resume (default: a new one)")
	chatCmd.Flags().Duration("poll", 2*time.Second, "how often to check for booking progress")
	chatCmd.Flags().String("image-dir", os.TempDir(), "where screenshots and CAPTCHA images are saved")
}

type chatOptions struct {
	conversationID string
	// poll <= 0 disables background outbox polling.
	poll     time.Duration
	imageDir string
}

// chatPrinter serializes output from the prompt loop and the poller.
type chatPrinter struct {
	mu       sync.Mutex
	out      io.Writer
	imageDir string
	prefix   string
	images   int
}

func (p *chatPrinter) print(msgs []orchestrator.Outbound) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if len(m.Image) == 0 {
			fmt.Fprintf(p.out, "%s %s\n", colorize(colorCyan, "cinepyle>"), m.Text)
			continue
		}
		p.images++
		path := filepath.Join(p.imageDir, fmt.Sprintf("cinepyle-%s-%d.png", p.prefix, p.images))
		if err := os.WriteFile(path, m.Image, 0o600); err != nil {
			fmt.Fprintf(p.out, "%s [image not saved: %v] %s\n", colorize(colorCyan, "cinepyle>"), err, m.Caption)
			continue
		}
		fmt.Fprintf(p.out, "%s [image: %s] %s\n", colorize(colorCyan, "cinepyle>"), path, m.Caption)
	}
}

func (p *chatPrinter) errorf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, colorize(colorRed, "✗ "+fmt.Sprintf(format, args...)))
}

func runChat(ctx context.Context, c *apiClient, opts chatOptions, in io.Reader, out io.Writer) error {
	prefix := opts.conversationID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	p := &chatPrinter{out: out, imageDir: opts.imageDir, prefix: prefix}
	base := "/v1/conversations/" + url.PathEscape(opts.conversationID)

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if opts.poll > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pollOutbox(ctx, c, base, opts.poll, p)
		}()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	fmt.Fprintf(out, "conversation %s (type /quit to leave)\n", opts.conversationID)
	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		var msg orchestrator.Inbound
		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/id":
			fmt.Fprintln(out, opts.conversationID)
			continue
		case strings.HasPrefix(line, "/loc"):
			loc, err := parseLocation(strings.TrimSpace(strings.TrimPrefix(line, "/loc")))
			if err != nil {
				p.errorf("%v", err)
				continue
			}
			msg.Location = loc
		default:
			msg.Text = line
		}

		resp, err := c.post(ctx, base+"/messages", msg)
		if err != nil {
			p.errorf("%v", err)
			continue
		}
		var reply api.MessageResponse
		if err := decodeJSON(resp, &reply); err != nil {
			p.errorf("%v", err)
			continue
		}
		p.print(reply.Pending)
		p.print(reply.Replies)
	}
}

func pollOutbox(ctx context.Context, c *apiClient, base string, every time.Duration, p *chatPrinter) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		resp, err := c.get(ctx, base+"/outbox")
		if err != nil {
			continue
		}
		var box api.OutboxResponse
		if decodeJSON(resp, &box) == nil {
			p.print(box.Messages)
		}
	}
}

func parseLocation(s string) (*orchestrator.Location, error) {
	fields := strings.Fields(strings.ReplaceAll(s, ",", " "))
	if len(fields) != 2 {
		return nil, fmt.Errorf("usage: /loc <lat> <lng>")
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || lat < -90 || lat > 90 {
		return nil, fmt.Errorf("invalid latitude %q", fields[0])
	}
	lng, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || lng < -180 || lng > 180 {
		return nil, fmt.Errorf("invalid longitude %q", fields[1])
	}
	return &orchestrator.Location{Lat: lat, Lng: lng}, nil
}
