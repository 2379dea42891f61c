package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"chat-widget/adapters"
	"chat-widget/models"
	"chat-widget/widget"
)

// controller is what the host needs from *widget.Controller.
type controller interface {
	Open() error
	Close() error
	Refresh() error
	SendUserText(text string) error
	SelectProduct(p models.Product) error
}

var errQuit = errors.New("quit")

// host renders widget snapshots as lines of text and turns input lines into
// controller intents.
type host struct {
	out io.Writer

	mu       sync.Mutex
	printed  int
	loading  bool
	connErr  string
	products []models.Product
}

func newHost(out io.Writer) *host {
	return &host{out: out}
}

// render prints whatever changed since the previous snapshot.
func (h *host) render(s widget.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var history []widget.DisplayMessage
	for _, m := range s.Messages {
		if m.ID != widget.LoadingID && m.ID != widget.ConnectionErrorID {
			history = append(history, m)
		}
	}
	if len(history) < h.printed {
		fmt.Fprintln(h.out, "--- conversation restarted ---")
		h.printed = 0
		h.products = nil
	}
	for _, m := range history[h.printed:] {
		h.printMessage(m)
	}
	h.printed = len(history)

	if s.Loading && !h.loading {
		fmt.Fprintln(h.out, "  ...")
	}
	h.loading = s.Loading

	if s.ConnectionError != h.connErr && s.ConnectionError != "" {
		fmt.Fprintf(h.out, "! %s\n", s.ConnectionError)
	}
	h.connErr = s.ConnectionError
}

func (h *host) printMessage(m widget.DisplayMessage) {
	prefix := string(m.Sender)
	if m.Status == widget.StatusError {
		prefix += " (error)"
	}
	fmt.Fprintf(h.out, "%s> %s\n", prefix, m.Content)

	for _, v := range m.Metadata.ToolResults {
		switch r := v.(type) {
		case *adapters.ProductSearch:
			if len(r.Data) == 0 {
				continue
			}
			h.products = r.Data
			for i, p := range r.Data {
				fmt.Fprintf(h.out, "  [%d] %s (%s) $%.2f\n", i+1, p.Name, p.Category, p.Price)
			}
			fmt.Fprintln(h.out, "  use /select N for details")
		case *adapters.Code:
			fmt.Fprintf(h.out, "  ```%s\n%s\n  ```\n", r.Language, r.Code)
		case *adapters.Search:
			for _, item := range r.Results {
				fmt.Fprintf(h.out, "  - %s: %s\n", item.Title, item.Description)
			}
		case *adapters.Table:
			fmt.Fprintf(h.out, "  table: %d rows\n", len(r.Rows))
		case *adapters.Chart:
			fmt.Fprintf(h.out, "  chart:\n%s\n", r.Dump)
		case *adapters.Unknown:
			fmt.Fprintf(h.out, "  %s:\n%s\n", r.Tool, r.Dump)
		}
	}
}

// handle runs one input line. It returns errQuit on /quit.
func (h *host) handle(c controller, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return c.SendUserText(line)
	}

	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/open":
		return c.Open()
	case "/close":
		return c.Close()
	case "/refresh":
		return c.Refresh()
	case "/select":
		n, err := strconv.Atoi(strings.TrimSpace(arg))
		h.mu.Lock()
		products := h.products
		h.mu.Unlock()
		if err != nil || n < 1 || n > len(products) {
			return fmt.Errorf("usage: /select N with N between 1 and %d", len(products))
		}
		return c.SelectProduct(products[n-1])
	case "/help":
		fmt.Fprintln(h.out, "commands: /open /close /refresh /select N /quit")
		return nil
	default:
		return fmt.Errorf("unknown command %s", cmd)
	}
}

// run reads lines from in until EOF or /quit.
func (h *host) run(c controller, in io.Reader, errOut io.Writer) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		err := h.handle(c, scanner.Text())
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(errOut, "error: %v\n", err)
		}
	}
	return scanner.Err()
}
