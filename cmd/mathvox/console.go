package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/MrWong99/mathvox/internal/session"
	"github.com/MrWong99/mathvox/internal/tutor"
)

// conversation is the part of *session.Session the console drives.
type conversation interface {
	SubmitText(ctx context.Context, text string) error
	SubmitImage(ctx context.Context, text string, img tutor.Image) error
	Replay(ctx context.Context, messageIDs []string) error
	SetSpeech(enabled bool)
}

const consoleHelp = `commands:
  <text>                  ask the tutor
  /image <file> [text]    ask about a picture
  /replay <id> [id...]    replay the audio of earlier answers
  /speech on|off          turn spoken answers on or off
  /help                   show this help
  /quit                   leave`

// console reads typed input and prints the conversation.
type console struct {
	out io.Writer
	mu  sync.Mutex

	// partialShown is set while the live transcript occupies the current
	// line.
	partialShown bool

	// readFile loads /image attachments.
	readFile func(name string) ([]byte, error)
}

func newConsole(out io.Writer) *console {
	return &console{out: out, readFile: os.ReadFile}
}

// clearLine erases the current terminal line.
const clearLine = "\r\x1b[K"

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearPartialLocked()
	fmt.Fprintf(c.out, format, args...)
}

// showPartial rewrites the live transcript line. An empty text removes it.
func (c *console) showPartial(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearPartialLocked()
	if text != "" {
		fmt.Fprintf(c.out, "  … %s", text)
		c.partialShown = true
	}
}

func (c *console) clearPartialLocked() {
	if c.partialShown {
		io.WriteString(c.out, clearLine)
		c.partialShown = false
	}
}

// observer renders session events.
func (c *console) observer() session.Observer {
	return session.Observer{
		OnPartial: c.showPartial,
		OnUserMessage: func(text string) {
			c.printf("you: %s\n", text)
		},
		OnSentence: func(_, sentence string) {
			c.printf("%s", sentence)
		},
		OnAnswer: func(a session.Answer) {
			c.printf("\n[answer %s, %d audio segments]\n", a.MessageID, len(a.SegmentIDs))
		},
		OnError: func(err error) {
			c.printf("error: %v\n", err)
		},
	}
}

// errQuit ends the input loop.
var errQuit = errors.New("quit")

// run reads lines from in until EOF, /quit or ctx is cancelled.
func (c *console) run(ctx context.Context, in io.Reader, conv conversation) error {
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

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			err := c.handle(ctx, strings.TrimSpace(line), conv)
			switch {
			case errors.Is(err, errQuit):
				return nil
			case errors.Is(err, session.ErrNotRunning), errors.Is(err, context.Canceled):
				return nil
			case err != nil:
				c.printf("error: %v\n", err)
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string, conv conversation) error {
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return conv.SubmitText(ctx, line)
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return errQuit
	case "/help":
		c.printf("%s\n", consoleHelp)
		return nil
	case "/replay":
		ids := strings.Fields(rest)
		if len(ids) == 0 {
			return errors.New("usage: /replay <id> [id...]")
		}
		return conv.Replay(ctx, ids)
	case "/speech":
		switch rest {
		case "on":
			conv.SetSpeech(true)
		case "off":
			conv.SetSpeech(false)
		default:
			return errors.New("usage: /speech on|off")
		}
		c.printf("speech %s\n", rest)
		return nil
	case "/image":
		name, text, _ := strings.Cut(rest, " ")
		if name == "" {
			return errors.New("usage: /image <file> [text]")
		}
		data, err := c.readFile(name)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		return conv.SubmitImage(ctx, strings.TrimSpace(text), tutor.Image{Filename: name, Data: data})
	default:
		return fmt.Errorf("unknown command %s; try /help", cmd)
	}
}
