package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatgate/internal/chatstore"
	"chatgate/internal/debuglog"
	"chatgate/internal/retry"
)

const defaultSystemPrompt = "You are a helpful and friendly general-purpose AI assistant. Your responses should be concise, well-structured using markdown, and directly address the user's query."

// sendFunc produces the model's answer for one prompt. img is nil when
// nothing is attached.
type sendFunc func(ctx context.Context, modelID, prompt string, img *attachment) (string, error)

type app struct {
	chats   *chatstore.Store
	send    sendFunc
	policy  retry.Policy
	debug   *debuglog.Buffer
	logger  zerolog.Logger
	out     io.Writer
	in      *bufio.Reader
	modelID string
	models  []string
	now     func() time.Time

	// pending is sent with the next prompt.
	pending *attachment
	// owner is nil with --direct.
	owner      ownerAPI
	readSecret func(prompt string) (string, error)
}

const helpText = `commands:
  /new                 start a new chat
  /list                list chats (* marks the active one)
  /switch <n|id>       make a chat active
  /rename <title>      rename the active chat
  /delete [n|id]       delete a chat after confirmation
  /download [file]     save the active chat as a JSON array
  /upload <file>       load a JSON array of messages as a new chat
  /models              list available models
  /model <id>          pick the model for new prompts
  /history             print the active chat
  /attach <file>       send an image with the next prompt
  /detach              drop the pending image
  /whoami              show which server sessions are signed in
  /owner login         start an owner session (password is prompted)
  /owner logout        end the owner session
  /owner keys          list vault entries, secrets masked
  /owner set <id> <name> <endpoint> [kind] [model]
                       add or update a vault entry (secret is prompted)
  /owner remove <id>   delete a vault entry after confirmation
  /debug               show the debug log
  /quit                exit
anything else is sent to the model`

// handle runs one input line. It reports whether the REPL should stop.
func (a *app) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		a.sendPrompt(ctx, line)
		return false
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(a.out, helpText)
	case "/new":
		var c chatstore.Chat
		if c, err = a.chats.Create(); err == nil {
			fmt.Fprintf(a.out, "created %q\n", c.Title)
		}
	case "/list":
		a.printList()
	case "/switch":
		var c chatstore.Chat
		if c, err = a.chats.Switch(a.lookup(arg)); err == nil {
			fmt.Fprintf(a.out, "switched to %q\n", c.Title)
			a.printHistory(c)
		}
	case "/rename":
		err = a.chats.Rename(a.chats.Active().ID, arg)
	case "/delete":
		id := a.chats.Active().ID
		if arg != "" {
			id = a.lookup(arg)
		}
		var deleted bool
		deleted, err = a.chats.Delete(id, a.confirm)
		if err == nil && deleted {
			fmt.Fprintf(a.out, "deleted; active chat is %q\n", a.chats.Active().Title)
		}
	case "/download":
		err = a.download(arg)
	case "/upload":
		err = a.upload(arg)
	case "/models":
		for _, m := range a.models {
			marker := " "
			if m == a.modelID {
				marker = "*"
			}
			fmt.Fprintf(a.out, "%s %s\n", marker, m)
		}
	case "/model":
		if arg == "" {
			fmt.Fprintf(a.out, "current model: %s\n", a.modelID)
			break
		}
		a.modelID = arg
		fmt.Fprintf(a.out, "model set to %s\n", arg)
	case "/history":
		a.printHistory(a.chats.Active())
	case "/attach":
		err = a.attach(arg)
	case "/detach":
		if a.pending != nil {
			fmt.Fprintf(a.out, "dropped %s\n", filepath.Base(a.pending.Path))
		}
		a.pending = nil
	case "/whoami":
		err = a.whoami(ctx)
	case "/owner":
		err = a.ownerCommand(ctx, arg)
	case "/debug":
		fmt.Fprintln(a.out, a.debug.String())
	default:
		fmt.Fprintf(a.out, "unknown command %s, try /help\n", cmd)
	}
	if err != nil {
		a.logger.Error().Err(err).Str("command", cmd).Msg("command failed")
		fmt.Fprintf(a.out, "error: %v\n", err)
	}
	return false
}

func (a *app) sendPrompt(ctx context.Context, prompt string) {
	id := a.chats.Active().ID
	img := a.pending
	a.pending = nil
	msg := chatstore.Message{Role: chatstore.RoleUser, Text: prompt, Timestamp: a.now().UnixMilli()}
	if img != nil {
		msg.ImageURL = img.URL()
	}
	if err := a.chats.Append(id, msg); err != nil {
		a.logger.Error().Err(err).Msg("saving prompt failed")
	}

	policy := a.policy
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		a.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("model call failed, retrying")
	}
	text, err := retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
		return a.send(ctx, a.modelID, prompt, img)
	})
	if err != nil {
		a.logger.Error().Err(err).Str("model", a.modelID).Msg("fatal error during message sending")
		text = fmt.Sprintf("An error occurred: %v. Use /debug for details.", err)
	} else if strings.TrimSpace(text) == "" {
		text = "Sorry, I couldn't generate a response."
	}

	if err := a.chats.Append(id, chatstore.Message{Role: chatstore.RoleModel, Text: text, Timestamp: a.now().UnixMilli()}); err != nil {
		a.logger.Error().Err(err).Msg("saving reply failed")
	}
	fmt.Fprintf(a.out, "%s\n", text)
}

// lookup accepts a 1-based list position or a chat id.
func (a *app) lookup(arg string) string {
	var n int
	if _, err := fmt.Sscanf(arg, "%d", &n); err == nil {
		chats := a.chats.List()
		if n >= 1 && n <= len(chats) {
			return chats[n-1].ID
		}
	}
	return arg
}

func (a *app) confirm(c chatstore.Chat) bool {
	return a.ask(fmt.Sprintf("delete %q? this cannot be undone [y/N]: ", c.Title))
}

func (a *app) ask(question string) bool {
	fmt.Fprint(a.out, question)
	answer, _ := a.in.ReadString('\n')
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func (a *app) printList() {
	active := a.chats.Active().ID
	for i, c := range a.chats.List() {
		marker := " "
		if c.ID == active {
			marker = "*"
		}
		fmt.Fprintf(a.out, "%s %d. %s (%d messages)\n", marker, i+1, c.Title, len(c.History))
	}
}

func (a *app) printHistory(c chatstore.Chat) {
	for _, m := range c.History {
		ts := time.UnixMilli(m.Timestamp).Format("15:04:05")
		fmt.Fprintf(a.out, "[%s] %s: %s\n", ts, m.Role, m.Text)
	}
}

func (a *app) download(path string) error {
	c := a.chats.Active()
	if path == "" {
		path = chatstore.FileName(c.Title)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := a.chats.Download(c.ID, f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	a.logger.Info().Str("file", path).Msg("chat downloaded")
	fmt.Fprintf(a.out, "saved %s\n", path)
	return nil
}

func (a *app) upload(path string) error {
	if path == "" {
		return fmt.Errorf("usage: /upload <file>")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	c, err := a.chats.Upload(f, filepath.Base(path))
	if err != nil {
		return err
	}
	a.logger.Info().Str("file", path).Msg("chat uploaded")
	fmt.Fprintf(a.out, "uploaded %q with %d messages\n", c.Title, len(c.History))
	return nil
}
