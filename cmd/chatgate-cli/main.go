package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"chatgate/internal/chatstore"
	"chatgate/internal/client"
	"chatgate/internal/debuglog"
	"chatgate/internal/gate"
	"chatgate/internal/localstore"
	"chatgate/internal/providers"
	"chatgate/internal/providers/registry"
	"chatgate/internal/proxy"
	"chatgate/internal/retry"
)

type options struct {
	server     string
	direct     bool
	username   string
	passwords  string
	model      string
	geminiKey  string
	geminiURL  string
	search     bool
	storePath  string
	maxRetries int
	retryDelay time.Duration
	timeout    time.Duration
	verbose    bool
	debugLines int
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "chatgate-cli: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("chatgate-cli", pflag.ContinueOnError)
	flagSet.StringVar(&opts.server, "server", envOr("CHATGATE_SERVER", "http://localhost:3000"), "chatgate server URL")
	flagSet.BoolVar(&opts.direct, "direct", false, "call the Gemini API directly instead of the chatgate server")
	flagSet.StringVarP(&opts.username, "username", "u", os.Getenv("USER"), "username sent with the client login")
	flagSet.StringVar(&opts.passwords, "passwords", os.Getenv("CHATGATE_PASSWORDS"), "comma separated local allow-list checked before any server login")
	flagSet.StringVarP(&opts.model, "model", "m", "", "model id (defaults to the first model offered)")
	flagSet.StringVar(&opts.geminiKey, "gemini-key", os.Getenv("GEMINI_API_KEY"), "API key for --direct")
	flagSet.StringVar(&opts.geminiURL, "gemini-url", "https://generativelanguage.googleapis.com/v1beta", "Gemini API root for --direct")
	flagSet.BoolVar(&opts.search, "google-search", true, "let --direct ground answers with Google Search and list the sources")
	flagSet.StringVar(&opts.storePath, "store", defaultStorePath(), "local storage file for chats")
	flagSet.IntVar(&opts.maxRetries, "max-retries", 4, "retries after a failed model call")
	flagSet.DurationVar(&opts.retryDelay, "retry-delay", time.Second, "delay before the first retry; doubles on each retry")
	flagSet.DurationVar(&opts.timeout, "timeout", 60*time.Second, "HTTP timeout per call")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "also print logs to stderr")
	flagSet.IntVar(&opts.debugLines, "debug-lines", debuglog.DefaultCapacity, "log lines kept for /debug")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}

	debug := debuglog.New(opts.debugLines)
	var logOut io.Writer = debug
	if opts.verbose {
		logOut = zerolog.MultiLevelWriter(debug, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	logger := zerolog.New(logOut).With().Timestamp().Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	local, err := localstore.Open(opts.storePath)
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: opts.timeout}
	var api *client.Client
	if !opts.direct {
		if api, err = client.New(opts.server, httpClient); err != nil {
			return err
		}
	}

	checker, err := buildChecker(opts, api)
	if err != nil {
		return err
	}
	g := gate.New(checker, local)
	in := bufio.NewReader(os.Stdin)
	if err := unlock(ctx, g, in); err != nil {
		return err
	}
	defer func() {
		if err := g.Lock(); err != nil {
			logger.Error().Err(err).Msg("clearing unlock flag failed")
		}
		if api != nil {
			logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = api.Logout(logoutCtx, "client")
			_ = api.Logout(logoutCtx, "owner")
		}
	}()

	chats, err := chatstore.Load(local, logger.With().Str("component", "chatstore").Logger())
	if err != nil {
		return err
	}

	a := &app{
		chats:  chats,
		policy: retry.Policy{MaxRetries: opts.maxRetries, BaseDelay: opts.retryDelay},
		debug:  debug,
		logger: logger,
		out:    os.Stdout,
		in:     in,
		now:    time.Now,
	}
	a.readSecret = func(prompt string) (string, error) {
		fmt.Print(prompt)
		return readPassword(in)
	}

	if opts.direct {
		if err := setupDirect(a, opts, httpClient); err != nil {
			return err
		}
	} else if err := setupProxy(ctx, a, opts, api); err != nil {
		return err
	}

	fmt.Printf("chat %q, model %s. /help lists commands.\n", chats.Active().Title, a.modelID)
	for {
		fmt.Print("> ")
		line, err := in.ReadString('\n')
		if line != "" && a.handle(ctx, line) {
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// buildChecker checks a local allow-list when one is configured. In proxy
// mode the password is also sent to the server, whose login starts the client
// session.
func buildChecker(opts options, api *client.Client) (gate.Checker, error) {
	var local gate.Checker
	if entries := splitList(opts.passwords); len(entries) > 0 {
		allow, err := gate.NewAllowList(entries)
		if err != nil {
			return nil, err
		}
		local = allow.Check
	}
	if api == nil {
		if local == nil {
			return nil, errors.New("--direct needs a local allow-list (--passwords or CHATGATE_PASSWORDS)")
		}
		return local, nil
	}
	return func(ctx context.Context, password string) (bool, error) {
		if local != nil {
			if ok, err := local(ctx, password); err != nil || !ok {
				return ok, err
			}
		}
		err := api.Login(ctx, opts.username, password)
		switch {
		case err == nil:
			return true, nil
		case client.IsStatus(err, http.StatusUnauthorized), client.IsStatus(err, http.StatusBadRequest):
			return false, nil
		default:
			return false, err
		}
	}, nil
}

func unlock(ctx context.Context, g *gate.Gate, in *bufio.Reader) error {
	for !g.Unlocked() {
		fmt.Print("access key: ")
		password, err := readPassword(in)
		if err != nil {
			return err
		}
		if password == "" {
			fmt.Println("Please enter an access key.")
			continue
		}
		switch err := g.Unlock(ctx, password); {
		case err == nil:
		case errors.Is(err, gate.ErrRejected):
			fmt.Println("Invalid access key. Please try again.")
		default:
			return err
		}
	}
	return nil
}

func readPassword(in *bufio.Reader) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func setupProxy(ctx context.Context, a *app, opts options, api *client.Client) error {
	models, err := api.RunnerConfig(ctx)
	if err != nil {
		return fmt.Errorf("load runner config: %w", err)
	}
	for _, m := range models {
		a.models = append(a.models, m.ID)
	}
	a.modelID = opts.model
	if a.modelID == "" && len(models) > 0 {
		a.modelID = models[0].ID
	}
	if a.modelID == "" {
		return errors.New("the server offers no models")
	}
	a.owner = api
	a.send = func(ctx context.Context, modelID, prompt string, img *attachment) (string, error) {
		req := proxy.Request{ModelID: modelID, Prompt: prompt, SystemPrompt: defaultSystemPrompt}
		if img != nil {
			req.ImageMIME, req.ImageData = img.MIME, img.Data
		}
		res, err := api.RunAI(ctx, req)
		if err != nil {
			return "", err
		}
		return res.Response, nil
	}
	return nil
}

func setupDirect(a *app, opts options, httpClient *http.Client) error {
	if opts.geminiKey == "" {
		return errors.New("--direct needs --gemini-key or GEMINI_API_KEY")
	}
	p, err := registry.Build(registry.BuildOptions{
		Kind:         registry.KindGemini,
		BaseURL:      opts.geminiURL,
		APIKey:       opts.geminiKey,
		HTTPClient:   httpClient,
		GoogleSearch: opts.search,
	})
	if err != nil {
		return err
	}
	a.modelID = opts.model
	if a.modelID == "" {
		a.modelID = "gemini-2.5-flash"
	}
	a.models = []string{a.modelID}
	a.send = func(ctx context.Context, modelID, prompt string, img *attachment) (string, error) {
		req := providers.ChatRequest{Model: modelID, SystemPrompt: defaultSystemPrompt, UserPrompt: prompt}
		if img != nil {
			req.ImageMIME, req.ImageData = img.MIME, img.Data
		}
		resp, err := p.Chat(ctx, req)
		if err != nil {
			return "", err
		}
		return resp.Text, nil
	}
	return nil
}

func defaultStorePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "chatgate-local.json"
	}
	return filepath.Join(dir, "chatgate", "local.json")
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func splitList(raw string) []string {
	out := make([]string, 0)
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `chatgate-cli: terminal chat client for chatgate.

Usage: chatgate-cli [flags]

Flags:
%s`, flagSet.FlagUsages())
}
