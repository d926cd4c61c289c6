package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"llm-council-client/council"
	"llm-council-client/internal/devserver"
)

const usage = `Usage: council-client [flags] <command> [arguments]

Commands:
  ask [-c id] [-dup model,...] [-url URL] <question>
                 ask the council; -c continues a conversation
  list           list conversations
  show <id>      show a conversation with all stages
  models         list the council models
  serve          run the local dev backend

Flags:
`

// errUsage marks command line mistakes; main prints usage for them.
var errUsage = errors.New("invalid usage")

func main() {
	// Load configuration
	LoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

// run executes one command line. Output goes to stdout, usage and logs to stderr.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("council-client", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&APIURL, "api", APIURL, "council backend URL")
	fs.StringVar(&SessionToken, "token", SessionToken, "session token sent as a bearer credential")
	verbose := fs.Bool("v", false, "log client activity")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	if fs.NArg() == 0 {
		fs.Usage()
		return fmt.Errorf("%w: missing command", errUsage)
	}

	command, rest := fs.Arg(0), fs.Args()[1:]
	var err error
	switch command {
	case "ask":
		err = runAsk(ctx, rest, stdout, stderr, logger)
	case "list":
		err = runList(ctx, stdout, logger)
	case "show":
		err = runShow(ctx, rest, stdout, logger)
	case "models":
		err = runModels(ctx, stdout, logger)
	case "serve":
		err = runServe(ctx, rest, stderr, logger)
	default:
		fs.Usage()
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}

	if errors.Is(err, council.ErrUnauthorized) {
		return fmt.Errorf("%w (set COUNCIL_SESSION_TOKEN or -token)", err)
	}
	return err
}

func newClient(logger *slog.Logger) *council.Client {
	return council.NewClient(APIURL,
		council.WithSessionToken(SessionToken),
		council.WithRequestTimeout(RequestTimeout),
		council.WithLogger(logger),
	)
}

// runAsk submits one turn, printing progress as events arrive and the answer at the end.
func runAsk(ctx context.Context, args []string, stdout, stderr io.Writer, logger *slog.Logger) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	fs.SetOutput(stderr)
	conversationID := fs.String("c", "", "continue the conversation with this id")
	dup := fs.String("dup", strings.Join(DuplicateModels, ","), "comma separated models to query twice")
	pageURL := fs.String("url", "", "add the text of this web page to the question")
	if err := fs.Parse(args); err != nil {
		return err
	}

	question := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if question == "" {
		return fmt.Errorf("%w: ask needs a question", errUsage)
	}

	if StreamTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, StreamTimeout)
		defer cancel()
	}

	if *pageURL != "" {
		page, err := FetchURLContent(ctx, *pageURL)
		if err != nil {
			return err
		}
		question = page.Question(question)
	}

	session, err := council.NewSession(newClient(logger), council.WithSessionLogger(logger))
	if err != nil {
		return err
	}
	session.SetDuplicateModels(splitList(*dup))
	session.OnEvent = func(ev council.Event) {
		if line := RenderProgress(ev); line != "" {
			fmt.Fprintln(stdout, line)
		}
	}

	var conv council.Conversation
	if *conversationID != "" {
		conv, err = session.Open(ctx, *conversationID)
	} else {
		conv, err = session.New(ctx)
	}
	if err != nil {
		return err
	}
	if len(conv.Messages) > 0 {
		fmt.Fprintln(stdout, RenderProgress(council.Event{Type: council.EventStage3Start}))
	}

	submitErr := session.Submit(ctx, question)

	// An error event keeps the stages that arrived, so show them before failing
	var streamErr *council.StreamError
	if submitErr != nil && !errors.As(submitErr, &streamErr) {
		return submitErr
	}

	if current, ok := session.Reducer().Conversation(); ok && len(current.Messages) > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, RenderMessage(current.Messages[len(current.Messages)-1]))
	}
	fmt.Fprintf(stdout, "\nConversation: %s\n", conv.ID)
	return submitErr
}

func runList(ctx context.Context, stdout io.Writer, logger *slog.Logger) error {
	summaries, err := newClient(logger).ListConversations(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, RenderSummaries(summaries))
	return nil
}

func runShow(ctx context.Context, args []string, stdout io.Writer, logger *slog.Logger) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: show needs a conversation id", errUsage)
	}
	conv, err := newClient(logger).GetConversation(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, RenderConversation(*conv))
	return nil
}

func runModels(ctx context.Context, stdout io.Writer, logger *slog.Logger) error {
	models, err := newClient(logger).Models(ctx)
	if err != nil {
		return err
	}
	for _, model := range models {
		fmt.Fprintln(stdout, model)
	}
	return nil
}

// runServe runs the dev backend until ctx is cancelled.
func runServe(ctx context.Context, args []string, stderr io.Writer, logger *slog.Logger) error {
	cfg := devserver.DefaultConfig()
	cfg.Addr = DevAddr
	cfg.DataDir = DevDataDir
	cfg.CouncilFile = DevCouncilFile
	cfg.Token = SessionToken
	cfg.CORSAllowedOrigins = CORSAllowedOrigins

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.CouncilFile, "config", cfg.CouncilFile, "YAML council definition")
	fs.StringVar(&cfg.DataDir, "data", cfg.DataDir, "conversation storage directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	server, err := devserver.New(cfg, logger.With(slog.String("component", "serve")))
	if err != nil {
		return fmt.Errorf("failed to start dev backend: %w", err)
	}
	log.Printf("Starting LLM Council dev backend on %s...", cfg.Addr)
	return server.ListenAndServe(ctx)
}
