package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jpillora/sizestr"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/omochice/toy-secure-chat/internal/client"
	"github.com/omochice/toy-secure-chat/internal/config"
	"github.com/omochice/toy-secure-chat/internal/logging"
	"github.com/omochice/toy-secure-chat/internal/storage"
)

const usage = `Commands:
  /name <name>      change your display name
  /recall <id>      recall a message
  /sendfile <path>  send a file
  /quit             leave the chat
Anything else is sent as a message.`

func main() {
	configPath := flag.String("config", "", "Path to a TOML config file")
	serverAddr := flag.String("server", "", "Server address (e.g., localhost:8888)")
	serverName := flag.String("server-name", "", "Expected server name in its certificate")
	caFile := flag.String("ca", "", "PEM file of CAs to trust")
	mode := flag.String("mode", "", "Security mode (production or development)")
	insecure := flag.Bool("insecure", false, "Skip certificate verification (development mode only)")
	transport := flag.String("transport", "", "Transport: tls or websocket")
	name := flag.String("name", "", "Display name to take after connecting")
	downloads := flag.String("downloads", "", "Directory for received attachments")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg := config.DefaultClient()
	if *configPath != "" {
		loaded, err := config.LoadClient(*configPath)
		if err != nil {
			log := logging.New(logging.Options{App: "client"})
			log.Fatal().Err(err).Msg("Failed to load config")
		}
		cfg = loaded
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "server":
			cfg.Server = *serverAddr
		case "server-name":
			cfg.ServerName = *serverName
		case "ca":
			cfg.CAFile = *caFile
		case "mode":
			cfg.SecurityMode = config.NormalizeSecurityMode(config.SecurityMode(*mode))
		case "insecure":
			cfg.InsecureSkipVerify = *insecure
		case "transport":
			cfg.Transport = config.Transport(*transport)
		case "downloads":
			cfg.DownloadDir = *downloads
		case "log-level":
			cfg.LogLevel = *logLevel
		}
	})

	log := logging.New(logging.Options{App: "client", Level: cfg.LogLevel})
	if err := run(cfg, *name, log); err != nil {
		log.Fatal().Err(err).Msg("Client error")
	}
}

func run(cfg config.Client, name string, log zerolog.Logger) error {
	c, err := client.New(cfg, log)
	if err != nil {
		return err
	}
	downloads, err := storage.NewDir(cfg.DownloadDir)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer c.Disconnect()

	if name != "" {
		if err := c.Rename(name); err != nil {
			return err
		}
	}
	fmt.Println(usage)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		render(os.Stdout, c.Events(), downloads, log)
		return io.EOF
	})
	g.Go(func() error {
		return readInput(ctx, os.Stdin, c, log)
	})
	g.Go(func() error {
		<-ctx.Done()
		c.Disconnect()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readInput turns stdin lines into commands until /quit or end of input.
func readInput(ctx context.Context, in io.Reader, c *client.Client, log zerolog.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return io.EOF
			}
			line = strings.TrimSpace(l)
		}
		if line == "" {
			continue
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)
		var err error
		switch cmd {
		case "/quit", "/exit":
			return io.EOF
		case "/name":
			err = c.Rename(arg)
		case "/recall":
			err = c.Recall(arg)
		case "/sendfile":
			err = c.SendAttachment(arg)
		case "/help":
			fmt.Println(usage)
		default:
			err = c.SendText(line)
		}
		if err != nil {
			log.Error().Err(err).Str("command", cmd).Msg("Command failed")
			if !c.IsConnected() {
				return err
			}
		}
	}
}

// render prints events until the connection ends. Attachments are saved to
// downloads.
func render(out io.Writer, events <-chan client.Event, downloads *storage.Dir, log zerolog.Logger) {
	for ev := range events {
		switch ev.Kind {
		case client.EventMessage:
			fmt.Fprintf(out, "[%s] %s: %s\n", ev.ID, ev.Sender, ev.Text)
		case client.EventRecall:
			fmt.Fprintf(out, "*** message %s was recalled ***\n", ev.ID)
		case client.EventPresence:
			fmt.Fprintf(out, "*** online: %s ***\n", strings.Join(ev.Names, ", "))
		case client.EventNotice:
			fmt.Fprintf(out, "*** %s ***\n", ev.Text)
		case client.EventError:
			fmt.Fprintf(out, "!!! %s\n", ev.Text)
		case client.EventRaw:
			fmt.Fprintln(out, ev.Text)
		case client.EventStatus:
			if ev.Err != nil {
				fmt.Fprintf(out, "--- %s: %v\n", ev.Text, ev.Err)
			} else {
				fmt.Fprintf(out, "--- %s\n", ev.Text)
			}
		case client.EventAttachment:
			a := ev.Attachment
			path, err := downloads.Save(a.Name, bytes.NewReader(a.Data))
			if err != nil {
				log.Error().Err(err).Str("file", a.Name).Msg("Failed to save attachment")
				continue
			}
			fmt.Fprintf(out, "*** received %s (%s, %s) saved to %s ***\n",
				a.Name, a.MIME, sizestr.ToString(int64(len(a.Data))), path)
		}
	}
}
