// internal/mailaddrcli/run.go
package mailaddrcli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/dalemusser/mailaddr/config"
	"github.com/dalemusser/mailaddr/logging"
	"github.com/dalemusser/mailaddr/pantry/email"
	"github.com/dalemusser/mailaddr/pantry/email/address"
	"github.com/dalemusser/mailaddr/pantry/retry"
)

// Exit codes returned by Run.
const (
	ExitOK      = 0
	ExitInvalid = 1 // invalid address, send failure
	ExitUsage   = 2 // unknown command, wrong arguments, bad flags or config
)

const sendAttempts = 3

// drainBackoff reschedules failures for a later drain instead of retrying
// them in the same loop.
var drainBackoff = retry.Backoff{Initial: time.Minute, Max: time.Hour, Multiplier: 2, Jitter: 0.1}

// Run is the entrypoint used by cmd/mailaddr.
//
// binName is the CLI name shown in usage text. args excludes the binary name
// (i.e. os.Args[1:]). It returns a process exit code; callers should
// os.Exit(Run(...)).
func Run(binName string, args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	r := &runner{
		bin:      binName,
		stdout:   stdout,
		stderr:   stderr,
		registry: prometheus.NewRegistry(),
		newStore: redisStore,
	}
	return r.run(ctx, args)
}

// runner carries the seams the tests replace: the SMTP dialer, the metrics
// registry and the queue store.
type runner struct {
	bin      string
	stdout   io.Writer
	stderr   io.Writer
	dialer   email.Dialer
	registry *prometheus.Registry
	newStore func(addr string, logger *zap.Logger) (email.QueueStore, func() error)

	logger *zap.Logger
}

// redisStore decodes queued addresses with the default factory, the same
// one the CLI's Sender parses recipients with.
func redisStore(addr string, logger *zap.Logger) (email.QueueStore, func() error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	store := email.NewRedisQueueStore(email.RedisQueueConfig{
		Client: email.NewGoRedisClient(client),
		Prefix: "mailaddr:queue:",
		Logger: logger,
	})
	return store, client.Close
}

func (r *runner) run(ctx context.Context, args []string) int {
	if len(args) < 1 {
		r.usage(r.stderr)
		return ExitUsage
	}

	cmd := args[0]
	switch cmd {
	case "help", "-h", "--help":
		r.usage(r.stdout)
		return ExitOK
	case "parse", "check", "split", "send", "template", "drain":
	default:
		fmt.Fprintf(r.stderr, "unknown command: %q\n\n", cmd)
		r.usage(r.stderr)
		return ExitUsage
	}

	boot, err := logging.NewLogger(r.stderr, "warn", "dev")
	if err != nil {
		boot = zap.NewNop()
	}
	cfg, rest, err := config.Load(boot, args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return ExitOK
		}
		fmt.Fprintf(r.stderr, "%s %s: %v\n", r.bin, cmd, err)
		return ExitUsage
	}

	r.logger, err = logging.NewLogger(r.stderr, cfg.LogLevel, cfg.Env)
	if err != nil {
		fmt.Fprintf(r.stderr, "%s: %v\n", r.bin, err)
		return ExitUsage
	}
	defer func() { _ = r.logger.Sync() }()

	var code int
	switch cmd {
	case "parse":
		return r.parse(rest)
	case "check":
		return r.check(rest)
	case "split":
		return r.split(rest)
	case "send":
		code = r.send(ctx, cfg, rest)
	case "template":
		code = r.template(ctx, cfg, rest)
	case "drain":
		code = r.drain(ctx, cfg, rest)
	}

	if cfg.MetricsTextfile != "" {
		if err := prometheus.WriteToTextfile(cfg.MetricsTextfile, r.registry); err != nil {
			fmt.Fprintf(r.stderr, "%s %s: write metrics: %v\n", r.bin, cmd, err)
			if code == ExitOK {
				code = ExitInvalid
			}
		}
	}
	return code
}

func (r *runner) usage(w io.Writer) {
	fmt.Fprintf(w, "%s: parse, check and send email addresses\n", r.bin)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintf(w, "  %s parse <address>...              print each address in canonical form\n", r.bin)
	fmt.Fprintf(w, "  %s check <address>                 exit 0 if valid, 1 if not\n", r.bin)
	fmt.Fprintf(w, "  %s split <address>                 show the email and name parts\n", r.bin)
	fmt.Fprintf(w, "  %s send <to> <subject> <body>      send, or queue when redis_addr is set\n", r.bin)
	fmt.Fprintf(w, "  %s template <to> <file> <name> [key=value]...\n", r.bin)
	fmt.Fprintln(w, "                                            render a template from a YAML file and send or queue it")
	fmt.Fprintf(w, "  %s drain                           deliver everything waiting in the Redis queue\n", r.bin)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fs := config.NewFlagSet(r.bin)
	fs.SetOutput(w)
	fs.PrintDefaults()
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintf(w, "  %s parse 'ada@example.com, bob@example.com'\n", r.bin)
	fmt.Fprintf(w, "  %s check '\"Ada Lovelace\" <ada@example.com>'\n", r.bin)
	fmt.Fprintf(w, "  %s template ada@example.com templates.yaml welcome name=Ada\n", r.bin)
}

func (r *runner) fail(cmd string, err error) int {
	fmt.Fprintf(r.stderr, "%s %s: %v\n", r.bin, cmd, err)
	return ExitInvalid
}

func (r *runner) usageErr(cmd, want string) int {
	fmt.Fprintf(r.stderr, "usage: %s %s %s\n", r.bin, cmd, want)
	return ExitUsage
}

func (r *runner) parse(args []string) int {
	if len(args) == 0 {
		return r.usageErr("parse", "<address>...")
	}

	addrs, err := address.CreateArray(args)
	if err != nil {
		return r.fail("parse", err)
	}
	r.logger.Debug("parsed addresses", zap.Array("addresses", address.Addresses(addrs)))

	for _, a := range addrs {
		fmt.Fprintln(r.stdout, a.String())
	}
	return ExitOK
}

func (r *runner) check(args []string) int {
	if len(args) != 1 {
		return r.usageErr("check", "<address>")
	}

	a, err := address.Create(args[0])
	if err != nil {
		return r.fail("check", err)
	}
	r.logger.Debug("address ok", zap.Object("address", a))
	fmt.Fprintln(r.stdout, a.String())
	return ExitOK
}

func (r *runner) split(args []string) int {
	if len(args) != 1 {
		return r.usageErr("split", "<address>")
	}

	addr, name := address.Split(args[0])
	fmt.Fprintf(r.stdout, "email: %s\n", addr)
	if name != nil {
		fmt.Fprintf(r.stdout, "name:  %q\n", *name)
	} else {
		fmt.Fprintln(r.stdout, "name:  (none)")
	}
	fmt.Fprintf(r.stdout, "merge: %s\n", address.Merge(addr, name))
	return ExitOK
}

func (r *runner) sender(cfg *config.Config) (*email.Sender, error) {
	m, err := email.NewMetrics(r.registry)
	if err != nil {
		return nil, err
	}
	opts := []email.SenderOption{email.WithLogger(r.logger), email.WithMetrics(m)}
	if r.dialer != nil {
		opts = append(opts, email.WithDialer(r.dialer))
	}
	return email.NewSender(email.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.From,
		UseSSL:   cfg.SMTP.UseSSL,
		Timeout:  cfg.SMTP.Timeout,
	}, opts...), nil
}

func (r *runner) send(ctx context.Context, cfg *config.Config, args []string) int {
	if len(args) != 3 {
		return r.usageErr("send", "<to> <subject> <body>")
	}
	if err := cfg.ValidateForSend(); err != nil {
		return r.fail("send", err)
	}

	s, err := r.sender(cfg)
	if err != nil {
		return r.fail("send", err)
	}
	to, err := s.ParseRecipients(args[0])
	if err != nil {
		return r.fail("send", err)
	}
	return r.deliver(ctx, cfg, "send", s, email.Message{To: to, Subject: args[1], TextBody: args[2]})
}

func (r *runner) template(ctx context.Context, cfg *config.Config, args []string) int {
	if len(args) < 3 {
		return r.usageErr("template", "<to> <file> <name> [key=value]...")
	}
	data := make(map[string]string, len(args)-3)
	for _, kv := range args[3:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return r.usageErr("template", "<to> <file> <name> [key=value]...")
		}
		data[k] = v
	}
	if err := cfg.ValidateForSend(); err != nil {
		return r.fail("template", err)
	}

	f, err := os.Open(args[1])
	if err != nil {
		return r.fail("template", err)
	}
	store := email.NewTemplateStore()
	names, err := store.LoadYAML(f)
	_ = f.Close()
	if err != nil {
		return r.fail("template", err)
	}
	r.logger.Debug("templates loaded", zap.String("file", args[1]), zap.Strings("names", names))
	if !store.Has(args[2]) {
		return r.fail("template", fmt.Errorf("%w: %s (have %s)", email.ErrNoTemplate, args[2], strings.Join(names, ", ")))
	}

	s, err := r.sender(cfg)
	if err != nil {
		return r.fail("template", err)
	}
	msg, err := email.NewTemplateSender(s, store).Message([]string{args[0]}, args[2], data)
	if err != nil {
		return r.fail("template", err)
	}
	return r.deliver(ctx, cfg, "template", s, *msg)
}

// deliver queues msg when redis_addr is set and sends it directly otherwise.
func (r *runner) deliver(ctx context.Context, cfg *config.Config, cmd string, s *email.Sender, msg email.Message) int {
	if cfg.RedisAddr != "" {
		store, closeStore := r.newStore(cfg.RedisAddr, r.logger)
		defer func() { _ = closeStore() }()

		q := email.NewQueue(email.QueueConfig{Sender: s, Store: store, Logger: r.logger})
		id, err := q.EnqueueMessage(ctx, msg)
		if err != nil {
			return r.fail(cmd, err)
		}
		r.logger.Info("email queued", zap.String("id", id), zap.Array("to", address.Addresses(msg.To)))
		fmt.Fprintf(r.stdout, "queued %s\n", id)
		return ExitOK
	}

	err := retry.Do(ctx, sendAttempts, retry.DefaultBackoff(), func(ctx context.Context) error {
		return s.Send(ctx, msg)
	})
	if err != nil {
		return r.fail(cmd, err)
	}
	r.logger.Info("email sent", zap.Array("to", address.Addresses(msg.To)))
	fmt.Fprintf(r.stdout, "sent to %d recipient(s)\n", len(msg.To))
	return ExitOK
}

func (r *runner) drain(ctx context.Context, cfg *config.Config, args []string) int {
	if len(args) != 0 {
		return r.usageErr("drain", "")
	}
	if cfg.RedisAddr == "" {
		fmt.Fprintf(r.stderr, "%s drain: redis_addr is not set\n", r.bin)
		return ExitUsage
	}
	if err := cfg.ValidateForSend(); err != nil {
		return r.fail("drain", err)
	}

	s, err := r.sender(cfg)
	if err != nil {
		return r.fail("drain", err)
	}
	store, closeStore := r.newStore(cfg.RedisAddr, r.logger)
	defer func() { _ = closeStore() }()

	var failed int
	q := email.NewQueue(email.QueueConfig{
		Sender:  s,
		Store:   store,
		Logger:  r.logger,
		Backoff: &drainBackoff,
		OnFailed: func(*email.QueuedEmail, error) {
			failed++
		},
	})

	processed := 0
	for ctx.Err() == nil && q.ProcessNext(ctx) {
		processed++
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		return r.fail("drain", err)
	}
	fmt.Fprintf(r.stdout, "processed %d, sent %d, pending %d, scheduled %d, failed %d\n",
		processed, stats.Sent, stats.Pending, stats.Scheduled, stats.Failed)
	if failed > 0 {
		return ExitInvalid
	}
	return ExitOK
}
