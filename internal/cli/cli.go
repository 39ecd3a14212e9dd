package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/prodo-dev/plz/client"
	"github.com/prodo-dev/plz/internal/runtimeconfig"
)

type runtimeContext struct {
	CWD        string
	Stdout     io.Writer
	Stderr     io.Writer
	Config     runtimeconfig.Config
	ConfigPath string
	Version    string
}

type CLI struct {
	Serve  ServeCommand  `cmd:"" help:"Run the plz controller"`
	Doctor DoctorCommand `cmd:"" help:"Run environment and instance backend diagnostics"`
	TLS    TLSCommand    `cmd:"" name:"tls" help:"Manage TLS material for https endpoints"`

	Ping        PingCommand        `cmd:"" help:"Check that the controller is reachable"`
	Snapshot    SnapshotCommand    `cmd:"" help:"Build a snapshot from a directory"`
	Run         RunCommand         `cmd:"" help:"Run a command on a snapshot"`
	Rerun       RerunCommand       `cmd:"" help:"Run an execution again, optionally overriding parameters"`
	List        ListCommand        `cmd:"" help:"List executions bound to instances"`
	History     HistoryCommand     `cmd:"" help:"Show finished executions of a project"`
	Status      StatusCommand      `cmd:"" help:"Show the status of an execution"`
	Describe    DescribeCommand    `cmd:"" help:"Show the start metadata of an execution"`
	Composition CompositionCommand `cmd:"" help:"Show how an execution fans out over indices"`
	Logs        LogsCommand        `cmd:"" help:"Print the logs of an execution"`
	Output      OutputCommand      `cmd:"" help:"Download the output files of an execution"`
	Measures    MeasuresCommand    `cmd:"" help:"Print the measures of an execution"`
	Delete      DeleteCommand      `cmd:"" help:"Stop an execution and harvest it"`
	Kill        KillCommand        `cmd:"" help:"Terminate instances"`
	Harvest     HarvestCommand     `cmd:"" help:"Harvest finished executions now"`
	Last        LastCommand        `cmd:"" help:"Print the id of your most recent execution"`

	Version kong.VersionFlag `help:"Print version and exit"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

func newParser(c *CLI, version string, opts ...kong.Option) (*kong.Kong, error) {
	return kong.New(
		c,
		append([]kong.Option{
			kong.Name("plz"),
			kong.Description("Run jobs on snapshots, locally or on microVM instances"),
			kong.Vars{"version": version},
			kong.UsageOnError(),
		}, opts...)...,
	)
}

func Run(args []string, version string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	runtimeCtx := &runtimeContext{
		CWD:        cwd,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
		Version:    version,
	}

	cli := CLI{}
	parser, err := newParser(&cli, version)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(runtimeCtx)
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

// ClientFlags are shared by every command that talks to a controller.
type ClientFlags struct {
	Host     string `help:"Controller endpoint (unix://path, http://host:port, or https://host:port)" env:"PLZ_HOST"`
	User     string `help:"User the executions belong to (defaults to the login name)" env:"PLZ_USER"`
	LogLevel string `help:"Client log level (debug|info|warn|error)"`
	TLSCert  string `name:"tls-cert" help:"Client certificate for https endpoints" type:"path"`
	TLSKey   string `name:"tls-key" help:"Client key for https endpoints" type:"path"`
	TLSCA    string `name:"tls-ca" help:"CA bundle for https endpoints" type:"path"`
}

func (f ClientFlags) client() (*client.Client, error) {
	return client.New(f.Host, client.WithTLS(client.TLSOptions{
		CertPath: f.TLSCert,
		KeyPath:  f.TLSKey,
		CAPath:   f.TLSCA,
	}))
}

func (f ClientFlags) user() (string, error) {
	if u := strings.TrimSpace(f.User); u != "" {
		return u, nil
	}
	current, err := user.Current()
	if err != nil {
		return "", fmt.Errorf("resolve user (pass --user): %w", err)
	}
	return current.Username, nil
}

func (f ClientFlags) logger() (*log.Logger, error) {
	return newLogger(f.LogLevel, "client")
}

// executionID returns id, or the user's most recent execution when id is
// empty.
func (f ClientFlags) executionID(ctx context.Context, c *client.Client, id string) (string, error) {
	if id = strings.TrimSpace(id); id != "" {
		return id, nil
	}
	u, err := f.user()
	if err != nil {
		return "", err
	}
	last, err := c.LastExecutionID(ctx, u)
	if err != nil {
		return "", err
	}
	if last == "" {
		return "", fmt.Errorf("user %s has no executions; pass an execution id", u)
	}
	return last, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newLogger(rawLevel, component string) (*log.Logger, error) {
	return newLoggerTo(os.Stderr, rawLevel, component)
}

func newLoggerTo(w io.Writer, rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	return logger.With("component", component), nil
}
