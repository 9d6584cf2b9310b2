package main

import (
	"context"
	"fmt"
	"io"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"killswitch/internal/client"
	"killswitch/internal/config"
	"killswitch/internal/service"
	"killswitch/internal/trigger"
	"killswitch/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// cli - общие флаги и ввод/вывод всех команд
type cli struct {
	configPath   string
	server       string
	token        string
	operatorName string
	logLevel     string
	local        bool
	jsonOut      bool

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg    *config.Config
	logger *utils.Logger
}

// run выполняет команду и возвращает код выхода
func run(args []string, in io.Reader, out, errOut io.Writer) int {
	c := &cli{in: in, out: out, errOut: errOut}
	root := c.rootCmd()
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintf(errOut, "error: %v\n", err)
	}
	if c.logger != nil {
		c.logger.Sync()
	}
	return int(service.Classify(err))
}

func (c *cli) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "killswitch",
		Short:         "Emergency kill switch for automated trading",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.setup(cmd.Name() == "serve")
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", os.Getenv("KILLSWITCH_CONFIG"), "path to YAML config")
	pf.StringVar(&c.server, "server", "", "daemon API url (default from server.host/port)")
	pf.StringVar(&c.token, "token", "", "API bearer token (default server.api_token)")
	pf.StringVar(&c.operatorName, "operator", os.Getenv("USER"), "operator name recorded in the audit trail")
	pf.StringVar(&c.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	pf.BoolVar(&c.local, "local", false, "operate on local state files instead of the daemon")
	pf.BoolVar(&c.jsonOut, "json", false, "print JSON")

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	})

	root.AddCommand(
		c.serveCmd(),
		c.statusCmd(),
		c.triggerCmd(),
		c.recoverCmd(),
		c.auditCmd(),
		c.healthCmd(),
		c.watchCmd(),
	)
	return root
}

// setup загружает конфигурацию и создает logger.
// Разовые команды по умолчанию пишут в лог только предупреждения.
func (c *cli) setup(serve bool) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	c.cfg = cfg

	level := cfg.Logging.Level
	if !serve {
		level = "warn"
	}
	if c.logLevel != "" {
		level = c.logLevel
	}
	c.logger = utils.InitLogger(utils.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	utils.SetGlobalLogger(c.logger)
	return nil
}

// operator возвращает исполнителя команд и функцию освобождения
func (c *cli) operator(ctx context.Context) (operator, func(), error) {
	if c.local {
		a, err := buildApp(ctx, c.cfg, c.logger, false)
		if err != nil {
			return nil, nil, err
		}
		return &localOperator{app: a}, a.Close, nil
	}

	cl, err := client.New(c.serverURL(),
		client.WithToken(c.apiToken()),
		client.WithOperator(c.operatorName),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", service.ErrInvalidInput, err)
	}
	return cl, func() {}, nil
}

func (c *cli) serverURL() string {
	if c.server != "" {
		return c.server
	}
	return c.cfg.Server.URL()
}

func (c *cli) apiToken() string {
	if c.token != "" {
		return c.token
	}
	return c.cfg.Server.APIToken
}

// loadContext читает торговый контекст (JSON объект) из файла
func loadContext(path string) (trigger.Context, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read context: %v", service.ErrInvalidInput, err)
	}
	var tctx trigger.Context
	if err := json.Unmarshal(data, &tctx); err != nil {
		return nil, fmt.Errorf("%w: parse context %s: %v", service.ErrInvalidInput, path, err)
	}
	if len(tctx) == 0 {
		return nil, fmt.Errorf("%w: context %s is empty", service.ErrInvalidInput, path)
	}
	return tctx, nil
}

// submitContext передает контекст перед health/recover, если задан --context
func submitContext(ctx context.Context, op operator, path string) error {
	if path == "" {
		return nil
	}
	tctx, err := loadContext(path)
	if err != nil {
		return err
	}
	_, err = op.SubmitContext(ctx, tctx)
	return err
}

// errArgs - ошибка разбора аргументов, ожидаемый отказ
func errArgs(msg string) error {
	return fmt.Errorf("%w: %s", service.ErrInvalidInput, msg)
}

// noArgs - cobra.NoArgs с ожидаемым кодом выхода
func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return errArgs(err.Error())
	}
	return nil
}
