package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/robfig/cron/v3"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"buildq/app/conditions"
	"buildq/app/config"
	"buildq/app/discovery"
	"buildq/app/executor"
	"buildq/app/history"
	"buildq/app/notify"
	"buildq/app/queue"
	"buildq/app/service"
	"buildq/app/web"
)

var opts struct {
	Root     string        `short:"r" long:"root" env:"BUILDQ_ROOT" default:"." description:"directory tree to scan for build targets"`
	Tool     string        `short:"t" long:"tool" env:"BUILDQ_TOOL" default:"docker" choice:"docker" choice:"npm" description:"build tool to drive"`
	StateDir string        `long:"state" env:"BUILDQ_STATE" default:"." description:"directory for queue and progress files"`
	LogDir   string        `long:"logs" env:"BUILDQ_LOGS" default:"logs" description:"directory for per-job logs and the error report"`
	Timeout  time.Duration `long:"timeout" env:"BUILDQ_TIMEOUT" default:"30m" description:"per-job wall clock limit"`

	MaxDepth  int      `long:"max-depth" env:"BUILDQ_MAX_DEPTH" default:"3" description:"discovery depth limit"`
	Excludes  []string `long:"exclude" env:"BUILDQ_EXCLUDE" env-delim:"," description:"extra directory names to skip during discovery"`
	Target    string   `long:"target" env:"BUILDQ_TARGET" description:"single target file, skips discovery"`
	Name      string   `long:"name" env:"BUILDQ_NAME" description:"identity for the single target, defaults to its directory name"`
	Schedule  string   `long:"schedule" env:"BUILDQ_SCHEDULE" description:"cron expression to re-run the batch"`
	LogPrefix bool     `long:"log-prefix" env:"BUILDQ_LOG_PREFIX" description:"prefix job output lines with the job identity"`
	KeepAfter bool     `long:"keep-artifacts" env:"BUILDQ_KEEP" description:"keep built images or node_modules after success"`
	Conf      string   `long:"conf" env:"BUILDQ_CONF" description:"YAML config file, overrides flags"`
	Dbg       bool     `long:"dbg" env:"BUILDQ_DEBUG" description:"debug mode"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times to repeat a failed job"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial retry delay"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"BUILDQ_REPEATER"`

	Conditions struct {
		CPUBelow      int           `long:"cpu-below" env:"CPU_BELOW" description:"postpone next job while CPU usage is above this percent"`
		MemBelow      int           `long:"mem-below" env:"MEM_BELOW" description:"postpone next job while memory usage is above this percent"`
		LoadBelow     float64       `long:"load-below" env:"LOAD_BELOW" description:"postpone next job while 1m load average is above this"`
		DiskAbove     int           `long:"disk-above" env:"DISK_ABOVE" description:"postpone next job while free disk is below this percent"`
		DiskPath      string        `long:"disk-path" env:"DISK_PATH" default:"/" description:"path to check free disk on"`
		Custom        string        `long:"custom" env:"CUSTOM" description:"shell check, exit 0 means ok to proceed"`
		MaxPostpone   time.Duration `long:"max-postpone" env:"MAX_POSTPONE" default:"30m" description:"run anyway after waiting this long"`
		CheckInterval time.Duration `long:"check-interval" env:"CHECK_INTERVAL" default:"30s" description:"how often to re-check conditions"`
	} `group:"conditions" namespace:"conditions" env-namespace:"BUILDQ_CONDITIONS"`

	Notify struct {
		EnabledError      bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on failed jobs"`
		EnabledCompletion bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable batch completion notifications"`
		To                []string      `long:"to" env:"TO" env-delim:"," description:"mailto: addresses or webhook URLs"`
		SMTPHost          string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort          int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername      string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword      string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS           bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPTimeOut       time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		ErrorTemplate     string        `long:"err-template" env:"ERR_TEMPLATE" description:"error message template file"`
		SummaryTemplate   string        `long:"complete-template" env:"COMPLETE_TEMPLATE" description:"completion message template file"`
		MaxLogLines       int           `long:"max-log" env:"MAX_LOG" default:"100" description:"max log lines included in failure messages"`
		HostName          string        `long:"host" env:"HOSTNAME" description:"host name running buildq"`
	} `group:"notify" namespace:"notify" env-namespace:"BUILDQ_NOTIFY"`

	History struct {
		Enabled bool   `long:"enabled" env:"ENABLED" description:"record runs and executions to sqlite"`
		DBFile  string `long:"db" env:"DB" default:"buildq.db" description:"sqlite database file"`
	} `group:"history" namespace:"history" env-namespace:"BUILDQ_HISTORY"`

	Web struct {
		Enabled        bool   `long:"enabled" env:"ENABLED" description:"enable read-only status API"`
		Address        string `long:"address" env:"ADDRESS" default:":8080" description:"listen address"`
		AuthPasswdHash string `long:"auth-hash" env:"AUTH_HASH" description:"bcrypt hash enabling basic auth"`
	} `group:"web" namespace:"web" env-namespace:"BUILDQ_WEB"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable driver logging"`
		Filename        string `long:"filename" env:"FILENAME" description:"log file, stdout if not set"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log size in megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files in days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"gzip rotated files"`
	} `group:"log" namespace:"log" env-namespace:"BUILDQ_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("buildq %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}

	if opts.Conf != "" {
		conf, err := config.Load(opts.Conf)
		if err != nil {
			fmt.Printf("can't load config: %v\n", err)
			os.Exit(2)
		}
		applyConfig(conf)
	}

	stdout := setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx, stdout); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stdout io.Writer) error {
	tool := makeTool()
	if err := tool.Check(); err != nil {
		return fmt.Errorf("%s not usable: %w", tool.Name(), err)
	}

	if err := os.MkdirAll(opts.LogDir, 0o750); err != nil {
		return fmt.Errorf("can't create log dir %s: %w", opts.LogDir, err)
	}
	if err := os.MkdirAll(opts.StateDir, 0o750); err != nil {
		return fmt.Errorf("can't create state dir %s: %w", opts.StateDir, err)
	}

	runner, hist, err := makeRunner(tool, stdout)
	if err != nil {
		return err
	}
	if hist != nil {
		defer hist.Close()
	}

	if opts.Web.Enabled {
		store := runner.Queue.(*queue.Store)
		srv := web.Server{
			Queue:        store,
			Ledger:       queue.NewLedger(store.LedgerFile),
			History:      webHistory(hist),
			Version:      revision,
			Hostname:     makeHostName(),
			Tool:         opts.Tool,
			PasswordHash: opts.Web.AuthPasswdHash,
		}
		go func() {
			if err := srv.Run(ctx, opts.Web.Address); err != nil {
				log.Printf("[WARN] status server terminated, %v", err)
			}
		}()
	}

	if opts.Schedule == "" {
		summary, err := runner.Do(ctx)
		printSummary(summary)
		return err
	}

	sched, err := cron.ParseStandard(opts.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", opts.Schedule, err)
	}
	for {
		summary, err := runner.Do(ctx)
		printSummary(summary)
		if err != nil {
			return err
		}

		next := sched.Next(time.Now())
		log.Printf("[INFO] next batch scheduled at %s", next.Format(time.RFC3339))
		select {
		case <-time.After(time.Until(next)):
		case <-ctx.Done():
			return nil
		}
	}
}

// makeRunner wires the full driver. The history store is returned separately
// so the caller can close it.
func makeRunner(tool executor.Tool, stdout io.Writer) (*service.Runner, *history.Store, error) {
	store := queue.NewStore(opts.StateDir)

	adapter := &executor.Adapter{
		Tool:    tool,
		LogDir:  opts.LogDir,
		Report:  executor.NewReport(reportFile()),
		Timeout: opts.Timeout,
	}

	var hist *history.Store
	if opts.History.Enabled {
		var err error
		if hist, err = history.NewStore(opts.History.DBFile); err != nil {
			return nil, nil, fmt.Errorf("can't open history db %s: %w", opts.History.DBFile, err)
		}
	}

	runner := &service.Runner{
		Source:            makeSource(),
		Queue:             store,
		Ledger:            queue.NewLedger(store.LedgerFile),
		Executor:          adapter,
		ToolName:          opts.Tool,
		Notifier:          makeNotifier(),
		ConditionChecker:  conditions.Checker{},
		Conditions:        makeConditions(),
		Stdout:            stdout,
		EnableLogPrefix:   opts.LogPrefix,
		NotifyMaxLogLines: opts.Notify.MaxLogLines,
		NotifyTimeout:     opts.Notify.SMTPTimeOut,
		HostName:          makeHostName(),
	}
	if rptr := makeRepeater(); rptr != nil {
		runner.Repeater = rptr
	}
	if hist != nil {
		runner.History = hist
	}
	return runner, hist, nil
}

func makeTool() executor.Tool {
	if opts.Tool == "npm" {
		return executor.NpmInstall{KeepDeps: opts.KeepAfter}
	}
	return executor.DockerBuild{KeepImages: opts.KeepAfter}
}

func makeSource() service.JobSource {
	if opts.Target != "" {
		return discovery.Single{Identity: opts.Name, Target: opts.Target}
	}

	match := discovery.Dockerfiles
	if opts.Tool == "npm" {
		match = discovery.PackageJSON
	}
	walker := discovery.NewWalker(opts.Root, match)
	if opts.MaxDepth > 0 {
		walker.MaxDepth = opts.MaxDepth
	}
	walker.Excludes = append(walker.Excludes, opts.Excludes...)
	return walker
}

func makeRepeater() *repeater.Repeater {
	if opts.Repeater.Attempts <= 1 {
		return nil
	}
	return repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts, Duration: opts.Repeater.Duration,
		Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})
}

func makeNotifier() *notify.Service {
	return notify.NewService(notify.Params{
		Destinations:    opts.Notify.To,
		OnError:         opts.Notify.EnabledError,
		OnCompletion:    opts.Notify.EnabledCompletion,
		HostName:        makeHostName(),
		Timeout:         opts.Notify.SMTPTimeOut,
		ErrorTemplate:   opts.Notify.ErrorTemplate,
		SummaryTemplate: opts.Notify.SummaryTemplate,
		SMTPHost:        opts.Notify.SMTPHost,
		SMTPPort:        opts.Notify.SMTPPort,
		SMTPTLS:         opts.Notify.SMTPTLS,
		SMTPUsername:    opts.Notify.SMTPUsername,
		SMTPPassword:    opts.Notify.SMTPPassword,
	})
}

func makeConditions() conditions.Config {
	res := conditions.Config{DiskFreePath: opts.Conditions.DiskPath, Custom: opts.Conditions.Custom}
	if opts.Conditions.CPUBelow > 0 {
		res.CPUBelow = &opts.Conditions.CPUBelow
	}
	if opts.Conditions.MemBelow > 0 {
		res.MemoryBelow = &opts.Conditions.MemBelow
	}
	if opts.Conditions.LoadBelow > 0 {
		res.LoadAvgBelow = &opts.Conditions.LoadBelow
	}
	if opts.Conditions.DiskAbove > 0 {
		res.DiskFreeAbove = &opts.Conditions.DiskAbove
	}
	if opts.Conditions.MaxPostpone > 0 {
		res.MaxPostpone = &opts.Conditions.MaxPostpone
	}
	if opts.Conditions.CheckInterval > 0 {
		res.CheckInterval = &opts.Conditions.CheckInterval
	}
	return res
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// webHistory avoids a typed-nil *history.Store landing in the interface field
func webHistory(hist *history.Store) web.HistoryInfo {
	if hist == nil {
		return nil
	}
	return hist
}

func reportFile() string {
	return opts.LogDir + "/" + executor.ReportFileName
}

// applyConfig overlays YAML config values onto the flag set, file wins
func applyConfig(conf *config.Config) {
	if conf.Root != "" {
		opts.Root = conf.Root
	}
	if conf.Tool != "" {
		opts.Tool = conf.Tool
	}
	if conf.StateDir != "" {
		opts.StateDir = conf.StateDir
	}
	if conf.LogDir != "" {
		opts.LogDir = conf.LogDir
	}
	if conf.Timeout != 0 {
		opts.Timeout = conf.Timeout.D()
	}
	if conf.MaxDepth != 0 {
		opts.MaxDepth = conf.MaxDepth
	}
	if len(conf.Excludes) > 0 {
		opts.Excludes = conf.Excludes
	}
	if conf.LogPrefix {
		opts.LogPrefix = true
	}
	if conf.Schedule != "" {
		opts.Schedule = conf.Schedule
	}

	if conf.Repeater != nil {
		if conf.Repeater.Attempts != nil {
			opts.Repeater.Attempts = *conf.Repeater.Attempts
		}
		if conf.Repeater.Duration != nil {
			opts.Repeater.Duration = conf.Repeater.Duration.D()
		}
		if conf.Repeater.Factor != nil {
			opts.Repeater.Factor = *conf.Repeater.Factor
		}
		if conf.Repeater.Jitter != nil {
			opts.Repeater.Jitter = *conf.Repeater.Jitter
		}
	}

	if conf.Conditions != nil {
		if conf.Conditions.CPUBelow != nil {
			opts.Conditions.CPUBelow = *conf.Conditions.CPUBelow
		}
		if conf.Conditions.MemoryBelow != nil {
			opts.Conditions.MemBelow = *conf.Conditions.MemoryBelow
		}
		if conf.Conditions.LoadAvgBelow != nil {
			opts.Conditions.LoadBelow = *conf.Conditions.LoadAvgBelow
		}
		if conf.Conditions.DiskFreeAbove != nil {
			opts.Conditions.DiskAbove = *conf.Conditions.DiskFreeAbove
		}
		if conf.Conditions.DiskFreePath != "" {
			opts.Conditions.DiskPath = conf.Conditions.DiskFreePath
		}
		if conf.Conditions.Custom != "" {
			opts.Conditions.Custom = conf.Conditions.Custom
		}
		if conf.Conditions.MaxPostpone != nil {
			opts.Conditions.MaxPostpone = *conf.Conditions.MaxPostpone
		}
		if conf.Conditions.CheckInterval != nil {
			opts.Conditions.CheckInterval = *conf.Conditions.CheckInterval
		}
	}

	if conf.Notify != nil {
		opts.Notify.EnabledError = conf.Notify.EnabledError
		opts.Notify.EnabledCompletion = conf.Notify.EnabledCompletion
		if len(conf.Notify.Destinations) > 0 {
			opts.Notify.To = conf.Notify.Destinations
		}
		if conf.Notify.SMTPHost != "" {
			opts.Notify.SMTPHost = conf.Notify.SMTPHost
		}
		if conf.Notify.SMTPPort != 0 {
			opts.Notify.SMTPPort = conf.Notify.SMTPPort
		}
		if conf.Notify.SMTPUsername != "" {
			opts.Notify.SMTPUsername = conf.Notify.SMTPUsername
		}
		if conf.Notify.SMTPPassword != "" {
			opts.Notify.SMTPPassword = conf.Notify.SMTPPassword
		}
		if conf.Notify.SMTPTLS {
			opts.Notify.SMTPTLS = true
		}
		if conf.Notify.SMTPTimeout != 0 {
			opts.Notify.SMTPTimeOut = conf.Notify.SMTPTimeout.D()
		}
		if conf.Notify.ErrorTemplate != "" {
			opts.Notify.ErrorTemplate = conf.Notify.ErrorTemplate
		}
		if conf.Notify.CompletionMessage != "" {
			opts.Notify.SummaryTemplate = conf.Notify.CompletionMessage
		}
	}

	if conf.History != nil {
		opts.History.Enabled = conf.History.Enabled
		if conf.History.DBFile != "" {
			opts.History.DBFile = conf.History.DBFile
		}
	}

	if conf.Web != nil {
		opts.Web.Enabled = conf.Web.Enabled
		if conf.Web.Address != "" {
			opts.Web.Address = conf.Web.Address
		}
		if conf.Web.AuthPasswdHash != "" {
			opts.Web.AuthPasswdHash = conf.Web.AuthPasswdHash
		}
	}
}

func printSummary(summary service.Summary) {
	if summary.Resumed {
		fmt.Printf("resumed prior run, %d already completed\n", summary.Completed)
	}
	fmt.Printf("batch finished: %s\n", summary)
	if summary.Failed > 0 {
		fmt.Printf("failure details: %s, per-job logs in %s\n", reportFile(), opts.LogDir)
	}
}

func setupLogs() io.Writer {
	if !opts.Log.Enabled {
		log.Setup(log.Out(io.Discard), log.Err(io.Discard))
		return os.Stdout
	}

	log.Setup(log.Msec, log.LevelBraces)
	if opts.Dbg {
		log.Setup(log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}

	if opts.Log.Filename != "" {
		fileWriter := &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
			LocalTime:  true,
		}
		log.Setup(log.Out(fileWriter), log.Err(fileWriter))
		return fileWriter
	}

	return os.Stdout
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
