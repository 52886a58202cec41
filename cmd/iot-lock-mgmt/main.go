package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/commands"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/devicemanagement"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/dispatch"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/gateway"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/notifications"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/application/watchdog"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/activitylog"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database"
	commandrepo "github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database/commands"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/repositories/database/devices"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/router"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/presentation/api"
	"github.com/diwise/iot-lock-mgmt/internal/pkg/presentation/push"
	"github.com/diwise/messaging-golang/pkg/messaging"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	"github.com/diwise/service-chassis/pkg/infrastructure/o11y/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v2"
)

const serviceName string = "iot-lock-mgmt"

type flagType int
type flagMap map[flagType]string

const (
	servicePort flagType = iota
	configurationFile
	devicesFile
	activityLogPath
	useSQLite
	commandSecret
	jwtSecret
	allowedOrigins
)

type appConfig struct {
	HTTP          router.Config                  `yaml:"http"`
	Presence      watchdog.Config                `yaml:"presence"`
	Commands      commands.Config                `yaml:"commands"`
	ActivityLog   activitylog.Config             `yaml:"activityLog"`
	Naming        []devicemanagement.NameMapping `yaml:"naming"`
	Notifications []notifications.Notification   `yaml:"notifications"`
}

func main() {
	serviceVersion := version()

	logger := newLogger(serviceName, serviceVersion)
	logger.Info().Msg("starting up ...")

	ctx := logging.NewContextWithLogger(context.Background(), logger)

	cleanup, err := tracing.Init(ctx, serviceName, serviceVersion)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracing")
	}
	defer cleanup()

	flags := parseExternalConfig(logger, defaultFlags())

	cfg, err := loadAppConfig(flags[configurationFile])
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	if flags[activityLogPath] != "" {
		cfg.ActivityLog.Path = flags[activityLogPath]
	}

	if flags[allowedOrigins] != "" {
		cfg.HTTP.AllowedOrigins = router.ParseOrigins(flags[allowedOrigins])
	}

	connect := database.NewPostgreSQLConnector(ctx, database.LoadConfigFromEnv(logger))
	if flags[useSQLite] == "true" {
		logger.Warn().Msg("using in-memory sqlite, state is lost on restart")
		connect = database.NewSQLiteConnector(ctx)
	}

	db, err := connect()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	deviceRepo, err := devices.NewDeviceRepository(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create device repository")
	}

	queue, err := commandrepo.NewCommandRepository(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create command repository")
	}

	activity, err := activitylog.New(cfg.ActivityLog)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ActivityLog.Path).Msg("failed to open activity log")
	}
	defer activity.Close()

	messenger, err := messaging.Initialize(messaging.LoadConfiguration(serviceName, logger))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init messenger")
	}
	defer messenger.Close()

	notifier := notifications.New(messenger, &notifications.Config{Notifications: cfg.Notifications})

	dm, err := devicemanagement.New(deviceRepo, notifier, &devicemanagement.DeviceManagementConfig{Naming: cfg.Naming})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create device management")
	}

	if flags[devicesFile] != "" {
		if err = seedDevices(ctx, dm, flags[devicesFile]); err != nil {
			logger.Fatal().Err(err).Msg("failed to seed devices")
		}
	}

	connections := dispatch.NewConnections()
	signer := dispatch.NewSigner(flags[commandSecret])
	if !signer.Enabled() {
		logger.Warn().Msg("no command secret configured, commands will be sent unsigned")
	}

	dispatcher := dispatch.New(queue, connections, signer)
	gw := gateway.New(dm, queue, dispatcher, signer, activity, notifier)
	cmds := commands.New(queue, dm, dispatcher, activity, notifier, cfg.Commands)

	commands.RegisterTopicMessageHandler(messenger, cmds)

	r := api.RegisterHandlers(ctx, router.New(serviceName, cfg.HTTP), flags[jwtSecret], api.Services{
		Gateway:  gw,
		Devices:  dm,
		Commands: cmds,
		Activity: activity,
		Push:     push.NewServer(gw, connections, push.Config{AllowOrigin: cfg.HTTP.AllowsOrigin}),
	})

	wd := watchdog.New(dm, activity, notifier, cfg.Presence)
	wd.Start(ctx)
	defer wd.Stop()

	reclaimer := commands.NewReclaimer(cmds, cfg.Commands)
	reclaimer.Start(ctx)
	defer reclaimer.Stop()

	server := &http.Server{
		Addr:              ":" + flags[servicePort],
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	go func() {
		logger.Info().Str("port", flags[servicePort]).Msg("starting to listen for connections")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start request router")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs

	logger.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err = server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shut down http server gracefully")
	}
}

func defaultFlags() flagMap {
	return flagMap{
		servicePort:       "8080",
		configurationFile: "",
		devicesFile:       "",
		activityLogPath:   "",
		useSQLite:         "false",
		allowedOrigins:    "",
	}
}

func parseExternalConfig(logger zerolog.Logger, flags flagMap) flagMap {
	// Allow environment variables to override certain defaults
	envOrDef := func(key, def string) string {
		return env.GetVariableOrDefault(logger, key, def)
	}

	flags[servicePort] = envOrDef("SERVICE_PORT", flags[servicePort])
	flags[configurationFile] = envOrDef("LOCKMGMT_CONFIG_FILE", flags[configurationFile])
	flags[devicesFile] = envOrDef("LOCKMGMT_DEVICES_FILE", flags[devicesFile])
	flags[activityLogPath] = envOrDef("ACTIVITY_LOG_PATH", flags[activityLogPath])
	flags[useSQLite] = envOrDef("LOCKMGMT_DB_SQLITE", flags[useSQLite])
	flags[commandSecret] = os.Getenv("COMMAND_SECRET_KEY")
	flags[jwtSecret] = os.Getenv("CONTROL_API_JWT_SECRET")
	flags[allowedOrigins] = envOrDef("CORS_ALLOWED_ORIGINS", flags[allowedOrigins])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("config", "lock management configuration file", apply(configurationFile))
	flag.Func("devices", "list of known devices", apply(devicesFile))
	flag.Func("activitylog", "path to the hardware activity log", apply(activityLogPath))
	flag.Func("sqlite", "use an in-memory sqlite database (true/false)", apply(useSQLite))
	flag.Parse()

	return flags
}

func loadAppConfig(path string) (*appConfig, error) {
	if path == "" {
		return &appConfig{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open configuration file: %w", err)
	}

	return parseExternalConfigFile(f)
}

func parseExternalConfigFile(cfgFile io.ReadCloser) (*appConfig, error) {
	defer cfgFile.Close()

	b, err := io.ReadAll(cfgFile)
	if err != nil {
		return nil, err
	}

	cfg := &appConfig{}
	err = yaml.Unmarshal(b, cfg)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

func seedDevices(ctx context.Context, dm devicemanagement.DeviceManagement, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return dm.Seed(ctx, f)
}

func newLogger(serviceName, serviceVersion string) zerolog.Logger {
	logger := log.With().Str("service", strings.ToLower(serviceName)).Str("version", serviceVersion).Logger()
	return logger
}

func version() string {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}

	buildSettings := buildInfo.Settings
	infoMap := map[string]string{}
	for _, s := range buildSettings {
		infoMap[s.Key] = s.Value
	}

	sha := infoMap["vcs.revision"]
	if infoMap["vcs.modified"] == "true" {
		sha += "+"
	}

	return sha
}
