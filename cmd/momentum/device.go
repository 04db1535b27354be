package main

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/momentum/internal/client/mutationlog"
	"github.com/MarcoPoloResearchLab/momentum/internal/client/store"
	"github.com/MarcoPoloResearchLab/momentum/internal/client/syncengine"
	"github.com/MarcoPoloResearchLab/momentum/internal/client/transport"
	"github.com/MarcoPoloResearchLab/momentum/internal/clock"
	"github.com/MarcoPoloResearchLab/momentum/internal/config"
	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"github.com/MarcoPoloResearchLab/momentum/internal/logging"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// deviceRuntime holds everything one CLI invocation needs.
type deviceRuntime struct {
	config    config.ClientConfig
	logger    *zap.Logger
	store     *store.Store
	log       *mutationlog.Log
	transport *transport.Client
	engine    *syncengine.Engine
}

func openDevice(ctx context.Context, onRejected func([]syncengine.RejectedMutation)) (*deviceRuntime, error) {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLoggerWithEncoding(clientConfig.LogLevel, logging.EncodingConsole)
	if err != nil {
		return nil, err
	}

	local, err := store.Open(clientConfig.DataPath)
	if err != nil {
		return nil, err
	}
	runtime, err := wireDevice(ctx, clientConfig, logger, local, onRejected)
	if err != nil {
		_ = local.Close()
		return nil, err
	}
	return runtime, nil
}

func wireDevice(ctx context.Context, clientConfig config.ClientConfig, logger *zap.Logger, local *store.Store, onRejected func([]syncengine.RejectedMutation)) (*deviceRuntime, error) {
	device, err := resolveDeviceID(ctx, local, clientConfig.DeviceID)
	if err != nil {
		return nil, err
	}
	highWater, err := local.ClockHighWater(ctx)
	if err != nil {
		return nil, err
	}
	deviceClock := clock.NewMonotonic(nil, highWater)

	log, err := mutationlog.New(mutationlog.Config{
		Store:  local,
		Clock:  deviceClock,
		Device: device,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}
	client, err := transport.NewClient(transport.Config{
		BaseURL:         clientConfig.ServerURL,
		Token:           clientConfig.AuthToken,
		Device:          device,
		RequestTimeout:  clientConfig.RequestTimeout,
		RetryMaxElapsed: clientConfig.RetryMaxElapsed,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	engine, err := syncengine.New(syncengine.Config{
		Log:        log,
		Store:      local,
		Clock:      deviceClock,
		Transport:  client,
		BatchSize:  clientConfig.SyncBatchSize,
		Interval:   clientConfig.SyncInterval,
		Logger:     logger,
		OnRejected: onRejected,
	})
	if err != nil {
		return nil, err
	}

	logger.Debug("device ready",
		zap.String("device_id", device.String()),
		zap.String("data_path", clientConfig.DataPath),
		zap.String("server_url", clientConfig.ServerURL))
	return &deviceRuntime{
		config:    clientConfig,
		logger:    logger,
		store:     local,
		log:       log,
		transport: client,
		engine:    engine,
	}, nil
}

// resolveDeviceID prefers the configured id, then the persisted one, and
// otherwise mints and persists a new id.
func resolveDeviceID(ctx context.Context, local *store.Store, configured string) (entities.DeviceID, error) {
	if configured != "" {
		device, err := entities.NewDeviceID(configured)
		if err != nil {
			return "", err
		}
		if err := local.SaveDeviceID(ctx, device); err != nil {
			return "", err
		}
		return device, nil
	}
	persisted, err := local.DeviceID(ctx)
	if err != nil {
		return "", err
	}
	if persisted != "" {
		return persisted, nil
	}
	minted, err := entities.NewUUIDProvider().NewID()
	if err != nil {
		return "", err
	}
	device, err := entities.NewDeviceID(minted)
	if err != nil {
		return "", err
	}
	if err := local.SaveDeviceID(ctx, device); err != nil {
		return "", err
	}
	return device, nil
}

func (runtime *deviceRuntime) Close() error {
	_ = runtime.logger.Sync()
	if err := runtime.store.Close(); err != nil && !errors.Is(err, store.ErrStorageClosed) {
		return err
	}
	return nil
}
