package main

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	appconfig "github.com/saker-ai/smart-intercom/internal/config"
	"github.com/saker-ai/smart-intercom/pkg/runtime"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     appconfig.Config
	logger     *zap.Logger
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

func (c *commandContext) ensureConfig() (appconfig.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, logger, err := runtime.Load(path, c.logLevel())
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.logger = logger
	})
	return c.config, c.configErr
}

func (c *commandContext) logLevel() string {
	if c.logLevelFlag == nil {
		return ""
	}
	return strings.TrimSpace(*c.logLevelFlag)
}

func (c *commandContext) loggerValue() *zap.Logger {
	if c.logger == nil {
		return zap.NewNop()
	}
	return c.logger
}

// newBridge builds a bridge over the loaded configuration without starting
// it.
func (c *commandContext) newBridge() (*runtime.Bridge, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	if len(cfg.Devices) == 0 {
		return nil, fmt.Errorf("no devices configured; set host and secret_key or add entries under devices")
	}
	return runtime.New(cfg, c.loggerValue())
}

func (c *commandContext) device(id string) (appconfig.DeviceConfig, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return appconfig.DeviceConfig{}, err
	}
	d, ok := cfg.Device(id)
	if !ok {
		return appconfig.DeviceConfig{}, fmt.Errorf("%w %q", runtime.ErrUnknownDevice, id)
	}
	return d, nil
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}
	return "no"
}
