// Package config loads runtime settings from configs/config.yml and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "TIMELINES"

type Config struct {
	Port            string
	ShutdownTimeout time.Duration
	Log             LogConfig
	DB              DBConfig
	Feed            FeedConfig
	DeviceState     DeviceStateConfig
	Saga            SagaConfig
	Simulator       SimulatorConfig
}

type LogConfig struct {
	Level  string
	Format string
}

type DBConfig struct {
	Path string
}

type FeedConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

type DeviceStateConfig struct {
	EventTypes []string
}

type SagaConfig struct {
	EventTypes        []string
	Entities          []string
	DefaultEnergyUnit string
}

type SimulatorConfig struct {
	Enabled       bool
	Tick          time.Duration
	EntityID      string
	FriendlyName  string
	RunTicks      int
	IdleTicks     int
	EnergyPerTick float64
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("db.path", "app.db")
	v.SetDefault("feed.poll_interval", 500*time.Millisecond)
	v.SetDefault("feed.batch_size", 100)
	v.SetDefault("projections.device_state.event_types", []string{"DEHUMIDIFIER"})
	v.SetDefault("saga.event_types", []string{"DEHUMIDIFIER"})
	v.SetDefault("saga.entities", []string{"switch.shellyplus1pm_fce8c0fdc4e0_switch_0"})
	v.SetDefault("saga.default_energy_unit", "kWh")
	v.SetDefault("simulator.enabled", false)
	v.SetDefault("simulator.tick", time.Second)
	v.SetDefault("simulator.entity_id", "switch.shellyplus1pm_fce8c0fdc4e0_switch_0")
	v.SetDefault("simulator.friendly_name", "Dehumidifier")
	v.SetDefault("simulator.run_ticks", 30)
	v.SetDefault("simulator.idle_ticks", 60)
	v.SetDefault("simulator.energy_per_tick", 0.0125)
}

// Load reads config.yml from the given directories (the file is optional)
// and applies TIMELINES_* environment overrides, e.g. TIMELINES_DB_PATH.
func Load(paths ...string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	if len(paths) > 0 {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Config{
		Port:            v.GetString("port"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		DB: DBConfig{Path: v.GetString("db.path")},
		Feed: FeedConfig{
			PollInterval: v.GetDuration("feed.poll_interval"),
			BatchSize:    v.GetInt("feed.batch_size"),
		},
		DeviceState: DeviceStateConfig{
			EventTypes: v.GetStringSlice("projections.device_state.event_types"),
		},
		Saga: SagaConfig{
			EventTypes:        v.GetStringSlice("saga.event_types"),
			Entities:          v.GetStringSlice("saga.entities"),
			DefaultEnergyUnit: v.GetString("saga.default_energy_unit"),
		},
		Simulator: SimulatorConfig{
			Enabled:       v.GetBool("simulator.enabled"),
			Tick:          v.GetDuration("simulator.tick"),
			EntityID:      v.GetString("simulator.entity_id"),
			FriendlyName:  v.GetString("simulator.friendly_name"),
			RunTicks:      v.GetInt("simulator.run_ticks"),
			IdleTicks:     v.GetInt("simulator.idle_ticks"),
			EnergyPerTick: v.GetFloat64("simulator.energy_per_tick"),
		},
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.DB.Path == "" {
		return errors.New("db.path must not be empty")
	}
	if c.Feed.PollInterval <= 0 {
		return fmt.Errorf("feed.poll_interval must be positive, got %s", c.Feed.PollInterval)
	}
	if len(c.Saga.Entities) == 0 {
		return errors.New("saga.entities must list at least one entity")
	}
	if c.Simulator.Enabled && c.Simulator.Tick <= 0 {
		return fmt.Errorf("simulator.tick must be positive, got %s", c.Simulator.Tick)
	}
	return nil
}
