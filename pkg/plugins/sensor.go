package plugins

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/waggle/pluginmanager/pkg/mailbox"
	"github.com/waggle/pluginmanager/pkg/message"
	"github.com/waggle/pluginmanager/pkg/plugin"
)

// Sensor categories and meta.
const (
	CategoryTemperature = "CPU temperature"
	CategoryRandom      = "RandomNumber"
	SensorMeta          = "meta.txt"
)

// errNoSensor means the host exposes no usable temperature sensor.
var errNoSensor = errors.New("no temperature sensor")

// TemperatureFunc reads the CPU temperature in degrees Celsius.
type TemperatureFunc func(ctx context.Context) (float64, error)

// HostTemperature reads the hottest CPU-like sensor gopsutil reports.
func HostTemperature(ctx context.Context) (float64, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(temps) == 0 {
		return 0, err
	}
	best, found := 0.0, false
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if !strings.Contains(key, "cpu") && !strings.Contains(key, "core") &&
			!strings.Contains(key, "package") && !strings.Contains(key, "thermal") {
			continue
		}
		if !found || t.Temperature > best {
			best, found = t.Temperature, true
		}
	}
	if !found {
		return 0, errNoSensor
	}
	return best, nil
}

// Sensor publishes a reading every interval. Without a temperature sensor it
// publishes a random number in [1, 100] instead.
type Sensor struct {
	Interval    time.Duration
	Temperature TemperatureFunc
	Version     string
}

// SensorEntry returns the example_sensor entry point.
func SensorEntry(interval time.Duration) plugin.Entry {
	s := &Sensor{Interval: interval, Temperature: HostTemperature, Version: "1"}
	return s.Run
}

// Reading produces the next envelope.
func (s *Sensor) Reading(ctx context.Context) *message.Envelope {
	var env *message.Envelope
	if s.Temperature != nil {
		if celsius, err := s.Temperature(ctx); err == nil {
			env = message.New(ExampleSensor, s.Version, CategoryTemperature,
				message.Text(strconv.FormatFloat(celsius, 'f', 1, 64)))
		}
	}
	if env == nil {
		env = message.New(ExampleSensor, s.Version, CategoryRandom,
			message.Text(strconv.Itoa(rand.IntN(100)+1)))
	}
	env.Meta = SensorMeta
	return env
}

// Run publishes until ctx is done, honouring pause between readings.
func (s *Sensor) Run(ctx context.Context, env *plugin.Env) error {
	if env.Mailbox == nil {
		return fmt.Errorf("%s needs an outbound mailbox", ExampleSensor)
	}
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if env.Inbound != nil {
		go drainInbound(ctx, env.Inbound, env.Logger)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := env.Lifecycle.Gate(ctx); err != nil {
			return err
		}
		reading := s.Reading(ctx)
		if err := env.Mailbox.Put(ctx, reading); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			env.Logger.Warn("Failed to publish reading", zap.Error(err))
		} else {
			env.Logger.Debug("Published reading",
				zap.String("category", reading.Category),
				zap.String("value", reading.Payload[0].String()),
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// drainInbound logs router broadcasts until ctx is done or the inbox closes.
func drainInbound(ctx context.Context, inbox mailbox.Mailbox, logger *zap.Logger) {
	for {
		env, err := inbox.Get(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, mailbox.ErrClosed) {
				return
			}
			logger.Debug("Failed to read inbox", zap.Error(err))
			continue
		}
		logger.Info("Received broadcast",
			zap.String("from", env.Plugin),
			zap.String("category", env.Category),
		)
	}
}
