// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// SimAddress as FC_ADDRESS flies the bench simulator instead of a real
// flight controller.
const SimAddress = "sim"

// Config holds all application configuration values.
type Config struct {
	// Flight controller
	FCAddress           string // "/dev/ttyACM0", "udp:host:port", "udpserver::14550", "tcp:host:port" or "sim"
	FCBaud              int
	ConnectRetryBackoff time.Duration

	// Navigation
	PollInterval     time.Duration
	ArmWait          time.Duration
	IdleWait         time.Duration
	NewStationGrace  time.Duration
	WakeDistance     float64 // meters
	DownloadDistance float64 // meters
	ArrivalDistance  float64 // meters
	BenchTest        bool    // skip the distance gates

	// Radio
	RadioSerialPort string
	RadioBaudRate   int
	WakeAckTimeout  time.Duration
	WakeRetries     int

	// Download
	DownloadAddress        string // host:port of the station bridge
	DownloadUser           string
	DownloadPassword       string
	DownloadRemoteDir      string
	DownloadDeleteRemote   bool
	DownloadConnectTimeout time.Duration
	DownloadRWTimeout      time.Duration
	DownloadOverallTimeout time.Duration
	DataDir                string

	// MQTT (optional)
	MQTTBroker   string
	MQTTClientID string
	TopicStatus  string
	TopicEvents  string
	TopicGPS     string

	// Status LEDs (optional), periph pin names such as "GPIO17"
	StatusLEDPendingPin string
	StatusLEDReadyPin   string
	StatusLEDFailurePin string

	// Standalone GPS (optional)
	GPSSerialPort string
	GPSBaudRate   int

	// Ledger and web monitor (optional)
	LedgerPath    string
	WebServerPort int

	// OLED status display (optional)
	DisplayEnabled        bool
	DisplayI2CBus         string // "" for the first bus
	DisplayUpdateInterval time.Duration

	// Bench simulator, used when FC_ADDRESS=sim
	SimPlan  string
	SimSpeed float64 // m/s

	// Logging
	LogDir   string
	LogLevel string
}

// Defaults returns a Config with every optional value at its default.
func Defaults() *Config {
	return &Config{
		FCBaud:              57600,
		ConnectRetryBackoff: 3 * time.Second,

		PollInterval:     time.Second,
		ArmWait:          3 * time.Second,
		IdleWait:         10 * time.Second,
		NewStationGrace:  5 * time.Second,
		WakeDistance:     5000,
		DownloadDistance: 1000,
		ArrivalDistance:  100,

		RadioBaudRate:  9600,
		WakeAckTimeout: 6 * time.Second,
		WakeRetries:    5,

		DownloadUser:           "pi",
		DownloadRemoteDir:      "/home/pi/camera",
		DownloadConnectTimeout: 20 * time.Second,
		DownloadRWTimeout:      20 * time.Second,
		DownloadOverallTimeout: 60 * time.Second,
		DataDir:                "data",

		MQTTClientID: "station-courier",
		TopicStatus:  "courier/status",
		TopicEvents:  "courier/events",
		TopicGPS:     "courier/gps",

		GPSBaudRate: 9600,

		DisplayUpdateInterval: 500 * time.Millisecond,

		SimSpeed: 22,

		LogLevel: "info",
	}
}

// Package-level singleton, set once by InitGlobal and read through Get.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Defaults()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		if err := cfg.setValue(strings.TrimSpace(key), strings.TrimSpace(value)); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Validate required fields
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// Flight controller
	case "FC_ADDRESS":
		c.FCAddress = value
	case "FC_BAUD":
		c.FCBaud, err = parsePositiveInt(key, value)
	case "CONNECT_RETRY_BACKOFF":
		c.ConnectRetryBackoff, err = parseDuration(key, value)

	// Navigation
	case "POLL_INTERVAL":
		c.PollInterval, err = parseDuration(key, value)
	case "ARM_WAIT":
		c.ArmWait, err = parseDuration(key, value)
	case "IDLE_WAIT":
		c.IdleWait, err = parseDuration(key, value)
	case "NEW_STATION_GRACE":
		c.NewStationGrace, err = parseDuration(key, value)
	case "WAKE_DISTANCE":
		c.WakeDistance, err = parseMeters(key, value)
	case "DOWNLOAD_DISTANCE":
		c.DownloadDistance, err = parseMeters(key, value)
	case "ARRIVAL_DISTANCE":
		c.ArrivalDistance, err = parseMeters(key, value)
	case "BENCH_TEST":
		c.BenchTest, err = parseBool(key, value)

	// Radio
	case "RADIO_SERIAL_PORT":
		c.RadioSerialPort = value
	case "RADIO_BAUD_RATE":
		c.RadioBaudRate, err = parsePositiveInt(key, value)
	case "WAKE_ACK_TIMEOUT":
		c.WakeAckTimeout, err = parseDuration(key, value)
	case "WAKE_RETRIES":
		c.WakeRetries, err = parsePositiveInt(key, value)

	// Download
	case "DOWNLOAD_ADDRESS":
		c.DownloadAddress = value
	case "DOWNLOAD_USER":
		c.DownloadUser = value
	case "DOWNLOAD_PASSWORD":
		c.DownloadPassword = value
	case "DOWNLOAD_REMOTE_DIR":
		c.DownloadRemoteDir = value
	case "DOWNLOAD_DELETE_REMOTE":
		c.DownloadDeleteRemote, err = parseBool(key, value)
	case "DOWNLOAD_CONNECT_TIMEOUT":
		c.DownloadConnectTimeout, err = parseDuration(key, value)
	case "DOWNLOAD_RW_TIMEOUT":
		c.DownloadRWTimeout, err = parseDuration(key, value)
	case "DOWNLOAD_OVERALL_TIMEOUT":
		c.DownloadOverallTimeout, err = parseDuration(key, value)
	case "DATA_DIR":
		c.DataDir = value

	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID":
		c.MQTTClientID = value
	case "TOPIC_STATUS":
		c.TopicStatus = value
	case "TOPIC_EVENTS":
		c.TopicEvents = value
	case "TOPIC_GPS":
		c.TopicGPS = value

	// Status LEDs
	case "STATUS_LED_PENDING_PIN":
		c.StatusLEDPendingPin = value
	case "STATUS_LED_READY_PIN":
		c.StatusLEDReadyPin = value
	case "STATUS_LED_FAILURE_PIN":
		c.StatusLEDFailurePin = value

	// GPS
	case "GPS_SERIAL_PORT":
		c.GPSSerialPort = value
	case "GPS_BAUD_RATE":
		c.GPSBaudRate, err = parsePositiveInt(key, value)

	// Ledger and web monitor
	case "LEDGER_PATH":
		c.LedgerPath = value
	case "WEB_SERVER_PORT":
		port, perr := strconv.Atoi(value)
		if perr != nil {
			return fmt.Errorf("invalid WEB_SERVER_PORT %q: %w", value, perr)
		}
		if port < 0 || port > 65535 {
			return fmt.Errorf("WEB_SERVER_PORT must be 0-65535, got %d", port)
		}
		c.WebServerPort = port

	// Display
	case "DISPLAY_ENABLED":
		c.DisplayEnabled, err = parseBool(key, value)
	case "DISPLAY_I2C_BUS":
		c.DisplayI2CBus = value
	case "DISPLAY_UPDATE_INTERVAL":
		c.DisplayUpdateInterval, err = parseDuration(key, value)

	// Bench simulator
	case "SIM_PLAN":
		c.SimPlan = value
	case "SIM_SPEED":
		c.SimSpeed, err = parseMeters(key, value)

	// Logging
	case "LOG_DIR":
		c.LogDir = value
	case "LOG_LEVEL":
		c.LogLevel = value

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

func parseDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, d)
	}
	return d, nil
}

func parsePositiveInt(key, value string) (int, error) {
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, n)
	}
	return n, nil
}

func parseMeters(key, value string) (float64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %g", key, f)
	}
	return f, nil
}

func parseBool(key, value string) (bool, error) {
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return b, nil
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.FCAddress == "" {
		return fmt.Errorf("FC_ADDRESS is required")
	}
	if c.DownloadAddress == "" {
		return fmt.Errorf("DOWNLOAD_ADDRESS is required")
	}
	if c.FCAddress == SimAddress && c.SimPlan == "" {
		return fmt.Errorf("SIM_PLAN is required when FC_ADDRESS=%s", SimAddress)
	}
	// the gates must tighten as the aircraft closes in
	if !(c.WakeDistance >= c.DownloadDistance && c.DownloadDistance >= c.ArrivalDistance) {
		return fmt.Errorf("distances must satisfy WAKE_DISTANCE >= DOWNLOAD_DISTANCE >= ARRIVAL_DISTANCE")
	}
	return nil
}

// InitGlobal initializes the global configuration from file. Only the first
// call loads anything.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance, nil before InitGlobal.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
