package main

import (
	"time"

	"github.com/velos-ai/gpupool/common/metrics"
	"github.com/velos-ai/gpupool/device"
	"github.com/velos-ai/gpupool/scheduler"
)

const defaultTickInterval = 5 * time.Second

// Config holds all configs to run a gpupoold server.
type Config struct {
	Metrics   metrics.Config   `yaml:"metrics"`
	Scheduler scheduler.Policy `yaml:"scheduler"`
	Devices   []device.Config  `yaml:"devices"`
	Monitor   MonitorConfig    `yaml:"monitor"`
	HTTPPort  int              `yaml:"http_port"`
}

// MonitorConfig drives the daemon-owned monitor timer. The scheduling core
// itself is tick-driven and timer-less.
type MonitorConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
}
