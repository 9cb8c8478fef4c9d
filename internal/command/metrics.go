package command

import "github.com/prometheus/client_golang/prometheus"

var inFlightCommandGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "ciremote_commands_running_total",
	Help: "Number of git child processes currently running",
})

var spawnedCommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ciremote_commands_spawned_total",
	Help: "Counts how many child processes ciremote has spawned, by the git subcommand name",
}, []string{"subcommand"})

var killedCommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "ciremote_commands_killed_total",
	Help: "Counts how many child processes ciremote killed, by reason",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(inFlightCommandGauge, spawnedCommandsTotal, killedCommandsTotal)
}
