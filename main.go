package main

import (
	"context"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	kingpin "github.com/alecthomas/kingpin/v2"
	"github.com/go-kit/log/level"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/common/promlog"
	"github.com/prometheus/common/promlog/flag"
	"github.com/prometheus/common/version"
	"github.com/prometheus/exporter-toolkit/web"
	webflag "github.com/prometheus/exporter-toolkit/web/kingpinflag"

	"github.com/coopwatch/coop_exporter/internal/actuator"
	"github.com/coopwatch/coop_exporter/internal/alert"
	"github.com/coopwatch/coop_exporter/internal/coopapi"
	"github.com/coopwatch/coop_exporter/internal/hub"
	"github.com/coopwatch/coop_exporter/internal/monitor"
	"github.com/coopwatch/coop_exporter/internal/sensor"
)

const (
	namespace = "coop"
)

type metricInfo struct {
	Desc *prometheus.Desc
	Type prometheus.ValueType
}

type snapshotter interface {
	Snapshot() monitor.Snapshot
}

type actuatorView interface {
	State() actuator.State
	Counts() (sent, failed uint64)
}

type sessionView interface {
	Active() bool
}

// Exporter reports the monitor's last poll cycle and the actuator flags as
// Prometheus metrics. It never calls the coop API itself.
type Exporter struct {
	monitor   snapshotter
	actuators actuatorView
	session   sessionView

	sensorMetrics map[sensor.Field]metricInfo
	alertActive   metricInfo
	backendAlerts metricInfo
	actuatorOn    metricInfo
	lastSuccess   metricInfo
	pollTicks     metricInfo
	pollErrors    metricInfo
	commands      metricInfo
	sessionActive metricInfo
	loading       metricInfo
}

func NewExporter(m snapshotter, a actuatorView, s sessionView) *Exporter {
	return &Exporter{
		monitor:   m,
		actuators: a,
		session:   s,
		sensorMetrics: map[sensor.Field]metricInfo{
			sensor.Temperature: newMetric("sensor", "temperature_celsius", "Latest temperature reading", prometheus.GaugeValue, "sensor"),
			sensor.Humidity:    newMetric("sensor", "humidity_percent", "Latest relative humidity reading", prometheus.GaugeValue, "sensor"),
			sensor.Ammonia:     newMetric("sensor", "ammonia_ppm", "Latest ammonia reading", prometheus.GaugeValue, "sensor"),
			sensor.Luminosity:  newMetric("sensor", "luminosity", "Latest luminosity reading", prometheus.GaugeValue, "sensor"),
		},
		alertActive:   newMetric("alert", "active", "Whether the threshold alert of this kind is currently surfaced", prometheus.GaugeValue, "kind"),
		backendAlerts: newMetric("alert", "backend_unresolved", "Unresolved alerts reported by the backend", prometheus.GaugeValue),
		actuatorOn:    newMetric("actuator", "on", "Local on/off state of the actuator", prometheus.GaugeValue, "device"),
		lastSuccess:   newMetric("poll", "last_success_timestamp_seconds", "Time of the last successful readings fetch", prometheus.GaugeValue),
		pollTicks:     newMetric("poll", "ticks_total", "Poll ticks executed", prometheus.CounterValue),
		pollErrors:    newMetric("poll", "errors_total", "Failed fetches by resource", prometheus.CounterValue, "resource"),
		commands:      newMetric("actuator", "commands_total", "Actuator commands by outcome", prometheus.CounterValue, "result"),
		sessionActive: newMetric("session", "active", "Whether an API session token is held", prometheus.GaugeValue),
		loading:       newMetric("poll", "loading", "1 until the first readings fetch has finished", prometheus.GaugeValue),
	}
}

// Collect delivers the last known state. It implements prometheus.Collector.
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.monitor.Snapshot()

	for _, r := range snap.Sensors() {
		for field, m := range e.sensorMetrics {
			if v := r.Get(field); v.Present {
				ch <- prometheus.MustNewConstMetric(m.Desc, m.Type, v.Value, r.SensorID)
			}
		}
	}

	for _, kind := range alert.Kinds {
		active := 0.0
		if snap.Alert != nil && snap.Alert.Kind == kind {
			active = 1
		}
		ch <- prometheus.MustNewConstMetric(e.alertActive.Desc, e.alertActive.Type, active, string(kind))
	}
	ch <- prometheus.MustNewConstMetric(e.backendAlerts.Desc, e.backendAlerts.Type, float64(len(snap.BackendAlerts)))

	if !snap.LastSuccess.IsZero() {
		ch <- prometheus.MustNewConstMetric(e.lastSuccess.Desc, e.lastSuccess.Type, float64(snap.LastSuccess.Unix()))
	}
	ch <- prometheus.MustNewConstMetric(e.pollTicks.Desc, e.pollTicks.Type, float64(snap.Polls))
	ch <- prometheus.MustNewConstMetric(e.pollErrors.Desc, e.pollErrors.Type, float64(snap.ReadingErrors), "readings")
	ch <- prometheus.MustNewConstMetric(e.pollErrors.Desc, e.pollErrors.Type, float64(snap.AlertErrors), "alerts")
	ch <- prometheus.MustNewConstMetric(e.loading.Desc, e.loading.Type, boolValue(snap.Loading))

	state := e.actuators.State()
	for _, d := range actuator.Devices {
		ch <- prometheus.MustNewConstMetric(e.actuatorOn.Desc, e.actuatorOn.Type, boolValue(state[d]), string(d))
	}
	sent, failed := e.actuators.Counts()
	ch <- prometheus.MustNewConstMetric(e.commands.Desc, e.commands.Type, float64(sent), "success")
	ch <- prometheus.MustNewConstMetric(e.commands.Desc, e.commands.Type, float64(failed), "failure")

	ch <- prometheus.MustNewConstMetric(e.sessionActive.Desc, e.sessionActive.Type, boolValue(e.session.Active()))
}

// Describe describes all the metrics ever exported by the coop exporter. It
// implements prometheus.Collector.
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range e.sensorMetrics {
		ch <- m.Desc
	}
	for _, m := range []metricInfo{
		e.alertActive, e.backendAlerts, e.actuatorOn, e.lastSuccess, e.pollTicks,
		e.pollErrors, e.commands, e.sessionActive, e.loading,
	} {
		ch <- m.Desc
	}
}

func main() {
	// Values from .env become visible to the Envar fallbacks below.
	dotenvErr := godotenv.Load()

	var (
		webConfig = webflag.AddFlags(kingpin.CommandLine, ":9120")

		apiURL        = kingpin.Flag("coop.api.url", "Base URL of the coop Telemetry & Control API").Default("http://localhost:5000/api").Envar("COOP_API_URL").URL()
		email         = kingpin.Flag("coop.api.email", "Login email; no login is attempted when empty").Envar("COOP_API_EMAIL").String()
		password      = kingpin.Flag("coop.api.password", "Login password").Envar("COOP_API_PASSWORD").String()
		pollInterval  = kingpin.Flag("coop.poll.interval", "Interval between poll ticks").Default(monitor.DefaultInterval.String()).Duration()
		sensorSource  = kingpin.Flag("coop.sensors.source", "Readings endpoint to poll").Default(string(coopapi.ModeLatest)).Enum(string(coopapi.ModeLatest), string(coopapi.ModeThreeSensors))
		controlDevice = kingpin.Flag("coop.control.device", "Device identifier sent with actuator commands").Default("device1").String()
	)

	promlogConfig := &promlog.Config{}
	flag.AddFlags(kingpin.CommandLine, promlogConfig)
	kingpin.Version(version.Print("coop_exporter"))
	kingpin.HelpFlag.Short('h')
	kingpin.Parse()
	logger := promlog.New(promlogConfig)

	if dotenvErr != nil && !errors.Is(dotenvErr, fs.ErrNotExist) {
		level.Warn(logger).Log("msg", "failed to load .env file", "err", dotenvErr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode := coopapi.Mode(*sensorSource)
	client := coopapi.New((*apiURL).String(), mode, coopapi.NewSession(), logger)
	if *email != "" || *password != "" {
		if err := client.Login(ctx, *email, *password); err != nil {
			level.Error(logger).Log("msg", "login failed", "err", err)
			os.Exit(1)
		}
	}

	feed := hub.New(logger)
	go feed.Run(ctx)

	notifier := alert.Notifiers{alert.LogNotifier{Logger: logger}, feed}
	dispatcher := actuator.NewDispatcher(client, *controlDevice,
		actuator.WithNotifier(notifier),
		actuator.WithReporter(feed),
		actuator.WithListener(feed),
		actuator.WithLogger(logger),
	)
	poller := monitor.New(client, alert.NewTracker(notifier), feed, monitor.Config{
		Interval:    *pollInterval,
		EvaluateAll: mode == coopapi.ModeThreeSensors,
	}, logger)
	task := poller.Start(ctx)

	exporter := NewExporter(poller, dispatcher, client.Session())
	prometheus.MustRegister(exporter)
	prometheus.MustRegister(version.NewCollector("coop_exporter"))

	api := &apiHandler{
		monitor: poller,
		toggler: dispatcher,
		auth:    client,
		session: client.Session(),
		logger:  logger,
	}
	srv := &http.Server{Handler: newRouter(api, feed, promhttp.Handler(), logger)}

	go func() {
		<-ctx.Done()
		task.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	level.Info(logger).Log("msg", "starting coop_exporter", "version", version.Info(), "api", (*apiURL).String(), "source", mode)
	if err := web.ListenAndServe(srv, webConfig, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		level.Error(logger).Log("msg", "Error starting HTTP server", "err", err)
		os.Exit(1)
	}
	task.Stop()
}

func newMetric(subsystem, metricName, docString string, t prometheus.ValueType, labelNames ...string) metricInfo {
	return metricInfo{
		Desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, subsystem, metricName),
			docString,
			labelNames,
			nil,
		),
		Type: t,
	}
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
