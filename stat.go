package mqtt

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/golang-io/mqtt/metrics"
	"github.com/golang-io/requests"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"log"
	"net/http"
	"time"
)

type Stat struct {
	Uptime            prometheus.Counter
	ActiveConnections prometheus.Gauge
	PacketReceived    prometheus.Counter
	ByteReceived      prometheus.Counter
	PacketSent        prometheus.Counter
	ByteSent          prometheus.Counter

	TopicCount     prometheus.Gauge
	SessionCount   prometheus.Gauge
	SubscribeCount prometheus.Gauge
	ConnectorCount prometheus.Gauge

	// raw cumulative counts, read by the metrics recorder's tickers to
	// compute per-window rates; the prometheus Counter type above does
	// not expose its running value for reads, so the recorder samples
	// these instead and the gauges are updated from its output.
	basicCount     atomic.Int64
	topicCount     atomic.Int64
	sessionCount   atomic.Int64
	subscribeCount atomic.Int64
	connectorCount atomic.Int64
}

var (
	stat = Stat{
		Uptime:            prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_uptime_seconds", Help: "The uptime in seconds"}),
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_active_client_count", Help: "The active number of MQTT clients"}),
		PacketReceived:    prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_received_packets", Help: "The total number of received MQTT packets"}),
		ByteReceived:      prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_received_bytes", Help: "The total number of received MQTT bytes"}),
		PacketSent:        prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_send_packets", Help: "The total number of send MQTT packets"}),
		ByteSent:          prometheus.NewCounter(prometheus.CounterOpts{Name: "mqtt_send_bytes", Help: "The total number of send MQTT bytes"}),

		TopicCount:     prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_topic_count", Help: "The number of live topics"}),
		SessionCount:   prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_session_count", Help: "The number of persisted sessions"}),
		SubscribeCount: prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_subscribe_count", Help: "The number of active subscriptions"}),
		ConnectorCount: prometheus.NewGauge(prometheus.GaugeOpts{Name: "mqtt_connector_count", Help: "The number of cluster connector pipelines"}),
	}

	recorder *metrics.Recorder
)

// StartMetricsRecorder wires the five rate tickers (basic/topic/session/
// subscribe/connector) to the broker's own counters, sampling every
// windowSeconds. The recorder's cumulative value for topics, sessions,
// subscriptions and connectors is copied onto the corresponding gauges;
// the windowed rates are kept on the returned Recorder and are not
// exported to /metrics.
func StartMetricsRecorder(ctx context.Context, windowSeconds int) *metrics.Recorder {
	if windowSeconds <= 0 {
		windowSeconds = 10
	}
	recorder = metrics.NewRecorder(time.Duration(windowSeconds)*time.Second,
		func() int64 { return stat.basicCount.Load() },
		func() int64 { return stat.topicCount.Load() },
		func() int64 { return stat.sessionCount.Load() },
		func() int64 { return stat.subscribeCount.Load() },
		func() int64 { return stat.connectorCount.Load() },
	)
	go recorder.Run(ctx)
	go func() {
		ticker := time.NewTicker(time.Duration(windowSeconds) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stat.TopicCount.Set(float64(recorder.Topic().Cumulative))
				stat.SessionCount.Set(float64(recorder.Session().Cumulative))
				stat.SubscribeCount.Set(float64(recorder.Subscribe().Cumulative))
				stat.ConnectorCount.Set(float64(recorder.Connector().Cumulative))
			}
		}
	}()
	return recorder
}

func ServerLog(ctx context.Context, stat *requests.Stat) {
	b, err := json.Marshal(stat.Request.Body)
	log.Printf("%s # body=%s, resp=%v, err=%v", stat.Print(), b, stat.Response.Body, err)
}

func Httpd() error {
	stat.Register()
	stat.RefreshUptime()
	mux := requests.NewServeMux(requests.URL(CONFIG.HTTP.URL), requests.Logf(ServerLog))
	mux.Route("/metrics", promhttp.Handler())
	mux.Pprof()
	s := requests.NewServer(context.Background(), mux, requests.OnStart(func(s *http.Server) {
		log.Printf("http serve: %s", s.Addr)
	}))
	return s.ListenAndServe()
}

func (s *Stat) RefreshUptime() {
	go func() {
		tick := time.NewTicker(time.Second)
		for {
			select {
			case <-tick.C:
				s.Uptime.Inc()
			}
		}
	}()
}

func (s *Stat) Register() {
	prometheus.MustRegister(stat.Uptime)
	prometheus.MustRegister(stat.ActiveConnections)
	prometheus.MustRegister(stat.PacketReceived)
	prometheus.MustRegister(stat.ByteReceived)
	prometheus.MustRegister(stat.PacketSent)
	prometheus.MustRegister(stat.ByteSent)
	prometheus.MustRegister(stat.TopicCount)
	prometheus.MustRegister(stat.SessionCount)
	prometheus.MustRegister(stat.SubscribeCount)
	prometheus.MustRegister(stat.ConnectorCount)
}
