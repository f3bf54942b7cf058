package main

import (
	"context"
	"net/http"
	"os"
	"strings"

	log "log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/commercelab/spikes"
	"github.com/commercelab/spikes/cdc"
	"github.com/commercelab/spikes/deadletter"
	"github.com/commercelab/spikes/docstore"
	"github.com/commercelab/spikes/telemetry"
)

var redisOptions = docstore.DefaultOptions()

var dlqConfig = deadletter.Config{
	HostEndpointUrl: os.Getenv("SPIKES_S3_ENDPOINT"),
	Region:          "us-east-1",
	Username:        os.Getenv("SPIKES_S3_USER"),
	Password:        os.Getenv("SPIKES_S3_PASSWORD"),
	Bucket:          "cdc-dead-letters",
}

func init() {
	if addr := os.Getenv("SPIKES_REDIS_ADDR"); addr != "" {
		redisOptions.Address = addr
	}
}

func main() {
	ctx := context.Background()

	conn, err := docstore.OpenConnection(redisOptions)
	if err != nil {
		log.Error("opening redis", "error", err.Error())
		os.Exit(1)
	}
	defer docstore.CloseConnection()
	store := docstore.NewRedisStore(conn.Client, "doc")

	promRegistry := prometheus.NewRegistry()
	tel := telemetry.New(promRegistry)
	mat := cdc.NewMaterializer(store, tel, spikes.SystemClock{}, cdc.MaterializerOptions{})

	var dlq spikes.DeadLetterSink = deadletter.NewLogSink()
	if dlqConfig.HostEndpointUrl != "" {
		dlq = deadletter.NewS3Sink(deadletter.Connect(dlqConfig), dlqConfig.Bucket)
	} else {
		log.Warn("SPIKES_S3_ENDPOINT not set, dead letters go to the log")
	}

	options := cdc.DefaultConsumerOptions()
	if brokers := os.Getenv("SPIKES_KAFKA_BROKERS"); brokers != "" {
		options.Brokers = strings.Split(brokers, ",")
	}
	if topic := os.Getenv("SPIKES_CDC_TOPIC"); topic != "" {
		options.Topic = topic
	}
	consumer, err := cdc.NewConsumer(options, mat, dlq)
	if err != nil {
		log.Error("opening kafka consumer", "error", err.Error())
		os.Exit(1)
	}
	defer consumer.Close()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(":9090", mux); err != nil {
			log.Error("metrics endpoint failed", "error", err.Error())
		}
	}()

	if err := consumer.Run(ctx); err != nil {
		log.Error("consumer stopped", "error", err.Error())
		os.Exit(1)
	}
}
