// Package global wires process-wide infrastructure from the loaded config.
package global

import (
	"context"

	"msggate/global/config"
	"msggate/logger"
	"msggate/service/kafka"
	"msggate/service/natsx"
	"msggate/service/storage"
	"msggate/service/storage/redis"
	"msggate/service/webhook"
	"msggate/tools"
	"msggate/tools/errs"
	"msggate/tools/ids"

	"go.uber.org/zap"
)

// Closer 按注册的逆序释放资源
type Closer struct {
	fns []func()
}

func (c *Closer) Add(fn func()) { c.fns = append(c.fns, fn) }

func (c *Closer) Close() {
	for i := len(c.fns) - 1; i >= 0; i-- {
		c.fns[i]()
	}
	c.fns = nil
}

func ConfigIds() {
	ids.SetNodeID(int64(tools.GetEnvInt("NODE_ID", 1)))
}

func ConfigLogger(c config.LogConfig) *zap.Logger {
	logger.Configure(logger.Options{Level: c.Level, JSON: c.JSON})
	return logger.L()
}

// ConfigStore 打开凭证存储：file（默认）或 redis
func ConfigStore(ctx context.Context, c config.CredentialConfig, closer *Closer) (storage.CredentialStore, error) {
	switch c.Backend {
	case config.CredentialBackendRedis:
		rdb, err := redis.Open(ctx, redis.Config{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB})
		if err != nil {
			return nil, err
		}
		closer.Add(func() { _ = rdb.Close() })
		return storage.NewRedisStore(rdb), nil
	default:
		return storage.NewFileStore(c.Dir)
	}
}

// ConfigMirrors 连接可选的 NATS / Kafka 镜像；未配置的直接跳过
func ConfigMirrors(c config.AppConfig, log *zap.Logger, closer *Closer) ([]webhook.Sink, error) {
	var sinks []webhook.Sink

	if c.Nats.URL != "" {
		mode := natsx.Core
		if c.Nats.JetStream {
			mode = natsx.JetStream
		}
		nc, err := natsx.NewNatsxClient(natsx.NatsxConfig{
			Servers: []string{c.Nats.URL},
			Name:    "msggate",
			Mode:    mode,
		})
		if err != nil {
			return nil, errs.WrapMsg(err, "connect nats", "url", c.Nats.URL)
		}
		closer.Add(func() { _ = nc.Close() })
		sinks = append(sinks, natsx.NewEventSink(nc, c.Nats.SubjectPrefix))
		log.Info("[bootstrap] nats mirror enabled", zap.String("url", c.Nats.URL), zap.String("prefix", c.Nats.SubjectPrefix))
	}

	if len(c.Kafka.Brokers) > 0 {
		p, err := kafka.NewSyncProducer(kafka.Config{
			Brokers:         c.Kafka.Brokers,
			Topic:           c.Kafka.Topic,
			AutoCreateTopic: c.Kafka.AutoCreateTopic,
		})
		if err != nil {
			return nil, errs.WrapMsg(err, "connect kafka", "brokers", c.Kafka.Brokers)
		}
		sink := kafka.NewEventSink(p, c.Kafka.Topic)
		closer.Add(func() { _ = sink.Close() })
		sinks = append(sinks, sink)
		log.Info("[bootstrap] kafka mirror enabled", zap.Strings("brokers", c.Kafka.Brokers), zap.String("topic", c.Kafka.Topic))
	}
	return sinks, nil
}
