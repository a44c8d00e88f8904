/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package transcoder

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/asaskevich/govalidator"
	"github.com/tryfix/errors"
	"gopkg.in/yaml.v2"
)

// Config is the application configuration of the transcoding service
type Config struct {
	Registry    RegistryConfig    `yaml:"registry"`
	Source      SourceConfig      `yaml:"source"`
	Destination DestinationConfig `yaml:"destination"`
	Key         struct {
		Format string `yaml:"format"`
	} `yaml:"key"`
	Union struct {
		Encoding string `yaml:"encoding"`
	} `yaml:"union"`
	DeadLetter DeadLetterConfig `yaml:"dead_letter"`
	Retry      RetryConfig      `yaml:"retry"`
	Log        LogConfig        `yaml:"log"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type RegistryConfig struct {
	URL   string `yaml:"url"`
	Cache struct {
		TTL time.Duration `yaml:"ttl"`
	} `yaml:"cache"`
	Timeout time.Duration `yaml:"timeout"`
	Sync    struct {
		Brokers []string      `yaml:"brokers"`
		Topic   string        `yaml:"topic"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"sync"`
}

type SourceConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	Group   string   `yaml:"group"`
}

type DestinationConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// DeadLetterConfig selects where unprocessable messages go. Kind is one of log, kafka,
// nats or amqp.
type DeadLetterConfig struct {
	Kind       string   `yaml:"kind"`
	Brokers    []string `yaml:"brokers"`
	Topic      string   `yaml:"topic"`
	URL        string   `yaml:"url"`
	Subject    string   `yaml:"subject"`
	Exchange   string   `yaml:"exchange"`
	RoutingKey string   `yaml:"routing_key"`
}

type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Colors bool   `yaml:"colors"`
}

// TracingConfig enables OTLP span export. Incoming traceparent headers are continued
// even when no endpoint is set.
type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

const (
	DeadLetterLog   = `log`
	DeadLetterKafka = `kafka`
	DeadLetterNATS  = `nats`
	DeadLetterAMQP  = `amqp`
)

// NewConfig returns a Config holding the defaults
func NewConfig() *Config {
	c := new(Config)
	c.Registry.Timeout = defaultLookupTimeout
	c.Registry.Sync.Topic = defaultStorageTopic
	c.Registry.Sync.Timeout = defaultSyncTimeout
	c.Key.Format = KeyRaw.String()
	c.Union.Encoding = UnionTagged.String()
	c.DeadLetter.Kind = DeadLetterLog
	c.Retry.MaxRetries = 5
	c.Retry.Base = 100 * time.Millisecond
	c.Retry.Max = 10 * time.Second
	c.Log.Level = `INFO`
	c.Tracing.ServiceName = `transcoder`
	c.Tracing.SampleRatio = 1

	return c
}

// LoadConfig reads a yaml config file on top of the defaults
func LoadConfig(path string) (*Config, error) {
	c := NewConfig()

	byt, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithPrevious(err, fmt.Sprintf(`cannot read config file %s`, path))
	}

	if err := yaml.Unmarshal(byt, c); err != nil {
		return nil, errors.WithPrevious(err, fmt.Sprintf(`cannot parse config file %s`, path))
	}

	return c, nil
}

// Validate fills derived defaults and checks required options
func (c *Config) Validate() error {
	if c.Source.Group == `` && c.Source.Topic != `` {
		c.Source.Group = `transcoder-` + c.Source.Topic
	}
	if len(c.Destination.Brokers) == 0 {
		c.Destination.Brokers = c.Source.Brokers
	}
	if c.DeadLetter.Kind == DeadLetterKafka && len(c.DeadLetter.Brokers) == 0 {
		c.DeadLetter.Brokers = c.Destination.Brokers
	}

	var problems []string
	if c.Registry.URL == `` {
		problems = append(problems, `registry.url is required`)
	} else if !govalidator.IsURL(c.Registry.URL) {
		problems = append(problems, fmt.Sprintf(`registry.url [%s] is not a url`, c.Registry.URL))
	}
	if c.Registry.Cache.TTL < 0 {
		problems = append(problems, `registry.cache.ttl can't be negative`)
	}
	if c.Registry.Timeout <= 0 {
		problems = append(problems, `registry.timeout must be positive`)
	}
	problems = append(problems, checkBrokers(`registry.sync.brokers`, c.Registry.Sync.Brokers)...)

	if len(c.Source.Brokers) == 0 {
		problems = append(problems, `source.brokers is required`)
	}
	problems = append(problems, checkBrokers(`source.brokers`, c.Source.Brokers)...)
	problems = append(problems, checkBrokers(`destination.brokers`, c.Destination.Brokers)...)
	if c.Source.Topic == `` {
		problems = append(problems, `source.topic is required`)
	}
	if c.Destination.Topic == `` {
		problems = append(problems, `destination.topic is required`)
	}
	if c.Source.Topic != `` && c.Source.Topic == c.Destination.Topic {
		problems = append(problems, `source.topic and destination.topic must differ`)
	}

	if _, err := ParseKeyFormat(c.Key.Format); err != nil {
		problems = append(problems, fmt.Sprintf(`key.format [%s] must be raw or avro`, c.Key.Format))
	}
	if _, err := ParseUnionEncoding(c.Union.Encoding); err != nil {
		problems = append(problems, fmt.Sprintf(`union.encoding [%s] must be tagged or bare`, c.Union.Encoding))
	}

	problems = append(problems, c.DeadLetter.validate()...)

	if c.Retry.MaxRetries < 0 {
		problems = append(problems, `retry.max_retries can't be negative`)
	}
	if c.Retry.Base <= 0 || c.Retry.Max < c.Retry.Base {
		problems = append(problems, `retry.base must be positive and not above retry.max`)
	}

	if c.Tracing.Endpoint != `` && !govalidator.IsDialString(c.Tracing.Endpoint) {
		problems = append(problems, fmt.Sprintf(`tracing.endpoint [%s] is not host:port`, c.Tracing.Endpoint))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		problems = append(problems, `tracing.sample_ratio must be between 0 and 1`)
	}

	if len(problems) > 0 {
		return errors.New(fmt.Sprintf(`invalid configuration: %s`, strings.Join(problems, `; `)))
	}

	return nil
}

func (d DeadLetterConfig) validate() []string {
	switch d.Kind {
	case ``, DeadLetterLog:
		return nil
	case DeadLetterKafka:
		if d.Topic == `` {
			return []string{`dead_letter.topic is required for kafka`}
		}
		return checkBrokers(`dead_letter.brokers`, d.Brokers)
	case DeadLetterNATS:
		var problems []string
		if !govalidator.IsRequestURL(d.URL) {
			problems = append(problems, fmt.Sprintf(`dead_letter.url [%s] is not a url`, d.URL))
		}
		if d.Subject == `` {
			problems = append(problems, `dead_letter.subject is required for nats`)
		}
		return problems
	case DeadLetterAMQP:
		var problems []string
		if !govalidator.IsRequestURL(d.URL) {
			problems = append(problems, fmt.Sprintf(`dead_letter.url [%s] is not a url`, d.URL))
		}
		if d.Exchange == `` && d.RoutingKey == `` {
			problems = append(problems, `dead_letter.exchange or dead_letter.routing_key is required for amqp`)
		}
		return problems
	}

	return []string{fmt.Sprintf(`dead_letter.kind [%s] must be one of log, kafka, nats, amqp`, d.Kind)}
}

func checkBrokers(name string, brokers []string) []string {
	var problems []string
	for _, b := range brokers {
		if !govalidator.IsDialString(b) {
			problems = append(problems, fmt.Sprintf(`%s entry [%s] is not host:port`, name, b))
		}
	}

	return problems
}
