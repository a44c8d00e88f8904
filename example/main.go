/**
 * Copyright 2020 TryFix Engineering.
 * All rights reserved.
 * Authors:
 *    Gayan Yapa (gmbyapa@gmail.com)
 */

package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tryfix/log"
	"github.com/tryfix/transcoder"
)

const tradeSchema = `{
  "type": "record",
  "name": "Trade",
  "namespace": "stockapp",
  "fields": [
    {"name": "side", "type": {"type": "enum", "name": "Side", "symbols": ["BUY", "SELL"]}},
    {"name": "quantity", "type": "int"},
    {"name": "symbol", "type": "string"},
    {"name": "price", "type": "double"},
    {"name": "account", "type": ["null", "string"], "default": null}
  ]
}`

type Trade struct {
	Side     string  `avro:"side"`
	Quantity int32   `avro:"quantity"`
	Symbol   string  `avro:"symbol"`
	Price    float64 `avro:"price"`
	Account  *string `avro:"account"`
}

var (
	registryURL = flag.String(`registry`, `http://localhost:8081`, `Schema registry url`)
	brokers     = flag.String(`brokers`, `localhost:9092`, `Comma separated kafka brokers`)
	topic       = flag.String(`topic`, `stockapp.trades`, `Topic to produce to`)
	count       = flag.Int(`count`, 10, `Number of trades to produce`)
)

// produces random avro trades for the transcoder to consume
func main() {
	flag.Parse()

	// init a new schema registry instance and register the trade schema
	registry, err := transcoder.NewRegistry(*registryURL,
		transcoder.WithLogger(log.NewLog().Log(log.WithLevel(log.DEBUG))))
	if err != nil {
		log.Fatal(err)
	}

	encoder, err := registry.Register(*topic+`-value`, tradeSchema)
	if err != nil {
		log.Fatal(err)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(*brokers, `,`)...),
		Topic:        *topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer writer.Close()

	symbols := []string{`ZVZZT`, `ZXZZT`, `ZWZZT`, `ZJZZT`}
	sides := []string{`BUY`, `SELL`}
	account := `ABC123`

	messages := make([]kafka.Message, 0, *count)
	for i := 0; i < *count; i++ {
		trade := Trade{
			Side:     sides[rand.Intn(len(sides))],
			Quantity: int32(rand.Intn(1000) + 1),
			Symbol:   symbols[rand.Intn(len(symbols))],
			Price:    float64(rand.Intn(100000)) / 100,
		}
		if i%2 == 0 {
			trade.Account = &account
		}

		value, err := encoder.Encode(trade)
		if err != nil {
			log.Fatal(err)
		}

		messages = append(messages, kafka.Message{
			Key:   []byte(trade.Symbol),
			Value: value,
			Time:  time.Now(),
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := writer.WriteMessages(ctx, messages...); err != nil {
		log.Fatal(err)
	}

	log.Info(fmt.Sprintf(`%d trades with schema [%d] produced to %s`, *count, encoder.Schema().ID, *topic))
}
