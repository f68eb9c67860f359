package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-io/mqtt"
	"github.com/golang-io/mqtt/packet"
	"golang.org/x/sync/errgroup"
)

func main() {
	url := flag.String("url", "mqtt://127.0.0.1:1883", "broker URL")
	clientID := flag.String("id", "", "client id; empty generates one")
	persist := flag.Duration("persist", 0, "if > 0, request a persistent session with this expiry instead of a clean start")
	keepAlive := flag.Duration("keepalive", 60*time.Second, "keep-alive interval advertised to the broker")
	flag.Parse()

	opts := []mqtt.Option{
		mqtt.URL(*url),
		mqtt.KeepAlive(*keepAlive),
		mqtt.Subscription(
			packet.Subscription{TopicFilter: "+"},
			packet.Subscription{TopicFilter: "a/b/c"},
		),
	}
	if *clientID != "" {
		opts = append(opts, mqtt.ClientID(*clientID))
	}
	if *persist > 0 {
		opts = append(opts, mqtt.PersistSession(*persist))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := mqtt.New(opts...)
	c.OnMessage(func(msg *packet.Message) {
		log.Printf("on: %s", msg.String())
	})
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if err := c.SubmitMessage(&packet.Message{
				TopicName: "12345",
				Content:   []byte(time.Now().Format("2006-01-02 15:04:05")),
			}); err != nil {
				log.Printf("%v", err)
			}
			time.Sleep(time.Second)
		}
	})

	group.Go(func() error {
		defer cancel()
		ignore := make(chan os.Signal, 1)
		sign := make(chan os.Signal, 1)

		signal.Notify(ignore, syscall.SIGHUP) // terminal hangup or controlling process exit
		signal.Notify(sign, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

		select {
		case <-ctx.Done():
			log.Printf("ctx done")
			return ctx.Err()
		case sig := <-sign:
			return fmt.Errorf("got sign: %s", sig)
		}
	})

	group.Go(func() error {
		return c.ConnectAndSubscribe(ctx)
	})
	if err := group.Wait(); err != nil {
		log.Fatal(err)
	}
}
